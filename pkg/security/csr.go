package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

// GenerateNodeCSR creates a fresh RSA keypair and a PEM-encoded certificate
// signing request for nodeID, for a node that has no cluster CA of its own
// yet (the `xpd join` path: the CSR travels to the leader inside
// joinClusterRequest and comes back signed by the cluster CA).
func GenerateNodeCSR(nodeID string) (csrPEM string, key *rsa.PrivateKey, err error) {
	key, err = rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return "", nil, fmt.Errorf("generating node key: %w", err)
	}

	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: nodeCommonName(nodeID), Organization: []string{"xpd cluster"}},
		DNSNames: []string{nodeID},
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return "", nil, fmt.Errorf("creating certificate request: %w", err)
	}

	block := &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}
	return string(pem.EncodeToMemory(block)), key, nil
}
