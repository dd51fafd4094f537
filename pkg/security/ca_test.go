package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeplane/xpd/pkg/storage"
)

func newTestCA(t *testing.T) (*CertAuthority, func()) {
	t.Helper()
	key := DeriveKeyFromClusterID("test-cluster")
	require.NoError(t, SetClusterEncryptionKey(key))

	tmpDir, err := os.MkdirTemp("", "xpd-ca-test-*")
	require.NoError(t, err)

	store, err := storage.NewBoltStore(tmpDir)
	require.NoError(t, err)

	ca := NewCertAuthority(store)
	require.NoError(t, ca.Initialize())

	return ca, func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestInitializeCA(t *testing.T) {
	ca, cleanup := newTestCA(t)
	defer cleanup()

	assert.True(t, ca.IsInitialized())
	require.NotNil(t, ca.rootCert)
	require.NotNil(t, ca.rootKey)
	assert.True(t, ca.rootCert.IsCA)

	expectedExpiry := time.Now().Add(rootCAValidity)
	assert.False(t, ca.rootCert.NotAfter.Before(expectedExpiry.Add(-time.Hour)),
		"root cert expiry too early: %v, expected around %v", ca.rootCert.NotAfter, expectedExpiry)
}

func TestSaveLoadCA(t *testing.T) {
	ca1, cleanup := newTestCA(t)
	defer cleanup()

	require.NoError(t, ca1.SaveToStore())

	ca2 := NewCertAuthority(ca1.store)
	require.NoError(t, ca2.LoadFromStore())

	assert.True(t, ca2.IsInitialized(), "loaded CA should be initialized")
	assert.True(t, ca1.rootCert.Equal(ca2.rootCert), "loaded root cert should match original")
	assert.Zero(t, ca1.rootKey.N.Cmp(ca2.rootKey.N), "loaded root key should match original")
}

func TestIssueNodeCertificate(t *testing.T) {
	ca, cleanup := newTestCA(t)
	defer cleanup()

	tests := []struct {
		name     string
		nodeID   string
		dnsNames []string
	}{
		{"no extra SANs", "node1", []string{}},
		{"with hostname SAN", "node2", []string{"node2.internal"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := ca.IssueNodeCertificate(tt.nodeID, tt.dnsNames, []net.IP{})
			require.NoError(t, err)

			require.NotNil(t, cert.Leaf)

			expectedCN := nodeCommonName(tt.nodeID)
			assert.Equal(t, expectedCN, cert.Leaf.Subject.CommonName)

			gotID, err := PeerNodeID(cert.Leaf)
			require.NoError(t, err)
			assert.Equal(t, tt.nodeID, gotID)

			expectedExpiry := time.Now().Add(nodeCertValidity)
			assert.False(t, cert.Leaf.NotAfter.Before(expectedExpiry.Add(-time.Hour)),
				"cert expiry too early: %v, expected around %v", cert.Leaf.NotAfter, expectedExpiry)

			assert.NotZero(t, cert.Leaf.KeyUsage&x509.KeyUsageDigitalSignature,
				"certificate should have DigitalSignature key usage")

			hasClientAuth := false
			hasServerAuth := false
			for _, usage := range cert.Leaf.ExtKeyUsage {
				if usage == x509.ExtKeyUsageClientAuth {
					hasClientAuth = true
				}
				if usage == x509.ExtKeyUsageServerAuth {
					hasServerAuth = true
				}
			}
			assert.True(t, hasClientAuth, "certificate should have ClientAuth extended key usage")
			assert.True(t, hasServerAuth, "certificate should have ServerAuth extended key usage")
		})
	}
}

func TestSignCSR(t *testing.T) {
	ca, cleanup := newTestCA(t)
	defer cleanup()

	csrDER := generateTestCSR(t, "joiner.internal")
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(t, err)

	certDER, err := ca.SignCSR(csr, "node-joiner")
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	gotID, err := PeerNodeID(cert)
	require.NoError(t, err)
	assert.Equal(t, "node-joiner", gotID)
	if assert.GreaterOrEqual(t, len(cert.DNSNames), 2) {
		assert.Equal(t, "joiner.internal", cert.DNSNames[1],
			"expected original CSR SAN preserved after node_id")
	}

	assert.NoError(t, ca.VerifyCertificate(cert), "signed CSR certificate should verify")
}

func TestSignCSRRejectsBadSignature(t *testing.T) {
	ca, cleanup := newTestCA(t)
	defer cleanup()

	csrDER := generateTestCSR(t, "joiner.internal")
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(t, err)
	csr.Signature[0] ^= 0xFF

	_, err = ca.SignCSR(csr, "node-joiner")
	assert.Error(t, err, "expected SignCSR to reject a CSR with an invalid signature")
}

func TestIssueClientCertificate(t *testing.T) {
	ca, cleanup := newTestCA(t)
	defer cleanup()

	clientID := "admin@workstation"
	cert, err := ca.IssueClientCertificate(clientID)
	require.NoError(t, err)

	require.NotNil(t, cert.Leaf)

	expectedCN := "cli-" + clientID
	assert.Equal(t, expectedCN, cert.Leaf.Subject.CommonName)

	hasClientAuth := false
	hasServerAuth := false
	for _, usage := range cert.Leaf.ExtKeyUsage {
		if usage == x509.ExtKeyUsageClientAuth {
			hasClientAuth = true
		}
		if usage == x509.ExtKeyUsageServerAuth {
			hasServerAuth = true
		}
	}
	assert.True(t, hasClientAuth, "client certificate should have ClientAuth extended key usage")
	assert.False(t, hasServerAuth, "client certificate should not have ServerAuth extended key usage")
}

func TestVerifyCertificate(t *testing.T) {
	ca, cleanup := newTestCA(t)
	defer cleanup()

	cert, err := ca.IssueNodeCertificate("test-node", []string{}, []net.IP{})
	require.NoError(t, err)

	assert.NoError(t, ca.VerifyCertificate(cert.Leaf))
}

func TestGetRootCACert(t *testing.T) {
	ca, cleanup := newTestCA(t)
	defer cleanup()

	rootCertDER := ca.GetRootCACert()
	require.NotNil(t, rootCertDER)

	parsedCert, err := x509.ParseCertificate(rootCertDER)
	require.NoError(t, err)
	assert.True(t, parsedCert.Equal(ca.rootCert), "returned root CA cert should match internal cert")
}

func TestCertCache(t *testing.T) {
	ca, cleanup := newTestCA(t)
	defer cleanup()

	nodeID := "test-node"
	_, err := ca.IssueNodeCertificate(nodeID, []string{}, []net.IP{})
	require.NoError(t, err)

	cached, exists := ca.GetCachedCert(nodeID)
	assert.True(t, exists, "certificate should be in cache")
	require.NotNil(t, cached)
	assert.Equal(t, nodeCommonName(nodeID), cached.Cert.Subject.CommonName)
}

// generateTestCSR builds a self-signed CSR the way a joining node would,
// generating its own keypair and requesting dnsName as a SAN.
func generateTestCSR(t *testing.T, dnsName string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	require.NoError(t, err)

	template := &x509.CertificateRequest{
		DNSNames: []string{dnsName},
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)
	return csrDER
}
