package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/nodeplane/xpd/pkg/storage"
)

// CertAuthority manages the cluster's self-signed certificate authority:
// issues node/client certificates under it and verifies peers against it.
type CertAuthority struct {
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	store     storage.Store
	certCache map[string]*CachedCert
	mu        sync.RWMutex
}

// CachedCert is a previously issued certificate kept in memory for reuse
// within the issuing process's lifetime.
type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CAData is the serialized form of the CA persisted via Store.SaveCA.
type CAData struct {
	RootCertDER []byte
	RootKeyDER  []byte
}

const (
	rootCAValidity   = 10 * 365 * 24 * time.Hour
	nodeCertValidity = 90 * 24 * time.Hour
	rootKeySize      = 4096
	nodeKeySize      = 2048
)

// NewCertAuthority returns a CertAuthority backed by store for persistence.
func NewCertAuthority(store storage.Store) *CertAuthority {
	return &CertAuthority{
		store:     store,
		certCache: make(map[string]*CachedCert),
	}
}

// Initialize generates a fresh self-signed root CA. Called exactly once, at
// `xpd init`.
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("generating root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"xpd cluster"},
			CommonName:   "xpd cluster CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("creating root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// ImportRoot installs a root certificate and key obtained directly from
// another node (the cluster join response carries both in DER form) without
// reading from this node's own store. The caller is expected to persist it
// locally afterward via SaveToStore, since the joining node has no
// replicated state yet to fall back on.
func (ca *CertAuthority) ImportRoot(certDER, keyDER []byte) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parsing imported root certificate: %w", err)
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return fmt.Errorf("parsing imported root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// LoadFromStore loads a previously initialized CA.
func (ca *CertAuthority) LoadFromStore() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.store.GetCA()
	if err != nil {
		return fmt.Errorf("reading CA from store: %w", err)
	}

	var caData CAData
	if err := json.Unmarshal(data, &caData); err != nil {
		return fmt.Errorf("unmarshaling CA data: %w", err)
	}

	decryptedKey, err := Decrypt(caData.RootKeyDER)
	if err != nil {
		return fmt.Errorf("decrypting root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(caData.RootCertDER)
	if err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}

	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("parsing root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToStore persists the CA, encrypting the private key at rest.
func (ca *CertAuthority) SaveToStore() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("encrypting root key: %w", err)
	}

	caData := CAData{
		RootCertDER: ca.rootCert.Raw,
		RootKeyDER:  encryptedKey,
	}

	data, err := json.Marshal(caData)
	if err != nil {
		return fmt.Errorf("marshaling CA data: %w", err)
	}

	if err := ca.store.SaveCA(data); err != nil {
		return fmt.Errorf("saving CA to store: %w", err)
	}
	return nil
}

// IssueNodeCertificate generates a fresh keypair and issues a certificate
// for it whose Subject CommonName and DNS SAN encode nodeID (used when this
// process mints its own cert directly, e.g. the bootstrap node).
func (ca *CertAuthority) IssueNodeCertificate(nodeID string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	nodeKey, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating node key: %w", err)
	}

	certDER, err := ca.signTemplate(nodeCommonName(nodeID), append([]string{nodeID}, dnsNames...), ipAddresses,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}, &nodeKey.PublicKey)
	if err != nil {
		return nil, err
	}

	nodeCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing node certificate: %w", err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  nodeKey,
		Leaf:        nodeCert,
	}
	ca.cacheCertificate(nodeID, nodeCert, nodeKey)
	return tlsCert, nil
}

// SignCSR signs a certificate signing request presented by a joining node,
// as required by §4.A's sign_csr(token, csr) -> cert operation. The caller
// is responsible for validating the join token before calling this.
func (ca *CertAuthority) SignCSR(csr *x509.CertificateRequest, nodeID string) ([]byte, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("invalid CSR signature: %w", err)
	}

	dnsNames := append([]string{nodeID}, csr.DNSNames...)
	return ca.signTemplate(nodeCommonName(nodeID), dnsNames, csr.IPAddresses,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}, csr.PublicKey)
}

func nodeCommonName(nodeID string) string { return fmt.Sprintf("node-%s", nodeID) }

func (ca *CertAuthority) signTemplate(commonName string, dnsNames []string, ipAddresses []net.IP, extKeyUsage []x509.ExtKeyUsage, pub any) ([]byte, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"xpd cluster"},
			CommonName:   commonName,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(nodeCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: extKeyUsage,
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}

	return x509.CreateCertificate(rand.Reader, template, ca.rootCert, pub, ca.rootKey)
}

// IssueClientCertificate issues a short-lived client certificate (used for
// local admin-proxy clients that should present mTLS but are not nodes).
func (ca *CertAuthority) IssueClientCertificate(clientID string) (*tls.Certificate, error) {
	ca.mu.RLock()
	rootReady := ca.rootCert != nil && ca.rootKey != nil
	ca.mu.RUnlock()
	if !rootReady {
		return nil, fmt.Errorf("CA not initialized")
	}

	clientKey, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating client key: %w", err)
	}

	ca.mu.RLock()
	certDER, err := ca.signTemplate(fmt.Sprintf("cli-%s", clientID), nil, nil,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, &clientKey.PublicKey)
	ca.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("creating client certificate: %w", err)
	}

	clientCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing client certificate: %w", err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  clientKey,
		Leaf:        clientCert,
	}
	ca.cacheCertificate(clientID, clientCert, clientKey)
	return tlsCert, nil
}

// VerifyCertificate accepts cert iff it chains to the cluster root CA and
// has not expired — the verify_peer operation of §4.A.
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// PeerNodeID recovers the node_id encoded in a peer certificate's SAN list
// by IssueNodeCertificate/SignCSR (the first DNS SAN is always the raw
// node_id, independent of the human-readable CommonName).
func PeerNodeID(cert *x509.Certificate) (string, error) {
	if len(cert.DNSNames) == 0 {
		return "", fmt.Errorf("certificate carries no node_id SAN")
	}
	return cert.DNSNames[0], nil
}

// GetRootCACert returns the root CA certificate in DER form.
func (ca *CertAuthority) GetRootCACert() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

// GetRootKeyDER returns the root CA private key in PKCS#1 DER form, for the
// join response: the leader ships it to a newly joining node over the
// mTLS-pinned join channel so that node can become CA custodian too.
func (ca *CertAuthority) GetRootKeyDER() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootKey == nil {
		return nil
	}
	return x509.MarshalPKCS1PrivateKey(ca.rootKey)
}

// IsInitialized reports whether Initialize or LoadFromStore has succeeded.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

func (ca *CertAuthority) cacheCertificate(id string, cert *x509.Certificate, key *rsa.PrivateKey) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.certCache[id] = &CachedCert{
		Cert:      cert,
		Key:       key,
		IssuedAt:  cert.NotBefore,
		ExpiresAt: cert.NotAfter,
	}
}

// GetCachedCert returns a previously issued certificate, if still cached.
func (ca *CertAuthority) GetCachedCert(id string) (*CachedCert, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	cert, exists := ca.certCache[id]
	return cert, exists
}
