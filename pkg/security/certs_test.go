package security

import (
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeplane/xpd/pkg/storage"
)

func TestSaveLoadCertToFile(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	require.NoError(t, SetClusterEncryptionKey(key))

	tmpStoreDir, err := os.MkdirTemp("", "xpd-store-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpStoreDir)

	tmpCertDir, err := os.MkdirTemp("", "xpd-cert-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpCertDir)

	store, err := storage.NewBoltStore(tmpStoreDir)
	require.NoError(t, err)
	defer store.Close()

	ca := NewCertAuthority(store)
	require.NoError(t, ca.Initialize())

	cert, err := ca.IssueNodeCertificate("test-node", []string{}, []net.IP{})
	require.NoError(t, err)

	require.NoError(t, SaveCertToFile(cert, tmpCertDir))

	certPath := filepath.Join(tmpCertDir, "node.crt")
	keyPath := filepath.Join(tmpCertDir, "node.key")
	assert.FileExists(t, certPath)
	assert.FileExists(t, keyPath)

	loadedCert, err := LoadCertFromFile(tmpCertDir)
	require.NoError(t, err)

	assert.Equal(t, cert.Leaf.Subject.CommonName, loadedCert.Leaf.Subject.CommonName)
}

func TestSaveLoadCACertToFile(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	require.NoError(t, SetClusterEncryptionKey(key))

	tmpStoreDir, err := os.MkdirTemp("", "xpd-store-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpStoreDir)

	tmpCertDir, err := os.MkdirTemp("", "xpd-cert-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpCertDir)

	store, err := storage.NewBoltStore(tmpStoreDir)
	require.NoError(t, err)
	defer store.Close()

	ca := NewCertAuthority(store)
	require.NoError(t, ca.Initialize())

	caCertDER := ca.GetRootCACert()

	require.NoError(t, SaveCACertToFile(caCertDER, tmpCertDir))

	caPath := filepath.Join(tmpCertDir, "ca.crt")
	assert.FileExists(t, caPath)

	loadedCACert, err := LoadCACertFromFile(tmpCertDir)
	require.NoError(t, err)

	assert.True(t, loadedCACert.Equal(ca.rootCert), "loaded CA cert should match original")
}

func TestCertExists(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "xpd-cert-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	assert.False(t, CertExists(tmpDir), "certificate should not exist initially")

	certPath := filepath.Join(tmpDir, "node.crt")
	keyPath := filepath.Join(tmpDir, "node.key")
	caPath := filepath.Join(tmpDir, "ca.crt")

	_ = os.WriteFile(certPath, []byte("cert"), 0600)
	_ = os.WriteFile(keyPath, []byte("key"), 0600)
	_ = os.WriteFile(caPath, []byte("ca"), 0600)

	assert.True(t, CertExists(tmpDir), "certificate should exist after creating files")

	os.Remove(keyPath)

	assert.False(t, CertExists(tmpDir), "certificate should not exist with missing key file")
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		notAfter time.Time
		needsRot bool
	}{
		{
			name:     "Cert expiring in 1 day - needs rotation",
			notAfter: time.Now().Add(24 * time.Hour),
			needsRot: true,
		},
		{
			name:     "Cert expiring in 29 days - needs rotation",
			notAfter: time.Now().Add(29 * 24 * time.Hour),
			needsRot: true,
		},
		{
			name:     "Cert expiring in 31 days - no rotation needed",
			notAfter: time.Now().Add(31 * 24 * time.Hour),
			needsRot: false,
		},
		{
			name:     "Cert expiring in 60 days - no rotation needed",
			notAfter: time.Now().Add(60 * 24 * time.Hour),
			needsRot: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{
				NotAfter: tt.notAfter,
			}
			assert.Equal(t, tt.needsRot, CertNeedsRotation(cert))
		})
	}

	assert.True(t, CertNeedsRotation(nil), "nil certificate should need rotation")
}

func TestGetCertExpiry(t *testing.T) {
	expectedExpiry := time.Now().Add(90 * 24 * time.Hour)
	cert := &x509.Certificate{
		NotAfter: expectedExpiry,
	}

	expiry := GetCertExpiry(cert)
	assert.True(t, expiry.Equal(expectedExpiry))

	assert.True(t, GetCertExpiry(nil).IsZero(), "nil certificate should return zero time")
}

func TestGetCertTimeRemaining(t *testing.T) {
	expectedRemaining := 45 * 24 * time.Hour
	cert := &x509.Certificate{
		NotAfter: time.Now().Add(expectedRemaining),
	}

	remaining := GetCertTimeRemaining(cert)

	diff := remaining - expectedRemaining
	assert.InDelta(t, 0, diff, float64(time.Second), "expected remaining ~%v, got %v", expectedRemaining, remaining)

	assert.Zero(t, GetCertTimeRemaining(nil), "nil certificate should return zero duration")
}

func TestValidateCertChain(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	require.NoError(t, SetClusterEncryptionKey(key))

	tmpDir, err := os.MkdirTemp("", "xpd-ca-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store, err := storage.NewBoltStore(tmpDir)
	require.NoError(t, err)
	defer store.Close()

	ca := NewCertAuthority(store)
	require.NoError(t, ca.Initialize())

	cert, err := ca.IssueNodeCertificate("test-node", []string{}, []net.IP{})
	require.NoError(t, err)

	assert.NoError(t, ValidateCertChain(cert.Leaf, ca.rootCert))
	assert.Error(t, ValidateCertChain(nil, ca.rootCert), "validation should fail with nil certificate")
	assert.Error(t, ValidateCertChain(cert.Leaf, nil), "validation should fail with nil CA")
}

func TestGetCertInfo(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	require.NoError(t, SetClusterEncryptionKey(key))

	tmpDir, err := os.MkdirTemp("", "xpd-ca-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store, err := storage.NewBoltStore(tmpDir)
	require.NoError(t, err)
	defer store.Close()

	ca := NewCertAuthority(store)
	require.NoError(t, ca.Initialize())

	cert, err := ca.IssueNodeCertificate("test-node", []string{}, []net.IP{})
	require.NoError(t, err)

	info := GetCertInfo(cert.Leaf)

	assert.Equal(t, nodeCommonName("test-node"), info["subject"])
	assert.Equal(t, "xpd cluster CA", info["issuer"])
	assert.Equal(t, false, info["is_ca"])

	nilInfo := GetCertInfo(nil)
	_, hasError := nilInfo["error"]
	assert.True(t, hasError, "info for nil certificate should contain error")
}

func TestRemoveCerts(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "xpd-cert-test-*")
	require.NoError(t, err)

	_ = os.WriteFile(filepath.Join(tmpDir, "node.crt"), []byte("cert"), 0600)
	_ = os.WriteFile(filepath.Join(tmpDir, "node.key"), []byte("key"), 0600)

	require.NoError(t, RemoveCerts(tmpDir))

	_, err = os.Stat(tmpDir)
	assert.True(t, os.IsNotExist(err), "certificate directory should not exist after removal")
}
