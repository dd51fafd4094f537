package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// SecretsManager encrypts and decrypts opaque byte blobs with AES-256-GCM,
// keyed by a caller-supplied 32-byte key.
type SecretsManager struct {
	encryptionKey []byte
}

// NewSecretsManager returns a manager using key directly as the AES-256 key.
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &SecretsManager{encryptionKey: key}, nil
}

// EncryptSecret encrypts plaintext with AES-256-GCM, returning the nonce
// prepended to the ciphertext.
func (sm *SecretsManager) EncryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptSecret reverses EncryptSecret.
func (sm *SecretsManager) DecryptSecret(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// DeriveKeyFromClusterID derives a stable 32-byte AES key from the cluster
// ID, used so every node can independently re-derive the key that encrypts
// the CA private key at rest without storing the key itself.
func DeriveKeyFromClusterID(clusterID string) []byte {
	hash := sha256.Sum256([]byte(clusterID))
	return hash[:]
}

// clusterEncryptionKey is the process-wide key derived at startup from the
// cluster ID via SetClusterEncryptionKey.
var clusterEncryptionKey []byte

// SetClusterEncryptionKey installs the process-wide encryption key. Called
// once during startup after the cluster ID is known.
func SetClusterEncryptionKey(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	clusterEncryptionKey = key
	return nil
}

// Encrypt encrypts data with the process-wide cluster encryption key. Used
// for the CA private key at rest.
func Encrypt(plaintext []byte) ([]byte, error) {
	if len(clusterEncryptionKey) == 0 {
		return nil, fmt.Errorf("cluster encryption key not set")
	}
	sm, err := NewSecretsManager(clusterEncryptionKey)
	if err != nil {
		return nil, err
	}
	return sm.EncryptSecret(plaintext)
}

// Decrypt decrypts data encrypted by Encrypt.
func Decrypt(ciphertext []byte) ([]byte, error) {
	if len(clusterEncryptionKey) == 0 {
		return nil, fmt.Errorf("cluster encryption key not set")
	}
	sm, err := NewSecretsManager(clusterEncryptionKey)
	if err != nil {
		return nil, err
	}
	return sm.DecryptSecret(ciphertext)
}
