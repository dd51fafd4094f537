package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecretsManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{
			name:    "valid 32-byte key",
			key:     make([]byte, 32),
			wantErr: false,
		},
		{
			name:    "invalid short key",
			key:     make([]byte, 16),
			wantErr: true,
		},
		{
			name:    "invalid long key",
			key:     make([]byte, 64),
			wantErr: true,
		},
		{
			name:    "empty key",
			key:     []byte{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSecretsManager(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, sm, "NewSecretsManager() returned nil without error")
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, []byte("test-encryption-key-32-bytes-!!"))

	sm, err := NewSecretsManager(key)
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{
			name:      "simple string",
			plaintext: []byte("hello world"),
		},
		{
			name:      "json data",
			plaintext: []byte(`{"username":"admin","password":"secret123"}`),
		},
		{
			name:      "binary data",
			plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD},
		},
		{
			name:      "large data",
			plaintext: bytes.Repeat([]byte("test"), 1000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := sm.EncryptSecret(tt.plaintext)
			require.NoError(t, err)

			assert.False(t, bytes.Equal(ciphertext, tt.plaintext), "ciphertext should not equal plaintext")

			decrypted, err := sm.DecryptSecret(ciphertext)
			require.NoError(t, err)

			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestEncryptSecret_Errors(t *testing.T) {
	key := make([]byte, 32)
	sm, _ := NewSecretsManager(key)

	tests := []struct {
		name      string
		plaintext []byte
		wantErr   bool
	}{
		{
			name:      "empty data",
			plaintext: []byte{},
			wantErr:   true,
		},
		{
			name:      "nil data",
			plaintext: nil,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sm.EncryptSecret(tt.plaintext)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecryptSecret_Errors(t *testing.T) {
	key := make([]byte, 32)
	sm, _ := NewSecretsManager(key)

	tests := []struct {
		name       string
		ciphertext []byte
		wantErr    bool
	}{
		{
			name:       "empty data",
			ciphertext: []byte{},
			wantErr:    true,
		},
		{
			name:       "nil data",
			ciphertext: nil,
			wantErr:    true,
		},
		{
			name:       "too short data",
			ciphertext: []byte{0x01, 0x02},
			wantErr:    true,
		},
		{
			name:       "corrupted data",
			ciphertext: bytes.Repeat([]byte("x"), 100),
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sm.DecryptSecret(tt.ciphertext)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	key1 := make([]byte, 32)
	copy(key1, []byte("key-one-32-bytes-long-!!!!!!!!!!"))

	key2 := make([]byte, 32)
	copy(key2, []byte("key-two-32-bytes-long-!!!!!!!!!!"))

	sm1, _ := NewSecretsManager(key1)
	sm2, _ := NewSecretsManager(key2)

	plaintext := []byte("secret data")

	ciphertext, err := sm1.EncryptSecret(plaintext)
	require.NoError(t, err)

	_, err = sm2.DecryptSecret(ciphertext)
	assert.Error(t, err, "DecryptSecret() should fail with wrong key")
}

func TestDeriveKeyFromClusterID(t *testing.T) {
	tests := []struct {
		name      string
		clusterID string
	}{
		{
			name:      "simple ID",
			clusterID: "cluster-123",
		},
		{
			name:      "UUID",
			clusterID: "550e8400-e29b-41d4-a716-446655440000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := DeriveKeyFromClusterID(tt.clusterID)

			assert.Len(t, key, 32)

			key2 := DeriveKeyFromClusterID(tt.clusterID)
			assert.Equal(t, key, key2, "DeriveKeyFromClusterID() should be deterministic")

			differentKey := DeriveKeyFromClusterID(tt.clusterID + "-different")
			assert.NotEqual(t, key, differentKey, "different cluster IDs should produce different keys")
		})
	}
}

func TestClusterEncryptDecrypt(t *testing.T) {
	key := DeriveKeyFromClusterID("encrypt-decrypt-cluster")
	require.NoError(t, SetClusterEncryptionKey(key))

	plaintext := []byte("root CA private key bytes")
	ciphertext, err := Encrypt(plaintext)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(ciphertext, plaintext), "Encrypt() ciphertext should not equal plaintext")

	decrypted, err := Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestClusterEncryptWithoutKeySet(t *testing.T) {
	clusterEncryptionKey = nil
	_, err := Encrypt([]byte("data"))
	assert.Error(t, err, "Encrypt() should fail when no cluster key is set")
	_, err = Decrypt([]byte("data"))
	assert.Error(t, err, "Decrypt() should fail when no cluster key is set")
}
