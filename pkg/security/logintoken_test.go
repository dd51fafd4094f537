package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginTokenMintAndVerify(t *testing.T) {
	v := NewLoginTokenVerifier()
	assert.False(t, v.HasPlaintext(), "fresh verifier should not have a cached plaintext")
	v.SetAdminPlaintext("correct-horse-battery-staple")
	assert.True(t, v.HasPlaintext(), "verifier should report a cached plaintext after SetAdminPlaintext")

	token, err := v.Mint("cluster-1", 10*time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token, "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, "cluster-1", claims.ClusterID)
}

func TestLoginTokenTTLClampedToMax(t *testing.T) {
	v := NewLoginTokenVerifier()
	v.SetAdminPlaintext("secret")

	token, err := v.Mint("cluster-1", 24*time.Hour)
	require.NoError(t, err)
	claims, err := v.Verify(token, "cluster-1")
	require.NoError(t, err)
	ttl := claims.Expiry.Time().Sub(claims.IssuedAt.Time())
	assert.LessOrEqual(t, ttl, MaxLoginTokenTTL+time.Second)
}

func TestLoginTokenWrongCluster(t *testing.T) {
	v := NewLoginTokenVerifier()
	v.SetAdminPlaintext("secret")

	token, err := v.Mint("cluster-1", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(token, "cluster-2")
	assert.Error(t, err, "Verify() should reject a token bound to a different cluster")
}

func TestLoginTokenMintWithoutPlaintext(t *testing.T) {
	v := NewLoginTokenVerifier()
	_, err := v.Mint("cluster-1", time.Minute)
	assert.Error(t, err, "Mint() should fail before SetAdminPlaintext is called")
}
