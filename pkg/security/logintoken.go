package security

import (
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// MaxLoginTokenTTL is the hard ceiling on login token lifetime (§4.A).
const MaxLoginTokenTTL = time.Hour

// LoginTokenClaims is the payload of a short-lived admin login token.
type LoginTokenClaims struct {
	ClusterID string `json:"cluster_id"`
	jwt.Claims
}

// LoginTokenVerifier mints and verifies HMAC-SHA256 login JWTs signed with
// the admin token plaintext (spec.md §9.ii). The plaintext is cached in
// memory for the life of the process only — never persisted — so
// verification survives repeated requests but not restarts; a restarted
// process requires the operator to re-supply the admin token once before
// login tokens can be issued or verified again.
type LoginTokenVerifier struct {
	mu             sync.RWMutex
	cachedPlaintext string
}

// NewLoginTokenVerifier returns a verifier with no cached plaintext; call
// SetAdminPlaintext once the operator has supplied or confirmed it.
func NewLoginTokenVerifier() *LoginTokenVerifier {
	return &LoginTokenVerifier{}
}

// SetAdminPlaintext caches the admin token plaintext for this process's
// remaining lifetime.
func (v *LoginTokenVerifier) SetAdminPlaintext(plaintext string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cachedPlaintext = plaintext
}

// HasPlaintext reports whether a plaintext has been cached yet.
func (v *LoginTokenVerifier) HasPlaintext() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cachedPlaintext != ""
}

// Mint issues a login token valid for ttl (clamped to MaxLoginTokenTTL),
// signed with the cached admin plaintext.
func (v *LoginTokenVerifier) Mint(clusterID string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > MaxLoginTokenTTL {
		ttl = MaxLoginTokenTTL
	}

	v.mu.RLock()
	key := v.cachedPlaintext
	v.mu.RUnlock()
	if key == "" {
		return "", fmt.Errorf("admin token plaintext not available in this process")
	}

	now := time.Now()
	claims := LoginTokenClaims{
		ClusterID: clusterID,
		Claims: jwt.Claims{
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(key)}, nil)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing login token: %w", err)
	}
	return token, nil
}

// Verify checks a login token's signature, expiry, and cluster binding.
func (v *LoginTokenVerifier) Verify(token, clusterID string) (*LoginTokenClaims, error) {
	v.mu.RLock()
	key := v.cachedPlaintext
	v.mu.RUnlock()
	if key == "" {
		return nil, fmt.Errorf("admin token plaintext not available in this process")
	}

	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing login token: %w", err)
	}

	var claims LoginTokenClaims
	if err := parsed.Claims([]byte(key), &claims); err != nil {
		return nil, fmt.Errorf("invalid login token signature: %w", err)
	}

	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return nil, fmt.Errorf("login token expired: %w", err)
	}
	if claims.ClusterID != clusterID {
		return nil, fmt.Errorf("login token bound to a different cluster")
	}
	return &claims, nil
}
