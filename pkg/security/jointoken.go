package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// JoinTokenClaims is the payload carried by a join token, per §4.A:
// mint_join_token(ttl) -> token.
type JoinTokenClaims struct {
	ClusterID         string `json:"cluster_id"`
	LeaderAPIBaseURL  string `json:"leader_api_base_url"`
	ClusterCA         string `json:"cluster_ca"` // PEM
	Nonce             string `json:"nonce"`
	jwt.Claims
}

// JoinTokenIssuer mints and validates signed, one-time join tokens. Nonces
// are tracked in memory until their token's expiry to prevent replay.
type JoinTokenIssuer struct {
	signingKey []byte // HMAC-SHA256 key, cluster-wide

	mu   sync.Mutex
	seen map[string]time.Time // nonce -> expiry
}

// NewJoinTokenIssuer returns an issuer using signingKey (32 bytes,
// typically derived alongside the cluster CA).
func NewJoinTokenIssuer(signingKey []byte) *JoinTokenIssuer {
	return &JoinTokenIssuer{
		signingKey: signingKey,
		seen:       make(map[string]time.Time),
	}
}

// Mint produces a signed join token valid for ttl, carrying the cluster's
// current CA and leader address.
func (ji *JoinTokenIssuer) Mint(clusterID, leaderAPIBaseURL, clusterCAPEM string, ttl time.Duration) (string, error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := JoinTokenClaims{
		ClusterID:        clusterID,
		LeaderAPIBaseURL: leaderAPIBaseURL,
		ClusterCA:        clusterCAPEM,
		Nonce:            nonce,
		Claims: jwt.Claims{
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: ji.signingKey}, nil)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing join token: %w", err)
	}

	ji.mu.Lock()
	ji.seen[nonce] = claims.Expiry.Time()
	ji.mu.Unlock()

	return token, nil
}

// Validate checks a join token's signature, expiry, and nonce freshness,
// marking the nonce consumed on success (one-time use).
func (ji *JoinTokenIssuer) Validate(token string) (*JoinTokenClaims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing join token: %w", err)
	}

	var claims JoinTokenClaims
	if err := parsed.Claims(ji.signingKey, &claims); err != nil {
		return nil, fmt.Errorf("invalid join token signature: %w", err)
	}

	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return nil, fmt.Errorf("join token expired or not yet valid: %w", err)
	}

	ji.mu.Lock()
	defer ji.mu.Unlock()
	ji.pruneLocked()
	if _, seen := ji.seen[claims.Nonce]; !seen {
		return nil, fmt.Errorf("join token nonce already consumed or unknown")
	}
	delete(ji.seen, claims.Nonce)

	return &claims, nil
}

// pruneLocked drops expired nonces. Caller must hold ji.mu.
func (ji *JoinTokenIssuer) pruneLocked() {
	now := time.Now()
	for nonce, exp := range ji.seen {
		if now.After(exp) {
			delete(ji.seen, nonce)
		}
	}
}

// ParseJoinTokenClaims extracts a join token's claims without verifying its
// signature. A joining node doesn't hold the cluster's signing key — it
// needs the embedded cluster_ca/leader_api_base_url to know who to dial and
// what certificate to trust in the first place, which is exactly what
// signature verification would otherwise gate on.
func ParseJoinTokenClaims(token string) (*JoinTokenClaims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing join token: %w", err)
	}
	var claims JoinTokenClaims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("reading join token claims: %w", err)
	}
	return &claims, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
