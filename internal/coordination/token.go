package coordination

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenExpiry is used when a TokenGenerator is not given an
// explicit expiry.
const DefaultTokenExpiry = 1 * time.Hour

// ServiceClaims is the JWT claim set carried by an identity token minted
// for outbound cloud API calls.
type ServiceClaims struct {
	ServiceID string `json:"service_id"`
	jwt.RegisteredClaims
}

// TokenGenerator mints identity tokens signed with an RSA private key,
// standing in for the real identity service's opaque token issuance
// (explicitly out of scope; see Non-goals).
type TokenGenerator struct {
	privateKey *rsa.PrivateKey
	serviceID  string
	expiry     time.Duration
}

// NewTokenGenerator constructs a TokenGenerator.
func NewTokenGenerator(privateKey *rsa.PrivateKey, serviceID string, expiry time.Duration) *TokenGenerator {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	return &TokenGenerator{privateKey: privateKey, serviceID: serviceID, expiry: expiry}
}

// GenerateToken mints a new signed token.
func (g *TokenGenerator) GenerateToken() (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(g.expiry)
	claims := &ServiceClaims{
		ServiceID: g.serviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "autoscale-controlplane",
			Subject:   g.serviceID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(g.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("coordination: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// TokenCache is the process-wide auth-token cache: a single cached token,
// refreshed lazily, invalidated explicitly on a 401 response (see
// httpeffect.AddEffectOnResponse as wired in cmd/appserver). This is one of the two process-wide
// singletons the design calls for; callers hold an explicit handle rather
// than reaching for a package-level global.
type TokenCache struct {
	mu        sync.Mutex
	generator *TokenGenerator
	cached    string
	expiresAt time.Time
}

// NewTokenCache constructs an empty cache backed by the given generator.
func NewTokenCache(generator *TokenGenerator) *TokenCache {
	return &TokenCache{generator: generator}
}

// Token returns a valid cached token, minting a new one if the cache is
// empty or within 30s of expiry.
func (c *TokenCache) Token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != "" && time.Until(c.expiresAt) > 30*time.Second {
		return c.cached, nil
	}

	token, expiresAt, err := c.generator.GenerateToken()
	if err != nil {
		return "", err
	}
	c.cached = token
	c.expiresAt = expiresAt
	return token, nil
}

// Invalidate clears the cached token, forcing the next Token call to mint
// a fresh one. Called by the 401-handling side effect.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = ""
	c.expiresAt = time.Time{}
}

// ParseRSAPrivateKeyFromPEM parses an RSA private key from PEM bytes.
// Supported PEM types: RSA PRIVATE KEY (PKCS#1), PRIVATE KEY (PKCS#8).
func ParseRSAPrivateKeyFromPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("coordination: no PEM private key found")
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("coordination: parse PKCS#8 private key: %w", err)
			}
			priv, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("coordination: private key is not RSA")
			}
			return priv, nil
		}

		if len(rest) == 0 {
			return nil, fmt.Errorf("coordination: no supported PEM private key found")
		}
	}
}
