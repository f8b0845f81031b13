package client

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"software.sslmate.com/src/go-pkcs12"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/common/validation"
)

// TokenInfo is what InspectToken reads from a JWT bearer token.
type TokenInfo struct {
	Subject   string
	Issuer    string
	Email     string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Expired reports whether the token expired before now.
func (t *TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

type tokenClaims struct {
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	jwt.RegisteredClaims
}

// InspectToken parses a JWT without verifying its signature. Opaque (non-JWT)
// tokens return an error.
func InspectToken(token string) (*TokenInfo, error) {
	parsed, _, err := new(jwt.Parser).ParseUnverified(token, &tokenClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return nil, fmt.Errorf("failed to extract claims from token")
	}

	info := &TokenInfo{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
		Email:   claims.Email,
	}
	if info.Email == "" {
		info.Email = claims.PreferredUsername
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// checkToken logs who a JWT bearer token belongs to and warns when it has
// expired. Opaque tokens are left alone.
func (c *Client) checkToken() {
	info, err := InspectToken(c.creds.AccessToken)
	if err != nil {
		logger.LogDebug(c.log, "Access token is not a JWT", "error", err)
		return
	}
	if info.Expired(time.Now()) {
		logger.LogWarn(c.log, "Access token has expired",
			"subject", info.Subject,
			"expired_at", info.ExpiresAt.Format(time.RFC3339))
		return
	}
	logger.LogDebug(c.log, "Access token claims",
		"subject", info.Subject,
		"issuer", info.Issuer,
		"expires_at", info.ExpiresAt.Format(time.RFC3339))
}

// LoadClientCertificate loads a PFX/PKCS#12 file for mutual TLS. Both the
// SHA-256 and legacy SHA-1 encodings are accepted.
func LoadClientCertificate(path, password string) (*tls.Certificate, error) {
	if err := validation.ValidateFilePath(path, "PFX file"); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PFX file: %w", err)
	}
	return DecodeClientCertificate(data, password)
}

// DecodeClientCertificate decodes PFX data into a tls.Certificate carrying
// the leaf and any CA certificates.
func DecodeClientCertificate(data []byte, password string) (*tls.Certificate, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PFX: %w", err)
	}

	chain := [][]byte{cert.Raw}
	for _, ca := range caCerts {
		chain = append(chain, ca.Raw)
	}
	return &tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}
