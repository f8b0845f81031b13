package client

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"software.sslmate.com/src/go-pkcs12"
)

func signedToken(t *testing.T, claims tokenClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func TestInspectToken(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	token := signedToken(t, tokenClaims{
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "https://idp.example.com",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	info, err := InspectToken(token)
	if err != nil {
		t.Fatalf("InspectToken() error = %v", err)
	}
	if info.Subject != "user-1" || info.Issuer != "https://idp.example.com" || info.Email != "user@example.com" {
		t.Errorf("InspectToken() = %+v", info)
	}
	if !info.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", info.ExpiresAt, exp)
	}
	if info.Expired(exp.Add(-time.Minute)) {
		t.Error("Expired() = true before expiry")
	}
	if !info.Expired(exp.Add(time.Minute)) {
		t.Error("Expired() = false after expiry")
	}
}

func TestInspectToken_PreferredUsername(t *testing.T) {
	token := signedToken(t, tokenClaims{PreferredUsername: "alice@example.com"})
	info, err := InspectToken(token)
	if err != nil {
		t.Fatalf("InspectToken() error = %v", err)
	}
	if info.Email != "alice@example.com" {
		t.Errorf("Email = %q, want preferred_username", info.Email)
	}
	if !info.ExpiresAt.IsZero() || info.Expired(time.Now()) {
		t.Error("token without exp reported an expiry")
	}
}

func TestInspectToken_Opaque(t *testing.T) {
	if _, err := InspectToken("not-a-jwt"); err == nil {
		t.Error("InspectToken(opaque) error = nil")
	}
}

func generateTestCertificate(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate private key: %v", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("Failed to generate serial number: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "jmap client"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert, privateKey
}

func TestDecodeClientCertificate(t *testing.T) {
	cert, key := generateTestCertificate(t)

	tests := []struct {
		name    string
		encoder *pkcs12.Encoder
	}{
		{"modern SHA-256", pkcs12.Modern2023},
		{"legacy SHA-1", pkcs12.Legacy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pfx, err := tt.encoder.Encode(key, cert, nil, "test-password")
			if err != nil {
				t.Fatalf("Failed to encode PFX: %v", err)
			}
			got, err := DecodeClientCertificate(pfx, "test-password")
			if err != nil {
				t.Fatalf("DecodeClientCertificate() error = %v", err)
			}
			if got.Leaf == nil || got.Leaf.Subject.CommonName != "jmap client" {
				t.Errorf("Leaf = %v", got.Leaf)
			}
			if len(got.Certificate) != 1 || got.PrivateKey == nil {
				t.Errorf("certificate chain %d, key %v", len(got.Certificate), got.PrivateKey != nil)
			}
		})
	}
}

func TestDecodeClientCertificate_Errors(t *testing.T) {
	cert, key := generateTestCertificate(t)
	pfx, err := pkcs12.Modern2023.Encode(key, cert, nil, "right")
	if err != nil {
		t.Fatalf("Failed to encode PFX: %v", err)
	}

	if _, err := DecodeClientCertificate(pfx, "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
	if _, err := DecodeClientCertificate([]byte("not a pfx"), "right"); err == nil {
		t.Error("malformed PFX accepted")
	}
	if _, err := DecodeClientCertificate(nil, "right"); err == nil {
		t.Error("empty PFX accepted")
	}
}

func TestLoadClientCertificate(t *testing.T) {
	cert, key := generateTestCertificate(t)
	pfx, err := pkcs12.Modern2023.Encode(key, cert, nil, "")
	if err != nil {
		t.Fatalf("Failed to encode PFX: %v", err)
	}
	path := filepath.Join(t.TempDir(), "client.pfx")
	if err := os.WriteFile(path, pfx, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadClientCertificate(path, ""); err != nil {
		t.Errorf("LoadClientCertificate() error = %v", err)
	}
	if _, err := LoadClientCertificate(filepath.Join(t.TempDir(), "missing.pfx"), ""); err == nil {
		t.Error("LoadClientCertificate(missing) error = nil")
	}
}
