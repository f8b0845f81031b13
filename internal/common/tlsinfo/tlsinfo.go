// Package tlsinfo summarises the TLS connection to a JMAP server and flags
// weak settings.
package tlsinfo

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"time"
)

// Certificate verification states.
const (
	StatusValid            = "valid"
	StatusExpired          = "expired"
	StatusSelfSigned       = "self_signed"
	StatusHostnameMismatch = "hostname_mismatch"
	StatusNoCertificates   = "no_certificates"
)

// Cipher strengths.
const (
	StrengthStrong     = "strong"
	StrengthWeak       = "weak"
	StrengthDeprecated = "deprecated"
)

// Certificate describes the server's leaf certificate.
type Certificate struct {
	Subject         string
	Issuer          string
	SANs            []string
	NotBefore       time.Time
	NotAfter        time.Time
	PublicKey       string // algorithm and size, e.g. "RSA 2048"
	PublicKeyBits   int
	ChainLength     int
	Status          string
	DaysUntilExpiry int
	SelfSigned      bool
}

// Report is the analysed TLS state of one connection.
type Report struct {
	Version     string
	CipherSuite string
	Strength    string
	ServerName  string
	ALPN        string
	Certificate *Certificate
	Warnings    []string
}

// Analyze builds a report from a finished handshake. hostname is the name
// the client dialled; now fixes the clock for expiry checks.
func Analyze(state *tls.ConnectionState, hostname string, skipVerify bool, now time.Time) *Report {
	r := &Report{
		Version:     VersionString(state.Version),
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
		Strength:    CipherStrength(state.CipherSuite),
		ServerName:  state.ServerName,
		ALPN:        state.NegotiatedProtocol,
		Certificate: analyzeChain(state.PeerCertificates, hostname, now),
	}
	r.Warnings = warnings(r, skipVerify)
	return r
}

func analyzeChain(certs []*x509.Certificate, hostname string, now time.Time) *Certificate {
	if len(certs) == 0 {
		return &Certificate{Status: StatusNoCertificates}
	}
	leaf := certs[0]
	c := &Certificate{
		Subject:         leaf.Subject.String(),
		Issuer:          leaf.Issuer.String(),
		SANs:            append(append([]string{}, leaf.DNSNames...), ipStrings(leaf)...),
		NotBefore:       leaf.NotBefore,
		NotAfter:        leaf.NotAfter,
		ChainLength:     len(certs),
		DaysUntilExpiry: int(leaf.NotAfter.Sub(now).Hours() / 24),
		SelfSigned:      leaf.Subject.String() == leaf.Issuer.String(),
		Status:          StatusValid,
	}
	c.PublicKeyBits = keyBits(leaf)
	c.PublicKey = fmt.Sprintf("%s %d", leaf.PublicKeyAlgorithm, c.PublicKeyBits)

	switch {
	case leaf.VerifyHostname(hostname) != nil:
		c.Status = StatusHostnameMismatch
	case now.After(leaf.NotAfter):
		c.Status = StatusExpired
	case c.SelfSigned:
		c.Status = StatusSelfSigned
	}
	return c
}

func ipStrings(cert *x509.Certificate) []string {
	out := make([]string, 0, len(cert.IPAddresses))
	for _, ip := range cert.IPAddresses {
		out = append(out, ip.String())
	}
	return out
}

func keyBits(cert *x509.Certificate) int {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return pub.N.BitLen()
	case *ecdsa.PublicKey:
		return pub.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}

// VersionString names a TLS version constant.
func VersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("Unknown (0x%04X)", version)
	}
}

// CipherStrength classifies a cipher suite. TLS 1.3 suites are always
// strong.
func CipherStrength(suite uint16) string {
	name := strings.ToLower(tls.CipherSuiteName(suite))
	for _, bad := range []string{"rc4", "des", "export", "null", "anon"} {
		if strings.Contains(name, bad) {
			return StrengthDeprecated
		}
	}
	for _, good := range []string{"gcm", "chacha20", "ccm"} {
		if strings.Contains(name, good) {
			return StrengthStrong
		}
	}
	return StrengthWeak
}

func warnings(r *Report, skipVerify bool) []string {
	var out []string
	if r.Version == "TLS 1.0" || r.Version == "TLS 1.1" {
		out = append(out, fmt.Sprintf("Deprecated TLS version: %s (upgrade to TLS 1.2+ recommended)", r.Version))
	}
	if r.Strength != StrengthStrong {
		out = append(out, fmt.Sprintf("%s cipher suite: %s", strings.ToUpper(r.Strength[:1])+r.Strength[1:], r.CipherSuite))
	}

	if c := r.Certificate; c != nil {
		switch c.Status {
		case StatusExpired:
			out = append(out, fmt.Sprintf("Certificate expired on %s", c.NotAfter.Format("2006-01-02")))
		case StatusHostnameMismatch:
			out = append(out, "Certificate hostname does not match server hostname")
		case StatusNoCertificates:
			out = append(out, "Server presented no certificate")
		}
		if c.Status != StatusExpired && c.DaysUntilExpiry >= 0 && c.DaysUntilExpiry < 30 && !c.NotAfter.IsZero() {
			out = append(out, fmt.Sprintf("Certificate expires soon (%d days remaining)", c.DaysUntilExpiry))
		}
		if c.SelfSigned {
			out = append(out, "Self-signed certificate (not trusted by default)")
		}
		if c.PublicKeyBits > 0 && c.PublicKeyBits < 2048 && !strings.HasPrefix(c.PublicKey, "ECDSA") && !strings.HasPrefix(c.PublicKey, "Ed25519") {
			out = append(out, fmt.Sprintf("Weak public key size: %d bits (2048+ recommended)", c.PublicKeyBits))
		}
	}

	if skipVerify {
		out = append(out, "Certificate verification disabled (-skipverify) - connection is not secure")
	}
	return out
}
