package mailsec

import (
	"strings"

	"jmapmail/internal/jmap/protocol"
)

// External content policies.
const (
	PolicyBlock = "block"
	PolicyAsk   = "ask"
	PolicyAllow = "allow"
)

// ShouldBlockExternalContent reports whether presentation should ask the
// sanitizer to neutralise remote resources for an email. Suspicious email is
// always blocked. Otherwise a trusted sender (exact address or "@domain")
// lifts the block and "allow" never blocks.
func ShouldBlockExternalContent(policy string, from []protocol.EmailAddress, trusted []string, sec *protocol.SecurityAnnotations) bool {
	if IsSuspicious(sec) {
		return true
	}
	if strings.EqualFold(policy, PolicyAllow) {
		return false
	}
	for _, addr := range from {
		if IsTrustedSender(addr.Email, trusted) {
			return false
		}
	}
	return true
}

// IsTrustedSender matches an address against a trust list of addresses and
// "@domain" entries, case-insensitively.
func IsTrustedSender(address string, trusted []string) bool {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return false
	}
	_, domain, _ := strings.Cut(address, "@")
	for _, t := range trusted {
		t = strings.ToLower(strings.TrimSpace(t))
		switch {
		case t == "":
		case strings.HasPrefix(t, "@"):
			if domain != "" && domain == t[1:] {
				return true
			}
		case t == address:
			return true
		}
	}
	return false
}
