// Package security masks credentials and addresses before they reach logs.
package security

import "strings"

// MaskUsername shows the first and last 2 characters. Usernames of 4
// characters or fewer are fully masked.
func MaskUsername(username string) string {
	if len(username) <= 4 {
		return "****"
	}
	return username[:2] + "****" + username[len(username)-2:]
}

// MaskPassword masks like MaskUsername, but empty stays empty.
func MaskPassword(password string) string {
	if password == "" {
		return ""
	}
	return MaskUsername(password)
}

// MaskAccessToken shows the first 8 and last 4 characters of long tokens,
// and splits short tokens in half around "...".
func MaskAccessToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 16 {
		return token[:len(token)/2] + "..." + token[len(token)/2:]
	}
	return token[:8] + "..." + token[len(token)-4:]
}

// MaskEmail keeps the first 2 characters of the local part and domain.
// "user@example.com" becomes "us****@ex****".
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return MaskUsername(email)
	}
	return maskPart(local) + "@" + maskPart(domain)
}

// MaskAuthorization masks the credential of an Authorization header value
// while keeping its scheme.
func MaskAuthorization(header string) string {
	scheme, cred, ok := strings.Cut(header, " ")
	if !ok {
		return MaskAccessToken(header)
	}
	return scheme + " " + MaskAccessToken(cred)
}

func maskPart(s string) string {
	if len(s) > 2 {
		return s[:2] + "****"
	}
	return "****"
}
