package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	stduritemplate "github.com/std-uritemplate/std-uritemplate/go/v2"
)

// WellKnownPath is the well-known path for JMAP autodiscovery.
const WellKnownPath = "/.well-known/jmap"

// DiscoveryURL returns the JMAP discovery URL for a hostname or base URL.
func DiscoveryURL(hostname string) string {
	hostname = strings.TrimSuffix(hostname, "/")
	if !strings.HasPrefix(hostname, "http://") && !strings.HasPrefix(hostname, "https://") {
		hostname = "https://" + hostname
	}
	return hostname + WellKnownPath
}

// ParseSession parses a JMAP session from JSON.
func ParseSession(data []byte) (*Session, error) {
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &session, nil
}

// GetCapabilityNames returns the capability URIs, sorted.
func (s *Session) GetCapabilityNames() []string {
	names := make([]string, 0, len(s.Capabilities))
	for name := range s.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasCapability checks if the server supports a capability.
func (s *Session) HasCapability(uri string) bool {
	_, ok := s.Capabilities[uri]
	return ok
}

// HasMailCapability checks if the server supports JMAP Mail.
func (s *Session) HasMailCapability() bool {
	return s.HasCapability(MailCapability)
}

// HasSubmissionCapability checks if the server supports JMAP Submission.
func (s *Session) HasSubmissionCapability() bool {
	return s.HasCapability(SubmissionCapability)
}

// HasQuotaCapability checks if the server supports JMAP Quota.
func (s *Session) HasQuotaCapability() bool {
	return s.HasCapability(QuotaCapability)
}

// HasVacationResponseCapability checks if the server supports vacation responses.
func (s *Session) HasVacationResponseCapability() bool {
	return s.HasCapability(VacationResponseCapability)
}

// GetPrimaryMailAccountId returns the primary account ID for mail.
func (s *Session) GetPrimaryMailAccountId() (Id, bool) {
	id, ok := s.PrimaryAccounts[MailCapability]
	return id, ok
}

// PrimaryMailAccount returns the designated primary mail account, falling back
// to the first account by id when the server designates none.
func (s *Session) PrimaryMailAccount() (Id, error) {
	if id, ok := s.GetPrimaryMailAccountId(); ok && id != "" {
		return id, nil
	}
	ids := s.sortedAccountIds()
	if len(ids) == 0 {
		return "", &NoAccountError{}
	}
	return ids[0], nil
}

// AccountIds returns every account id, primary first, the rest sorted.
func (s *Session) AccountIds() []Id {
	primary, err := s.PrimaryMailAccount()
	if err != nil {
		return nil
	}
	ids := []Id{primary}
	for _, id := range s.sortedAccountIds() {
		if id != primary {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) sortedAccountIds() []Id {
	ids := make([]Id, 0, len(s.Accounts))
	for id := range s.Accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetAccountCount returns the number of accounts.
func (s *Session) GetAccountCount() int {
	return len(s.Accounts)
}

// GetAccountNames returns the names of all accounts, sorted by account id.
func (s *Session) GetAccountNames() []string {
	var names []string
	for _, id := range s.sortedAccountIds() {
		names = append(names, s.Accounts[id].Name)
	}
	return names
}

// CoreCapabilityInfo contains parsed core capability information.
type CoreCapabilityInfo struct {
	MaxSizeUpload         int64    `json:"maxSizeUpload"`
	MaxConcurrentUpload   int      `json:"maxConcurrentUpload"`
	MaxSizeRequest        int64    `json:"maxSizeRequest"`
	MaxConcurrentRequests int      `json:"maxConcurrentRequests"`
	MaxCallsInRequest     int      `json:"maxCallsInRequest"`
	MaxObjectsInGet       int      `json:"maxObjectsInGet"`
	MaxObjectsInSet       int      `json:"maxObjectsInSet"`
	CollationAlgorithms   []string `json:"collationAlgorithms"`
}

// GetCoreCapability parses and returns the core capability information.
func (s *Session) GetCoreCapability() (*CoreCapabilityInfo, error) {
	raw, ok := s.Capabilities[CoreCapability]
	if !ok {
		return nil, fmt.Errorf("core capability not found")
	}
	var info CoreCapabilityInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to parse core capability: %w", err)
	}
	return &info, nil
}

// MaxUploadSize returns maxSizeUpload, or 0 when unknown.
func (s *Session) MaxUploadSize() int64 {
	info, err := s.GetCoreCapability()
	if err != nil {
		return 0
	}
	return info.MaxSizeUpload
}

// MaxCallsInRequest returns maxCallsInRequest, or 0 when unknown.
func (s *Session) MaxCallsInRequest() int {
	info, err := s.GetCoreCapability()
	if err != nil {
		return 0
	}
	return info.MaxCallsInRequest
}

// MailCapabilityInfo contains parsed mail capability information.
type MailCapabilityInfo struct {
	MaxMailboxesPerEmail       *int64   `json:"maxMailboxesPerEmail"`
	MaxMailboxDepth            *int     `json:"maxMailboxDepth"`
	MaxSizeMailboxName         int      `json:"maxSizeMailboxName"`
	MaxSizeAttachmentsPerEmail int64    `json:"maxSizeAttachmentsPerEmail"`
	EmailQuerySortOptions      []string `json:"emailQuerySortOptions"`
	MayCreateTopLevelMailbox   bool     `json:"mayCreateTopLevelMailbox"`
}

// GetMailCapability parses and returns the mail capability information.
func (s *Session) GetMailCapability() (*MailCapabilityInfo, error) {
	raw, ok := s.Capabilities[MailCapability]
	if !ok {
		return nil, fmt.Errorf("mail capability not found")
	}
	var info MailCapabilityInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to parse mail capability: %w", err)
	}
	return &info, nil
}

// UploadURLFor expands the upload URI template for an account.
func (s *Session) UploadURLFor(accountId Id) (string, error) {
	return expandTemplate(s.UploadURL, stduritemplate.Substitutions{
		"accountId": string(accountId),
	})
}

// DownloadURLFor expands the download URI template. Every variable is
// percent-encoded, reserved characters included.
func (s *Session) DownloadURLFor(accountId, blobId Id, name, mimeType string) (string, error) {
	return expandTemplate(s.DownloadURL, stduritemplate.Substitutions{
		"accountId": string(accountId),
		"blobId":    string(blobId),
		"name":      name,
		"type":      mimeType,
	})
}

// expandTemplate applies RFC 6570 expansion to a session URL template.
func expandTemplate(tmpl string, vars stduritemplate.Substitutions) (string, error) {
	u, err := stduritemplate.Expand(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("invalid URL template %q: %w", tmpl, err)
	}
	return u, nil
}

// Validate checks if the session has the required fields.
func (s *Session) Validate() error {
	if s.APIURL == "" {
		return fmt.Errorf("session missing apiUrl")
	}
	if len(s.Capabilities) == 0 {
		return fmt.Errorf("session missing capabilities")
	}
	if !s.HasCapability(CoreCapability) {
		return fmt.Errorf("session missing core capability")
	}
	return nil
}

// Summary returns a human-readable summary of the session.
func (s *Session) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Username: %s\n", s.Username)
	fmt.Fprintf(&sb, "API URL: %s\n", s.APIURL)
	fmt.Fprintf(&sb, "Accounts: %d\n", len(s.Accounts))
	fmt.Fprintf(&sb, "Capabilities: %s\n", strings.Join(s.GetCapabilityNames(), ", "))
	return sb.String()
}
