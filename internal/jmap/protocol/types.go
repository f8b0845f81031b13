// Package protocol provides JMAP wire types, method call encoding and the
// error taxonomy shared by the client and the stores built on it.
package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Id represents a JMAP identifier string.
type Id string

// Session represents a JMAP session resource.
// See RFC 8620 Section 2.
type Session struct {
	// Capabilities contains the capabilities of the server.
	Capabilities map[string]json.RawMessage `json:"capabilities"`

	// Accounts contains information about the accounts available.
	Accounts map[Id]Account `json:"accounts"`

	// PrimaryAccounts maps data type URIs to the primary account ID.
	PrimaryAccounts map[string]Id `json:"primaryAccounts"`

	// Username is the username associated with the session.
	Username string `json:"username"`

	// APIURL is the URL for JMAP API requests.
	APIURL string `json:"apiUrl"`

	// DownloadURL is the URI template for downloading blobs.
	DownloadURL string `json:"downloadUrl"`

	// UploadURL is the URI template for uploading blobs.
	UploadURL string `json:"uploadUrl"`

	// EventSourceURL is the URI template for push notifications.
	EventSourceURL string `json:"eventSourceUrl"`

	// State is an opaque string representing the current session state.
	State string `json:"state"`
}

// Account represents a JMAP account.
type Account struct {
	Name                string                     `json:"name"`
	IsPersonal          bool                       `json:"isPersonal"`
	IsReadOnly          bool                       `json:"isReadOnly"`
	AccountCapabilities map[string]json.RawMessage `json:"accountCapabilities"`
}

// Well-known mailbox roles.
const (
	RoleInbox   = "inbox"
	RoleSent    = "sent"
	RoleDrafts  = "drafts"
	RoleTrash   = "trash"
	RoleArchive = "archive"
	RoleJunk    = "junk"
)

// Mailbox represents a JMAP mailbox.
//
// OriginalId, AccountId, AccountName and IsShared are filled in by the
// client and never sent on the wire. For a shared account Id is rewritten to
// "{accountId}:{originalId}" so ids stay unique across accounts.
type Mailbox struct {
	Id            Id             `json:"id"`
	Name          string         `json:"name"`
	ParentId      *Id            `json:"parentId"`
	Role          *string        `json:"role"`
	SortOrder     int            `json:"sortOrder"`
	TotalEmails   int            `json:"totalEmails"`
	UnreadEmails  int            `json:"unreadEmails"`
	TotalThreads  int            `json:"totalThreads"`
	UnreadThreads int            `json:"unreadThreads"`
	MyRights      *MailboxRights `json:"myRights"`
	IsSubscribed  bool           `json:"isSubscribed"`

	OriginalId  Id     `json:"-"`
	AccountId   Id     `json:"-"`
	AccountName string `json:"-"`
	IsShared    bool   `json:"-"`
}

// HasRole reports whether the mailbox has the given role.
func (m *Mailbox) HasRole(role string) bool {
	return m.Role != nil && strings.EqualFold(*m.Role, role)
}

// RoleName returns the role, or "" when unset.
func (m *Mailbox) RoleName() string {
	if m.Role == nil {
		return ""
	}
	return *m.Role
}

// ServerId returns the id to use in protocol calls against the owning account.
func (m *Mailbox) ServerId() Id {
	if m.OriginalId != "" {
		return m.OriginalId
	}
	return m.Id
}

// MailboxRights represents the user's permissions on a mailbox.
type MailboxRights struct {
	MayReadItems   bool `json:"mayReadItems"`
	MayAddItems    bool `json:"mayAddItems"`
	MayRemoveItems bool `json:"mayRemoveItems"`
	MaySetSeen     bool `json:"maySetSeen"`
	MaySetKeywords bool `json:"maySetKeywords"`
	MayCreateChild bool `json:"mayCreateChild"`
	MayRename      bool `json:"mayRename"`
	MayDelete      bool `json:"mayDelete"`
	MaySubmit      bool `json:"maySubmit"`
}

// FullRights grants every permission.
func FullRights() *MailboxRights {
	return &MailboxRights{
		MayReadItems: true, MayAddItems: true, MayRemoveItems: true,
		MaySetSeen: true, MaySetKeywords: true, MayCreateChild: true,
		MayRename: true, MayDelete: true, MaySubmit: true,
	}
}

// Well-known keywords.
const (
	KeywordSeen     = "$seen"
	KeywordFlagged  = "$flagged"
	KeywordDraft    = "$draft"
	KeywordAnswered = "$answered"

	// ColorTagPrefix marks application-defined color tag keywords.
	ColorTagPrefix = "$color:"
)

// Email represents a JMAP email object.
type Email struct {
	Id         Id              `json:"id"`
	BlobId     Id              `json:"blobId,omitempty"`
	ThreadId   Id              `json:"threadId"`
	MailboxIds map[Id]bool     `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
	Size       int64           `json:"size"`
	ReceivedAt time.Time       `json:"receivedAt"`
	SentAt     *time.Time      `json:"sentAt,omitempty"`

	MessageId  []string `json:"messageId,omitempty"`
	InReplyTo  []string `json:"inReplyTo,omitempty"`
	References []string `json:"references,omitempty"`

	Sender  []EmailAddress `json:"sender,omitempty"`
	From    []EmailAddress `json:"from"`
	To      []EmailAddress `json:"to,omitempty"`
	Cc      []EmailAddress `json:"cc,omitempty"`
	Bcc     []EmailAddress `json:"bcc,omitempty"`
	ReplyTo []EmailAddress `json:"replyTo,omitempty"`

	Subject       string `json:"subject"`
	Preview       string `json:"preview"`
	HasAttachment bool   `json:"hasAttachment"`

	TextBody    []EmailBodyPart           `json:"textBody,omitempty"`
	HTMLBody    []EmailBodyPart           `json:"htmlBody,omitempty"`
	Attachments []EmailBodyPart           `json:"attachments,omitempty"`
	BodyValues  map[string]EmailBodyValue `json:"bodyValues,omitempty"`
	Headers     []EmailHeader             `json:"headers,omitempty"`

	// HeaderMap is Headers normalised to name -> values (lowercase names).
	HeaderMap map[string][]string `json:"-"`

	// Security is derived from the raw headers on full fetches only.
	Security *SecurityAnnotations `json:"-"`
}

// HasKeyword reports whether the keyword is present and true.
func (e *Email) HasKeyword(keyword string) bool {
	return e.Keywords[keyword]
}

// IsSeen reports whether the email carries $seen.
func (e *Email) IsSeen() bool { return e.HasKeyword(KeywordSeen) }

// IsFlagged reports whether the email carries $flagged.
func (e *Email) IsFlagged() bool { return e.HasKeyword(KeywordFlagged) }

// IsDraft reports whether the email carries $draft.
func (e *Email) IsDraft() bool { return e.HasKeyword(KeywordDraft) }

// InMailbox reports whether the email is a member of the mailbox.
func (e *Email) InMailbox(id Id) bool {
	return e.MailboxIds[id]
}

// MemberOf returns the mailbox ids the email belongs to.
func (e *Email) MemberOf() []Id {
	ids := make([]Id, 0, len(e.MailboxIds))
	for id, in := range e.MailboxIds {
		if in {
			ids = append(ids, id)
		}
	}
	return ids
}

// ColorTag returns the color of the first $color: keyword set, or "".
func (e *Email) ColorTag() string {
	for k, v := range e.Keywords {
		if v && strings.HasPrefix(k, ColorTagPrefix) {
			return strings.TrimPrefix(k, ColorTagPrefix)
		}
	}
	return ""
}

// BodyText returns the concatenated values of the given parts.
func (e *Email) BodyText(parts []EmailBodyPart) string {
	var sb strings.Builder
	for _, p := range parts {
		if v, ok := e.BodyValues[p.PartId]; ok {
			sb.WriteString(v.Value)
		}
	}
	return sb.String()
}

// Clone returns a copy whose maps can be mutated independently.
func (e *Email) Clone() *Email {
	c := *e
	c.MailboxIds = make(map[Id]bool, len(e.MailboxIds))
	for k, v := range e.MailboxIds {
		c.MailboxIds[k] = v
	}
	c.Keywords = make(map[string]bool, len(e.Keywords))
	for k, v := range e.Keywords {
		c.Keywords[k] = v
	}
	return &c
}

// EmailAddress represents an email address with optional name.
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// DisplayName returns the name, or the address when the name is empty.
func (a EmailAddress) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Email
}

// EmailBodyPart describes a MIME part of an email.
type EmailBodyPart struct {
	PartId      string `json:"partId,omitempty"`
	BlobId      Id     `json:"blobId,omitempty"`
	Size        int64  `json:"size"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type"`
	Charset     string `json:"charset,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	Cid         string `json:"cid,omitempty"`
}

// IsInline reports whether the part is referenced from the HTML body.
func (p EmailBodyPart) IsInline() bool {
	return p.Cid != "" && !strings.EqualFold(p.Disposition, "attachment")
}

// EmailBodyValue holds the decoded content of a body part.
type EmailBodyValue struct {
	Value             string `json:"value"`
	IsEncodingProblem bool   `json:"isEncodingProblem,omitempty"`
	IsTruncated       bool   `json:"isTruncated,omitempty"`
}

// EmailHeader is one raw header field.
type EmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AuthResult is one verdict from an Authentication-Results header.
type AuthResult struct {
	Method string `json:"method"`
	Result string `json:"result"`
	Domain string `json:"domain,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SecurityAnnotations are derived from the raw headers of a fully fetched email.
type SecurityAnnotations struct {
	SPF       *AuthResult `json:"spf,omitempty"`
	DKIM      *AuthResult `json:"dkim,omitempty"`
	DMARC     *AuthResult `json:"dmarc,omitempty"`
	AuthServ  string      `json:"authServ,omitempty"`
	SpamScore *float64    `json:"spamScore,omitempty"`
	// SpamStatus is "spam", "ham" or "" when the server reported nothing.
	SpamStatus string `json:"spamStatus,omitempty"`
	// SpamLLM is an AI spam verdict header when present.
	SpamLLM *LLMVerdict `json:"spamLlm,omitempty"`
}

// LLMVerdict is an AI classifier verdict.
type LLMVerdict struct {
	Verdict     string `json:"verdict"`
	Explanation string `json:"explanation,omitempty"`
}

// Thread lists the email ids in a conversation, oldest first.
type Thread struct {
	Id       Id   `json:"id"`
	EmailIds []Id `json:"emailIds"`
}

// Identity is a sending identity (RFC 8621 Section 6).
type Identity struct {
	Id        Id             `json:"id"`
	Name      string         `json:"name"`
	Email     string         `json:"email"`
	ReplyTo   []EmailAddress `json:"replyTo,omitempty"`
	MayDelete bool           `json:"mayDelete"`
}

// Quota describes a storage quota (RFC 9425).
type Quota struct {
	Id           Id       `json:"id"`
	ResourceType string   `json:"resourceType"`
	Used         int64    `json:"used"`
	HardLimit    int64    `json:"hardLimit"`
	Scope        string   `json:"scope"`
	Name         string   `json:"name"`
	Types        []string `json:"types"`
}

// QuotaUsage is the used/total byte count for an account.
type QuotaUsage struct {
	Used  int64
	Total int64
}

// BlobInfo is the response of a blob upload.
type BlobInfo struct {
	AccountId Id     `json:"accountId"`
	BlobId    Id     `json:"blobId"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
}

// GetMailboxesResponse represents the response from Mailbox/get.
type GetMailboxesResponse struct {
	AccountId Id        `json:"accountId"`
	State     string    `json:"state"`
	List      []Mailbox `json:"list"`
	NotFound  []Id      `json:"notFound"`
}

// QueryEmailsResponse represents the response from Email/query.
type QueryEmailsResponse struct {
	AccountId           Id     `json:"accountId"`
	QueryState          string `json:"queryState"`
	CanCalculateChanges bool   `json:"canCalculateChanges"`
	Position            int    `json:"position"`
	Total               *int   `json:"total,omitempty"`
	Ids                 []Id   `json:"ids"`
}

// GetEmailsResponse represents the response from Email/get.
type GetEmailsResponse struct {
	AccountId Id      `json:"accountId"`
	State     string  `json:"state"`
	List      []Email `json:"list"`
	NotFound  []Id    `json:"notFound"`
}

// GetThreadsResponse represents the response from Thread/get.
type GetThreadsResponse struct {
	AccountId Id       `json:"accountId"`
	State     string   `json:"state"`
	List      []Thread `json:"list"`
	NotFound  []Id     `json:"notFound"`
}

// GetIdentitiesResponse represents the response from Identity/get.
type GetIdentitiesResponse struct {
	AccountId Id         `json:"accountId"`
	State     string     `json:"state"`
	List      []Identity `json:"list"`
}

// GetQuotasResponse represents the response from Quota/get.
type GetQuotasResponse struct {
	AccountId Id      `json:"accountId"`
	State     string  `json:"state"`
	List      []Quota `json:"list"`
}

// StateResponse holds just the state token of any /get response.
type StateResponse struct {
	AccountId Id     `json:"accountId"`
	State     string `json:"state"`
}
