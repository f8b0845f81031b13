package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMailbox_JSON(t *testing.T) {
	mailboxJSON := `{
		"id": "mb1",
		"name": "Inbox",
		"parentId": null,
		"role": "inbox",
		"sortOrder": 1,
		"totalEmails": 100,
		"unreadEmails": 5,
		"totalThreads": 80,
		"unreadThreads": 3,
		"myRights": {"mayReadItems": true, "maySetSeen": true},
		"isSubscribed": true
	}`

	var mb Mailbox
	if err := json.Unmarshal([]byte(mailboxJSON), &mb); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if mb.Id != "mb1" || mb.Name != "Inbox" {
		t.Errorf("Id/Name = %q/%q, want mb1/Inbox", mb.Id, mb.Name)
	}
	if mb.ParentId != nil {
		t.Errorf("ParentId = %v, want nil", *mb.ParentId)
	}
	if !mb.HasRole(RoleInbox) || mb.RoleName() != "inbox" {
		t.Errorf("role = %q, want inbox", mb.RoleName())
	}
	if mb.TotalEmails != 100 || mb.UnreadEmails != 5 || mb.TotalThreads != 80 || mb.UnreadThreads != 3 {
		t.Errorf("counters = %d/%d/%d/%d", mb.TotalEmails, mb.UnreadEmails, mb.TotalThreads, mb.UnreadThreads)
	}
	if mb.MyRights == nil || !mb.MyRights.MaySetSeen || mb.MyRights.MayDelete {
		t.Errorf("MyRights = %+v", mb.MyRights)
	}
	if mb.ServerId() != "mb1" {
		t.Errorf("ServerId() = %q, want mb1", mb.ServerId())
	}
}

func TestMailbox_ServerIdForShared(t *testing.T) {
	mb := Mailbox{Id: "acct-2:INBOX", OriginalId: "INBOX", AccountId: "acct-2", IsShared: true}
	if mb.ServerId() != "INBOX" {
		t.Errorf("ServerId() = %q, want INBOX", mb.ServerId())
	}

	data, err := json.Marshal(mb)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	for _, k := range []string{"OriginalId", "AccountId", "IsShared"} {
		if _, ok := wire[k]; ok {
			t.Errorf("client-side field %s leaked onto the wire", k)
		}
	}
}

func TestMailbox_HasRoleNil(t *testing.T) {
	var mb Mailbox
	if mb.HasRole(RoleTrash) {
		t.Error("HasRole() with nil role should be false")
	}
	if mb.RoleName() != "" {
		t.Errorf("RoleName() = %q, want empty", mb.RoleName())
	}
}

func TestFullRights(t *testing.T) {
	r := FullRights()
	want := MailboxRights{true, true, true, true, true, true, true, true, true}
	if diff := cmp.Diff(want, *r); diff != "" {
		t.Errorf("FullRights() mismatch (-want +got):\n%s", diff)
	}
}

func TestEmail_JSON(t *testing.T) {
	emailJSON := `{
		"id": "email1",
		"blobId": "blob1",
		"threadId": "thread1",
		"mailboxIds": {"mb1": true, "mb2": false},
		"keywords": {"$seen": true, "$flagged": false, "$color:red": true},
		"size": 12345,
		"receivedAt": "2024-01-15T10:30:00Z",
		"sentAt": null,
		"messageId": ["<msg123@example.com>"],
		"subject": "Test Subject",
		"from": [{"name": "Sender", "email": "sender@example.com"}],
		"to": [{"name": "Recipient", "email": "recipient@example.com"}],
		"preview": "This is a preview...",
		"hasAttachment": true,
		"textBody": [{"partId": "1", "type": "text/plain", "size": 5}],
		"bodyValues": {"1": {"value": "hello"}},
		"headers": [{"name": "Subject", "value": "Test Subject"}]
	}`

	var email Email
	if err := json.Unmarshal([]byte(emailJSON), &email); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if email.Id != "email1" || email.ThreadId != "thread1" || email.BlobId != "blob1" {
		t.Errorf("ids = %q/%q/%q", email.Id, email.ThreadId, email.BlobId)
	}
	if !email.InMailbox("mb1") || email.InMailbox("mb2") || email.InMailbox("mb3") {
		t.Errorf("InMailbox semantics wrong for %v", email.MailboxIds)
	}
	if !email.IsSeen() || email.IsFlagged() || email.IsDraft() {
		t.Errorf("keyword semantics wrong for %v", email.Keywords)
	}
	if got := email.ColorTag(); got != "red" {
		t.Errorf("ColorTag() = %q, want red", got)
	}
	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	if !email.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %v, want %v", email.ReceivedAt, want)
	}
	if email.SentAt != nil {
		t.Errorf("SentAt = %v, want nil", email.SentAt)
	}
	if got := email.BodyText(email.TextBody); got != "hello" {
		t.Errorf("BodyText() = %q, want hello", got)
	}
	if got := email.MemberOf(); len(got) != 1 || got[0] != "mb1" {
		t.Errorf("MemberOf() = %v, want [mb1]", got)
	}
}

func TestEmail_Clone(t *testing.T) {
	orig := &Email{
		Id:         "e1",
		MailboxIds: map[Id]bool{"inbox": true},
		Keywords:   map[string]bool{KeywordSeen: true},
	}
	c := orig.Clone()
	c.MailboxIds["trash"] = true
	delete(c.Keywords, KeywordSeen)

	if orig.InMailbox("trash") {
		t.Error("Clone() shares MailboxIds with the original")
	}
	if !orig.IsSeen() {
		t.Error("Clone() shares Keywords with the original")
	}
}

func TestEmailAddress_DisplayName(t *testing.T) {
	tests := []struct {
		addr EmailAddress
		want string
	}{
		{EmailAddress{Name: "John Doe", Email: "john@example.com"}, "John Doe"},
		{EmailAddress{Email: "john@example.com"}, "john@example.com"},
	}
	for _, tt := range tests {
		if got := tt.addr.DisplayName(); got != tt.want {
			t.Errorf("DisplayName(%+v) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestEmailBodyPart_IsInline(t *testing.T) {
	tests := []struct {
		name string
		part EmailBodyPart
		want bool
	}{
		{"inline image", EmailBodyPart{Cid: "img1", Disposition: "inline"}, true},
		{"cid without disposition", EmailBodyPart{Cid: "img1"}, true},
		{"attachment with cid", EmailBodyPart{Cid: "img1", Disposition: "attachment"}, false},
		{"plain attachment", EmailBodyPart{Disposition: "attachment"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.part.IsInline(); got != tt.want {
				t.Errorf("IsInline() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryEmailsResponse_TotalOptional(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		wantTotal *int
	}{
		{"with total", `{"accountId":"A1","position":0,"total":250,"ids":["e1"]}`, intPtr(250)},
		{"without total", `{"accountId":"A1","position":0,"ids":["e1"]}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp QueryEmailsResponse
			if err := json.Unmarshal([]byte(tt.json), &resp); err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if diff := cmp.Diff(tt.wantTotal, resp.Total); diff != "" {
				t.Errorf("Total mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetThreadsResponse(t *testing.T) {
	respJSON := `{"accountId":"A1","state":"s1","list":[{"id":"T1","emailIds":["e1","e2"]}],"notFound":[]}`
	var resp GetThreadsResponse
	if err := json.Unmarshal([]byte(respJSON), &resp); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	want := []Thread{{Id: "T1", EmailIds: []Id{"e1", "e2"}}}
	if diff := cmp.Diff(want, resp.List); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}

func intPtr(v int) *int { return &v }
