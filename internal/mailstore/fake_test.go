package mailstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"jmapmail/internal/jmap/client"
	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/prefs"
)

const (
	primaryAcct = "A1"
	sharedAcct  = "acct-2"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClient is an in-memory mail server behind the Client interface. It
// applies mutations to its own state so refreshes see them.
type fakeClient struct {
	mu        sync.Mutex
	mailboxes []protocol.Mailbox
	emails    map[protocol.Id]*protocol.Email
	accountOf map[protocol.Id]protocol.Id
	quota     *protocol.QuotaUsage
	calls     []string
	accounts  []protocol.Id
	fail      map[string]error

	// reject lists emails the batch calls refuse, reported the way a
	// server's notUpdated and notDestroyed are.
	reject map[protocol.Id]bool

	// markGate, when set, blocks MarkAsRead until closed. markEntered is
	// signalled when a MarkAsRead call starts.
	markGate    chan struct{}
	markEntered chan struct{}

	// getGate holds GetEmail for the given id until the channel is closed.
	getGate    map[protocol.Id]chan struct{}
	getEntered chan protocol.Id
}

func role(r string) *string { return &r }

func mailbox(acct, id, name, r string, total, unread int) protocol.Mailbox {
	mb := protocol.Mailbox{
		Id:           protocol.Id(id),
		Name:         name,
		TotalEmails:  total,
		UnreadEmails: unread,
		MyRights:     protocol.FullRights(),
		OriginalId:   protocol.Id(id),
		AccountId:    protocol.Id(acct),
	}
	if r != "" {
		mb.Role = role(r)
	}
	if acct == sharedAcct {
		mb.IsShared = true
		mb.Id = client.NamespacedId(protocol.Id(acct), protocol.Id(id))
	}
	return mb
}

// newFakeClient seeds the primary account with Inbox {5 total, 2 unread},
// Drafts, Archive and Trash, and the shared account with one inbox.
// Emails e1..e5 are in the inbox, e5 newest; e4 and e5 are unread. e1 and
// e2 share thread t1.
func newFakeClient() *fakeClient {
	f := &fakeClient{
		mailboxes: []protocol.Mailbox{
			mailbox(primaryAcct, "inbox", "Inbox", protocol.RoleInbox, 5, 2),
			mailbox(primaryAcct, "drafts", "Drafts", protocol.RoleDrafts, 0, 0),
			mailbox(primaryAcct, "archive", "Archive", protocol.RoleArchive, 0, 0),
			mailbox(primaryAcct, "trash", "Trash", protocol.RoleTrash, 0, 0),
			mailbox(sharedAcct, "INBOX", "Team Inbox", protocol.RoleInbox, 1, 1),
		},
		emails:    map[protocol.Id]*protocol.Email{},
		accountOf: map[protocol.Id]protocol.Id{},
		accounts:  []protocol.Id{primaryAcct, sharedAcct},
		fail:      map[string]error{},
		quota:     &protocol.QuotaUsage{Used: 10, Total: 100},
	}
	for i := 1; i <= 5; i++ {
		e := &protocol.Email{
			Id:         protocol.Id(fmt.Sprintf("e%d", i)),
			ThreadId:   protocol.Id(fmt.Sprintf("t%d", (i+1)/2)),
			MailboxIds: map[protocol.Id]bool{"inbox": true},
			Keywords:   map[string]bool{},
			ReceivedAt: base.Add(time.Duration(i) * time.Hour),
			From:       []protocol.EmailAddress{{Email: fmt.Sprintf("s%d@example.com", i)}},
			Subject:    fmt.Sprintf("Message %d", i),
		}
		if i <= 3 {
			e.Keywords[protocol.KeywordSeen] = true
		}
		f.add(primaryAcct, e)
	}
	f.add(sharedAcct, &protocol.Email{
		Id:         "s1",
		ThreadId:   "st1",
		MailboxIds: map[protocol.Id]bool{"acct-2:INBOX": true},
		Keywords:   map[string]bool{},
		ReceivedAt: base,
		Subject:    "Shared",
	})
	return f
}

func (f *fakeClient) add(acct protocol.Id, e *protocol.Email) {
	f.emails[e.Id] = e
	f.accountOf[e.Id] = acct
}

// deliver adds a new unread inbox email at the server only.
func (f *fakeClient) deliver(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.add(primaryAcct, &protocol.Email{
		Id:         protocol.Id(id),
		ThreadId:   protocol.Id("t-" + id),
		MailboxIds: map[protocol.Id]bool{"inbox": true},
		Keywords:   map[string]bool{},
		ReceivedAt: at,
		Subject:    "New " + id,
	})
}

// split drops the rejected ids and returns the partial failure for them.
func (f *fakeClient) split(ids []protocol.Id) ([]protocol.Id, error) {
	var ok []protocol.Id
	failed := map[protocol.Id]protocol.SetError{}
	for _, id := range ids {
		if f.reject[id] {
			failed[id] = protocol.SetError{Type: "forbidden"}
			continue
		}
		ok = append(ok, id)
	}
	if len(failed) == 0 {
		return ok, nil
	}
	first := slices.Sorted(maps.Keys(failed))[0]
	return ok, &protocol.PartialSetError{
		Failed: failed,
		Err:    &protocol.MutationError{Id: string(first), Type: "forbidden"},
	}
}

func (f *fakeClient) setFail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

// record notes a call and returns the configured failure, if any.
func (f *fakeClient) record(method string) error {
	f.calls = append(f.calls, method)
	return f.fail[method]
}

func (f *fakeClient) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeClient) checkAccount(id, acct protocol.Id) error {
	if owner, ok := f.accountOf[id]; ok && owner != acct {
		return fmt.Errorf("email %s is in account %s, not %s", id, owner, acct)
	}
	return nil
}

func (f *fakeClient) AccountId() protocol.Id { return primaryAcct }

func (f *fakeClient) GetAllMailboxes(ctx context.Context) []protocol.Mailbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.record("GetAllMailboxes") != nil {
		return nil
	}
	return slices.Clone(f.mailboxes)
}

func (f *fakeClient) query(method string, match func(*protocol.Email) bool, acct protocol.Id, limit, position int) client.EmailPage {
	if f.record(method) != nil {
		return client.EmailPage{Position: position}
	}
	var all []protocol.Email
	for id, e := range f.emails {
		if f.accountOf[id] == acct && match(e) {
			all = append(all, *e.Clone())
		}
	}
	slices.SortFunc(all, func(a, b protocol.Email) int { return b.ReceivedAt.Compare(a.ReceivedAt) })
	end := min(len(all), position+limit)
	page := client.EmailPage{Emails: []protocol.Email{}, Total: len(all), Position: position}
	if position < end {
		page.Emails = all[position:end]
	}
	page.HasMore = position+len(page.Emails) < len(all)
	return page
}

func (f *fakeClient) GetEmails(ctx context.Context, mailboxId, accountId protocol.Id, limit, position int) client.EmailPage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query("GetEmails", func(e *protocol.Email) bool {
		return mailboxId == "" || e.InMailbox(mailboxId)
	}, accountId, limit, position)
}

func (f *fakeClient) SearchEmails(ctx context.Context, text string, mailboxId, accountId protocol.Id, limit, position int) client.EmailPage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query("SearchEmails", func(e *protocol.Email) bool {
		return (mailboxId == "" || e.InMailbox(mailboxId)) && strings.Contains(e.Subject, text)
	}, accountId, limit, position)
}

func (f *fakeClient) GetEmail(ctx context.Context, id, accountId protocol.Id) *protocol.Email {
	f.mu.Lock()
	gate := f.getGate[id]
	entered := f.getEntered
	f.mu.Unlock()
	if entered != nil {
		entered <- id
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.record("GetEmail") != nil {
		return nil
	}
	e, ok := f.emails[id]
	if !ok {
		return nil
	}
	full := e.Clone()
	full.TextBody = []protocol.EmailBodyPart{{PartId: "1", Type: "text/plain"}}
	full.BodyValues = map[string]protocol.EmailBodyValue{"1": {Value: "body of " + string(id)}}
	return full
}

func (f *fakeClient) GetThread(ctx context.Context, threadId, accountId protocol.Id) ([]protocol.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetThread"); err != nil {
		return nil, err
	}
	var out []protocol.Email
	for _, e := range f.emails {
		if e.ThreadId == threadId {
			out = append(out, *e.Clone())
		}
	}
	return out, nil
}

func (f *fakeClient) GetQuota(ctx context.Context) (*protocol.QuotaUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetQuota"); err != nil {
		return nil, err
	}
	q := *f.quota
	return &q, nil
}

func (f *fakeClient) updateKeyword(ids []protocol.Id, keyword string, on bool) {
	for _, id := range ids {
		if e, ok := f.emails[id]; ok {
			setKeyword(e, keyword, on)
		}
	}
}

func (f *fakeClient) MarkAsRead(ctx context.Context, id protocol.Id, read bool, accountId protocol.Id) error {
	f.mu.Lock()
	gate, entered := f.markGate, f.markEntered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MarkAsRead"); err != nil {
		return err
	}
	if err := f.checkAccount(id, accountId); err != nil {
		return err
	}
	f.updateKeyword([]protocol.Id{id}, protocol.KeywordSeen, read)
	return nil
}

func (f *fakeClient) BatchMarkAsRead(ctx context.Context, ids []protocol.Id, read bool, accountId protocol.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BatchMarkAsRead"); err != nil {
		return err
	}
	ids, err := f.split(ids)
	f.updateKeyword(ids, protocol.KeywordSeen, read)
	return err
}

func (f *fakeClient) ToggleStar(ctx context.Context, id protocol.Id, starred bool, accountId protocol.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ToggleStar"); err != nil {
		return err
	}
	f.updateKeyword([]protocol.Id{id}, protocol.KeywordFlagged, starred)
	return nil
}

func (f *fakeClient) UpdateEmailKeywords(ctx context.Context, id protocol.Id, set, clear []string, accountId protocol.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateEmailKeywords"); err != nil {
		return err
	}
	for _, k := range clear {
		f.updateKeyword([]protocol.Id{id}, k, false)
	}
	for _, k := range set {
		f.updateKeyword([]protocol.Id{id}, k, true)
	}
	return nil
}

func (f *fakeClient) move(ids []protocol.Id, mailboxId protocol.Id) {
	for _, id := range ids {
		if e, ok := f.emails[id]; ok {
			e.MailboxIds = map[protocol.Id]bool{mailboxId: true}
		}
	}
}

func (f *fakeClient) MoveEmail(ctx context.Context, id, mailboxId, accountId protocol.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MoveEmail"); err != nil {
		return err
	}
	f.move([]protocol.Id{id}, mailboxId)
	return nil
}

func (f *fakeClient) MoveToTrash(ctx context.Context, id, trashId, accountId protocol.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MoveToTrash"); err != nil {
		return err
	}
	f.move([]protocol.Id{id}, trashId)
	return nil
}

func (f *fakeClient) BatchMoveEmails(ctx context.Context, ids []protocol.Id, mailboxId, accountId protocol.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BatchMoveEmails"); err != nil {
		return err
	}
	ids, err := f.split(ids)
	f.move(ids, mailboxId)
	return err
}

func (f *fakeClient) DeleteEmail(ctx context.Context, id, accountId protocol.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteEmail"); err != nil {
		return err
	}
	delete(f.emails, id)
	return nil
}

func (f *fakeClient) BatchDeleteEmails(ctx context.Context, ids []protocol.Id, accountId protocol.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BatchDeleteEmails"); err != nil {
		return err
	}
	ids, err := f.split(ids)
	for _, id := range ids {
		delete(f.emails, id)
	}
	return err
}

func (f *fakeClient) CreateMailbox(ctx context.Context, name string, parentId *protocol.Id, accountId protocol.Id) (protocol.Id, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateMailbox"); err != nil {
		return "", err
	}
	id := "mb-" + strings.ToLower(name)
	mb := mailbox(string(accountId), id, name, "", 0, 0)
	mb.ParentId = parentId
	f.mailboxes = append(f.mailboxes, mb)
	return mb.Id, nil
}

func (f *fakeClient) RenameMailbox(ctx context.Context, id protocol.Id, name string, accountId protocol.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RenameMailbox"); err != nil {
		return err
	}
	for i := range f.mailboxes {
		if f.mailboxes[i].Id == id {
			f.mailboxes[i].Name = name
		}
	}
	return nil
}

func (f *fakeClient) DestroyMailbox(ctx context.Context, id protocol.Id, removeEmails bool, accountId protocol.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DestroyMailbox"); err != nil {
		return err
	}
	f.mailboxes = slices.DeleteFunc(f.mailboxes, func(mb protocol.Mailbox) bool { return mb.Id == id })
	return nil
}

// fakeSource is a NotificationSource driven by the test.
type fakeSource struct {
	mu          sync.Mutex
	subscribers map[int]func(client.StateChange)
	next        int
	subscribes  int
}

func (s *fakeSource) Subscribe(fn func(client.StateChange)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers == nil {
		s.subscribers = map[int]func(client.StateChange){}
	}
	id := s.next
	s.next++
	s.subscribes++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *fakeSource) emit(sc client.StateChange) {
	s.mu.Lock()
	fns := make([]func(client.StateChange), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(sc)
	}
}

func (s *fakeSource) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func newPrefs(t *testing.T, mutate func(p *prefs.Preferences)) *prefs.Store {
	t.Helper()
	p := prefs.Defaults()
	if mutate != nil {
		mutate(&p)
	}
	s, err := prefs.NewStore(p)
	if err != nil {
		t.Fatalf("prefs.NewStore() error = %v", err)
	}
	return s
}

// newTestStore returns an initialised projection over a seeded fake with
// the inbox selected.
func newTestStore(t *testing.T, mutate func(p *prefs.Preferences)) (*MailProjection, *fakeClient) {
	t.Helper()
	f := newFakeClient()
	m := New(f, newPrefs(t, mutate), Options{})
	m.Init(t.Context())
	t.Cleanup(m.Dispose)
	if got := m.Snapshot().SelectedMailbox; got != "inbox" {
		t.Fatalf("SelectedMailbox = %q after Init, want inbox", got)
	}
	return m, f
}

func counters(t *testing.T, m *MailProjection, id protocol.Id) (total, unread int) {
	t.Helper()
	mb, ok := m.Mailbox(id)
	if !ok {
		t.Fatalf("mailbox %s not loaded", id)
	}
	return mb.TotalEmails, mb.UnreadEmails
}

func pageIds(m *MailProjection) []protocol.Id {
	var ids []protocol.Id
	for _, e := range m.Snapshot().Emails {
		ids = append(ids, e.Id)
	}
	return ids
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
