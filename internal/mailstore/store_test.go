package mailstore

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/prefs"
)

func TestInit(t *testing.T) {
	m, f := newTestStore(t, nil)
	s := m.Snapshot()

	if len(s.Mailboxes) != 5 {
		t.Errorf("len(Mailboxes) = %d, want 5", len(s.Mailboxes))
	}
	if diff := cmp.Diff([]protocol.Id{"e5", "e4", "e3", "e2", "e1"}, pageIds(m)); diff != "" {
		t.Errorf("page mismatch (-want +got):\n%s", diff)
	}
	if s.Total != 5 || s.HasMore || s.Loading {
		t.Errorf("Total=%d HasMore=%t Loading=%t, want 5 false false", s.Total, s.HasMore, s.Loading)
	}
	if s.Quota == nil || s.Quota.Used != 10 || s.Quota.Total != 100 {
		t.Errorf("Quota = %+v, want 10/100", s.Quota)
	}
	if f.count("GetEmails") != 1 {
		t.Errorf("GetEmails calls = %d, want 1", f.count("GetEmails"))
	}
}

func TestFetchMailboxes_KeepsUserSelection(t *testing.T) {
	m, _ := newTestStore(t, nil)
	if err := m.SelectMailbox(t.Context(), "trash"); err != nil {
		t.Fatalf("SelectMailbox() error = %v", err)
	}
	m.FetchMailboxes(t.Context())
	if got := m.Snapshot().SelectedMailbox; got != "trash" {
		t.Errorf("SelectedMailbox = %q after refetch, want trash", got)
	}
}

func TestFetchMailboxes_FailureKeepsTree(t *testing.T) {
	m, f := newTestStore(t, nil)
	f.setFail("GetAllMailboxes", errors.New("down"))
	m.FetchMailboxes(t.Context())
	if got := len(m.Snapshot().Mailboxes); got != 5 {
		t.Errorf("len(Mailboxes) = %d after failed refetch, want 5", got)
	}
	if m.Err() != nil {
		t.Errorf("Err() = %v, want nil", m.Err())
	}
}

func TestSelectMailbox(t *testing.T) {
	m, _ := newTestStore(t, nil)
	m.ToggleSelection("e1")

	if err := m.SelectMailbox(t.Context(), "missing"); !errors.Is(err, ErrUnknownMailbox) {
		t.Errorf("SelectMailbox(missing) error = %v, want ErrUnknownMailbox", err)
	}

	if err := m.SelectMailbox(t.Context(), "acct-2:INBOX"); err != nil {
		t.Fatalf("SelectMailbox() error = %v", err)
	}
	s := m.Snapshot()
	if len(s.Selection) != 0 {
		t.Errorf("Selection = %v after mailbox switch, want empty", s.Selection)
	}
	if diff := cmp.Diff([]protocol.Id{"s1"}, pageIds(m)); diff != "" {
		t.Errorf("shared page mismatch (-want +got):\n%s", diff)
	}
}

func TestPagination(t *testing.T) {
	m, f := newTestStore(t, func(p *prefs.Preferences) { p.PageSize = 2 })

	steps := []struct {
		wantIds  []protocol.Id
		wantMore bool
	}{
		{[]protocol.Id{"e5", "e4", "e3", "e2"}, true},
		{[]protocol.Id{"e5", "e4", "e3", "e2", "e1"}, false},
	}
	if diff := cmp.Diff([]protocol.Id{"e5", "e4"}, pageIds(m)); diff != "" {
		t.Fatalf("first page mismatch (-want +got):\n%s", diff)
	}
	for i, step := range steps {
		m.LoadMoreEmails(t.Context())
		if diff := cmp.Diff(step.wantIds, pageIds(m)); diff != "" {
			t.Errorf("step %d page mismatch (-want +got):\n%s", i, diff)
		}
		if got := m.Snapshot().HasMore; got != step.wantMore {
			t.Errorf("step %d HasMore = %t, want %t", i, got, step.wantMore)
		}
	}

	calls := f.count("GetEmails")
	m.LoadMoreEmails(t.Context())
	if f.count("GetEmails") != calls {
		t.Error("LoadMoreEmails fetched after the last page")
	}
}

func TestLoadMoreEmails_NoDuplicates(t *testing.T) {
	m, f := newTestStore(t, func(p *prefs.Preferences) { p.PageSize = 2 })
	// A new arrival shifts the server's offsets by one.
	f.deliver("n1", base.Add(100*time.Hour))

	m.LoadMoreEmails(t.Context())
	ids := pageIds(m)
	seen := map[protocol.Id]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate %s in page %v", id, ids)
		}
		seen[id] = true
	}
	if diff := cmp.Diff([]protocol.Id{"e5", "e4", "e3"}, ids); diff != "" {
		t.Errorf("page mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch(t *testing.T) {
	m, f := newTestStore(t, nil)
	m.Search(t.Context(), "Message 3")
	if diff := cmp.Diff([]protocol.Id{"e3"}, pageIds(m)); diff != "" {
		t.Errorf("search page mismatch (-want +got):\n%s", diff)
	}
	if f.count("SearchEmails") != 1 {
		t.Errorf("SearchEmails calls = %d, want 1", f.count("SearchEmails"))
	}
	m.Search(t.Context(), "")
	if got := len(pageIds(m)); got != 5 {
		t.Errorf("len(page) = %d after clearing search, want 5", got)
	}
}

func TestFetchQuota_FailureIsQuiet(t *testing.T) {
	m, f := newTestStore(t, nil)
	f.setFail("GetQuota", errors.New("no quota"))
	m.FetchQuota(t.Context())
	if m.Err() != nil {
		t.Errorf("Err() = %v, want nil", m.Err())
	}
	if m.Snapshot().Quota == nil {
		t.Error("quota dropped after failed refresh")
	}
}

func TestReset(t *testing.T) {
	m, _ := newTestStore(t, nil)
	m.ToggleSelection("e1")
	if _, err := m.SelectEmail(t.Context(), "e1"); err != nil {
		t.Fatal(err)
	}
	m.Reset()

	want := Snapshot{Emails: []protocol.Email{}, Selection: []protocol.Id{}}
	if diff := cmp.Diff(want, m.Snapshot()); diff != "" {
		t.Errorf("Snapshot() after Reset mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m, _ := newTestStore(t, nil)
	s := m.Snapshot()
	s.Emails[0].Keywords[protocol.KeywordSeen] = true
	s.Mailboxes[0].UnreadEmails = 99

	e, _ := m.Email(s.Emails[0].Id)
	if e.IsSeen() {
		t.Error("mutating a snapshot email changed the store")
	}
	if _, unread := counters(t, m, s.Mailboxes[0].Id); unread == 99 {
		t.Error("mutating a snapshot mailbox changed the store")
	}
}
