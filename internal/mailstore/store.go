// Package mailstore keeps the in-memory projection of mailboxes, emails,
// threads and selection that a mail UI renders. Every mutation goes to the
// server first and is applied locally only after the call succeeds.
package mailstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/client"
	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/prefs"
	"jmapmail/internal/threads"
)

var (
	// ErrActionFailed wraps the failure of an interactive mutation.
	ErrActionFailed = errors.New("action failed")
	// ErrBatchFailed wraps the single aggregate failure of a batch operation.
	ErrBatchFailed = errors.New("batch action failed")
	// ErrUnknownEmail is returned for ids that are not in the projection.
	ErrUnknownEmail = errors.New("email not loaded")
	// ErrUnknownMailbox is returned for mailbox ids that are not in the projection.
	ErrUnknownMailbox = errors.New("mailbox not loaded")
	// ErrSelectionChanged is returned by SelectEmail when another selection
	// or a mailbox switch happened while the email was being fetched.
	ErrSelectionChanged = errors.New("selection changed")
)

// Client is the part of *client.Client the store drives.
type Client interface {
	AccountId() protocol.Id

	GetAllMailboxes(ctx context.Context) []protocol.Mailbox
	GetEmails(ctx context.Context, mailboxId, accountId protocol.Id, limit, position int) client.EmailPage
	SearchEmails(ctx context.Context, text string, mailboxId, accountId protocol.Id, limit, position int) client.EmailPage
	GetEmail(ctx context.Context, id, accountId protocol.Id) *protocol.Email
	GetThread(ctx context.Context, threadId, accountId protocol.Id) ([]protocol.Email, error)
	GetQuota(ctx context.Context) (*protocol.QuotaUsage, error)

	MarkAsRead(ctx context.Context, id protocol.Id, read bool, accountId protocol.Id) error
	BatchMarkAsRead(ctx context.Context, ids []protocol.Id, read bool, accountId protocol.Id) error
	ToggleStar(ctx context.Context, id protocol.Id, starred bool, accountId protocol.Id) error
	UpdateEmailKeywords(ctx context.Context, id protocol.Id, set, clear []string, accountId protocol.Id) error
	MoveEmail(ctx context.Context, id, mailboxId, accountId protocol.Id) error
	MoveToTrash(ctx context.Context, id, trashId, accountId protocol.Id) error
	BatchMoveEmails(ctx context.Context, ids []protocol.Id, mailboxId, accountId protocol.Id) error
	DeleteEmail(ctx context.Context, id, accountId protocol.Id) error
	BatchDeleteEmails(ctx context.Context, ids []protocol.Id, accountId protocol.Id) error

	CreateMailbox(ctx context.Context, name string, parentId *protocol.Id, accountId protocol.Id) (protocol.Id, error)
	RenameMailbox(ctx context.Context, id protocol.Id, name string, accountId protocol.Id) error
	DestroyMailbox(ctx context.Context, id protocol.Id, removeEmails bool, accountId protocol.Id) error
}

var _ Client = (*client.Client)(nil)

// Preferences supplies the current user preferences. *prefs.Store
// satisfies it.
type Preferences interface {
	Get() prefs.Preferences
}

var _ Preferences = (*prefs.Store)(nil)

// Options configure a MailProjection.
type Options struct {
	Logger *slog.Logger
	// OnNewMail is called with the new first email of the active mailbox
	// when a background refresh finds one.
	OnNewMail func(protocol.Email)
}

// Snapshot is a copy of the projection at one point in time.
type Snapshot struct {
	Mailboxes       []protocol.Mailbox
	SelectedMailbox protocol.Id
	Emails          []protocol.Email
	Total           int
	HasMore         bool
	Loading         bool
	SearchQuery     string
	SelectedEmail   *protocol.Email
	Selection       []protocol.Id
	Quota           *protocol.QuotaUsage
	Err             error
	PushConnected   bool
	LastStateChange time.Time
}

// MailProjection is the single owner of mailbox counters, the email page
// and the selection set. All methods are safe for concurrent use. No lock
// is held across network calls.
type MailProjection struct {
	client    Client
	prefs     Preferences
	log       *slog.Logger
	onNewMail func(protocol.Email)
	now       func() time.Time

	inflight singleflight.Group

	mu              sync.Mutex
	mailboxes       []protocol.Mailbox
	selectedMailbox protocol.Id
	emails          []protocol.Email
	total           int
	hasMore         bool
	loading         bool
	searchQuery     string
	generation      int
	selectedEmail   *protocol.Email
	selectSeq       int
	selection       map[protocol.Id]bool
	quota           *protocol.QuotaUsage
	err             error

	threadCache   map[protocol.Id]*threads.Group
	expanded      map[protocol.Id]bool
	loadingThread protocol.Id

	readTimer *time.Timer
	readSeq   int

	unsubscribe     func()
	pushConnected   bool
	lastStateChange time.Time
}

// New creates an empty projection over c. p may be nil, in which case the
// default preferences apply.
func New(c Client, p Preferences, opts Options) *MailProjection {
	return &MailProjection{
		client:      c,
		prefs:       p,
		log:         opts.Logger,
		onNewMail:   opts.OnNewMail,
		now:         time.Now,
		selection:   make(map[protocol.Id]bool),
		threadCache: make(map[protocol.Id]*threads.Group),
		expanded:    make(map[protocol.Id]bool),
	}
}

func (m *MailProjection) preferences() prefs.Preferences {
	if m.prefs == nil {
		return prefs.Defaults()
	}
	return m.prefs.Get()
}

// Init loads the mailbox tree, the first page of the inbox and the quota.
func (m *MailProjection) Init(ctx context.Context) {
	m.FetchMailboxes(ctx)
	m.FetchEmails(ctx)
	m.FetchQuota(ctx)
}

// Dispose stops background work and drops the mail state.
func (m *MailProjection) Dispose() {
	m.ClosePushNotifications()
	m.Reset()
}

// Reset returns the mailbox and email state to empty, as on logout.
// Preferences are not touched.
func (m *MailProjection) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelReadTimerLocked()
	m.mailboxes = nil
	m.selectedMailbox = ""
	m.emails = nil
	m.total = 0
	m.hasMore = false
	m.loading = false
	m.searchQuery = ""
	m.generation++
	m.selectedEmail = nil
	m.selection = make(map[protocol.Id]bool)
	m.quota = nil
	m.err = nil
	m.resetThreadsLocked()
}

// Snapshot returns a deep enough copy of the state for rendering.
func (m *MailProjection) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Mailboxes:       slices.Clone(m.mailboxes),
		SelectedMailbox: m.selectedMailbox,
		Emails:          make([]protocol.Email, len(m.emails)),
		Total:           m.total,
		HasMore:         m.hasMore,
		Loading:         m.loading,
		SearchQuery:     m.searchQuery,
		Selection:       m.selectedIdsLocked(),
		Err:             m.err,
		PushConnected:   m.pushConnected,
		LastStateChange: m.lastStateChange,
	}
	for i := range m.emails {
		s.Emails[i] = *m.emails[i].Clone()
	}
	if m.selectedEmail != nil {
		s.SelectedEmail = m.selectedEmail.Clone()
	}
	if m.quota != nil {
		q := *m.quota
		s.Quota = &q
	}
	return s
}

// Mailbox returns a copy of one mailbox.
func (m *MailProjection) Mailbox(id protocol.Id) (protocol.Mailbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mb := m.mailboxLocked(id); mb != nil {
		return *mb, true
	}
	return protocol.Mailbox{}, false
}

// Email returns a copy of one email from the page or the selected email.
func (m *MailProjection) Email(id protocol.Id) (*protocol.Email, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.emailLocked(id); e != nil {
		return e.Clone(), true
	}
	return nil, false
}

// Err returns the last interactive failure.
func (m *MailProjection) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// ClearErr resets the error state.
func (m *MailProjection) ClearErr() {
	m.mu.Lock()
	m.err = nil
	m.mu.Unlock()
}

func (m *MailProjection) fail(kind error, err error) error {
	wrapped := fmt.Errorf("%w: %w", kind, err)
	m.mu.Lock()
	m.err = wrapped
	m.mu.Unlock()
	logger.LogError(m.log, "Mail action failed", "error", err)
	return wrapped
}

func (m *MailProjection) mailboxLocked(id protocol.Id) *protocol.Mailbox {
	for i := range m.mailboxes {
		if m.mailboxes[i].Id == id {
			return &m.mailboxes[i]
		}
	}
	return nil
}

func (m *MailProjection) emailIndexLocked(id protocol.Id) int {
	return slices.IndexFunc(m.emails, func(e protocol.Email) bool { return e.Id == id })
}

// emailLocked returns the page entry for id, or the selected email.
func (m *MailProjection) emailLocked(id protocol.Id) *protocol.Email {
	if i := m.emailIndexLocked(id); i >= 0 {
		return &m.emails[i]
	}
	if m.selectedEmail != nil && m.selectedEmail.Id == id {
		return m.selectedEmail
	}
	return nil
}

// accountLocked resolves the account that owns e from its mailbox
// membership, then from the active mailbox, then the primary account.
func (m *MailProjection) accountLocked(e *protocol.Email) protocol.Id {
	for id, in := range e.MailboxIds {
		if !in {
			continue
		}
		if mb := m.mailboxLocked(id); mb != nil && mb.AccountId != "" {
			return mb.AccountId
		}
	}
	if mb := m.mailboxLocked(m.selectedMailbox); mb != nil && mb.AccountId != "" {
		return mb.AccountId
	}
	return m.client.AccountId()
}

// FetchMailboxes refetches the mailbox tree of every account. When no
// mailbox is selected the primary account's inbox becomes selected. An
// empty result keeps the current tree.
func (m *MailProjection) FetchMailboxes(ctx context.Context) {
	mailboxes := m.client.GetAllMailboxes(ctx)
	if len(mailboxes) == 0 {
		logger.LogWarn(m.log, "No mailboxes returned, keeping current tree")
		return
	}
	client.SortMailboxes(mailboxes)

	primary := m.client.AccountId()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mailboxes = mailboxes
	if m.selectedMailbox != "" && m.mailboxLocked(m.selectedMailbox) != nil {
		return
	}
	m.selectedMailbox = ""
	for i := range mailboxes {
		mb := &mailboxes[i]
		if mb.HasRole(protocol.RoleInbox) && !mb.IsShared && (mb.AccountId == primary || mb.AccountId == "") {
			m.selectedMailbox = mb.Id
			m.generation++
			m.loading = false
			logger.LogDebug(m.log, "Selected inbox", "mailbox_id", mb.Id)
			return
		}
	}
}

// SelectMailbox switches the active mailbox and loads its first page.
// Switching clears the selection set, the selected email, any search and
// the thread cache.
func (m *MailProjection) SelectMailbox(ctx context.Context, id protocol.Id) error {
	m.mu.Lock()
	if m.mailboxLocked(id) == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, id)
	}
	if id != m.selectedMailbox {
		m.selectedMailbox = id
		m.generation++
		m.searchQuery = ""
		m.emails = nil
		m.total = 0
		m.hasMore = false
		m.selection = make(map[protocol.Id]bool)
		m.selectedEmail = nil
		m.cancelReadTimerLocked()
		m.resetThreadsLocked()
	}
	m.mu.Unlock()
	m.FetchEmails(ctx)
	return nil
}

// Search replaces the page with full-text results within the active
// mailbox. An empty query returns to the plain mailbox listing.
func (m *MailProjection) Search(ctx context.Context, query string) {
	m.mu.Lock()
	m.searchQuery = query
	m.generation++
	m.selection = make(map[protocol.Id]bool)
	m.mu.Unlock()
	m.FetchEmails(ctx)
}

type pageRequest struct {
	mailboxId  protocol.Id
	accountId  protocol.Id
	query      string
	generation int
}

func (m *MailProjection) pageRequestLocked() pageRequest {
	r := pageRequest{mailboxId: m.selectedMailbox, query: m.searchQuery, generation: m.generation}
	if mb := m.mailboxLocked(m.selectedMailbox); mb != nil {
		r.accountId = mb.AccountId
	}
	return r
}

func (m *MailProjection) fetchPage(ctx context.Context, r pageRequest, limit, position int) client.EmailPage {
	if r.query != "" {
		return m.client.SearchEmails(ctx, r.query, r.mailboxId, r.accountId, limit, position)
	}
	return m.client.GetEmails(ctx, r.mailboxId, r.accountId, limit, position)
}

// FetchEmails replaces the page with the first page of the active mailbox.
// The page size comes from the preferences. A result for a mailbox that is
// no longer active is discarded.
func (m *MailProjection) FetchEmails(ctx context.Context) {
	limit := m.preferences().PageSize
	m.mu.Lock()
	r := m.pageRequestLocked()
	m.loading = true
	m.mu.Unlock()

	page := m.fetchPage(ctx, r, limit, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	if r.generation != m.generation {
		return
	}
	m.loading = false
	m.emails = page.Emails
	m.total = page.Total
	m.hasMore = page.HasMore
}

// LoadMoreEmails appends the next page. It does nothing while a load is in
// progress or when the server reported no more results. Emails already on
// the page are not added twice.
func (m *MailProjection) LoadMoreEmails(ctx context.Context) {
	limit := m.preferences().PageSize
	m.mu.Lock()
	if m.loading || !m.hasMore {
		m.mu.Unlock()
		return
	}
	r := m.pageRequestLocked()
	position := len(m.emails)
	m.loading = true
	m.mu.Unlock()

	page := m.fetchPage(ctx, r, limit, position)

	m.mu.Lock()
	defer m.mu.Unlock()
	if r.generation != m.generation {
		return
	}
	m.loading = false
	for _, e := range page.Emails {
		if m.emailIndexLocked(e.Id) < 0 {
			m.emails = append(m.emails, e)
		}
	}
	m.total = page.Total
	m.hasMore = page.HasMore && len(page.Emails) > 0
}

// FetchQuota refreshes storage usage. Failures are logged only.
func (m *MailProjection) FetchQuota(ctx context.Context) {
	q, err := m.client.GetQuota(ctx)
	if err != nil {
		logger.LogWarn(m.log, "Failed to fetch quota", "error", err)
		return
	}
	m.mu.Lock()
	m.quota = q
	m.mu.Unlock()
}
