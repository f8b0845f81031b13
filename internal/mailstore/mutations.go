package mailstore

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/protocol"
)

// ColorTags are the reserved color names written as "$color:<name>".
var ColorTags = []string{"red", "orange", "yellow", "green", "blue", "purple", "gray"}

// delta is a signed change to one mailbox's email and thread counters.
type delta struct {
	total         int
	unread        int
	threads       int
	unreadThreads int
}

type deltas map[protocol.Id]delta

// add records total and unread emails entering or leaving mailboxId. sole
// marks an email known to be the only member of its thread, whose thread
// counters then move with it.
func (d deltas) add(mailboxId protocol.Id, total, unread int, sole bool) {
	cur := d[mailboxId]
	cur.total += total
	cur.unread += unread
	if sole {
		cur.threads += total
		cur.unreadThreads += unread
	}
	d[mailboxId] = cur
}

func unreadCount(e *protocol.Email) int {
	if e.IsSeen() {
		return 0
	}
	return 1
}

// leave records e leaving every mailbox it belongs to except keep.
func (d deltas) leave(e *protocol.Email, keep protocol.Id, sole bool) {
	for _, id := range e.MemberOf() {
		if id != keep {
			d.add(id, -1, -unreadCount(e), sole)
		}
	}
}

// enter records e entering mailboxId unless it is already a member.
func (d deltas) enter(e *protocol.Email, mailboxId protocol.Id, sole bool) {
	if e.InMailbox(mailboxId) {
		return
	}
	d.add(mailboxId, 1, unreadCount(e), sole)
}

// seen records $seen on e flipping to read in every mailbox it belongs to.
func (d deltas) seen(e *protocol.Email, read, sole bool) {
	if e.IsSeen() == read {
		return
	}
	change := 1
	if read {
		change = -1
	}
	for _, id := range e.MemberOf() {
		d.add(id, 0, change, sole)
	}
}

// soleLocked reports whether e is known to be alone in its thread, that is
// its thread was fetched and has no other member.
func (m *MailProjection) soleLocked(e *protocol.Email) bool {
	g, ok := m.threadCache[e.ThreadId]
	return ok && g.EmailCount == 1 && g.Contains(e.Id)
}

// applyLocked adds every delta in one pass, clamping counters at zero.
func (m *MailProjection) applyLocked(d deltas) {
	for id, change := range d {
		mb := m.mailboxLocked(id)
		if mb == nil {
			continue
		}
		mb.TotalEmails = max(0, mb.TotalEmails+change.total)
		mb.UnreadEmails = max(0, mb.UnreadEmails+change.unread)
		mb.TotalThreads = max(0, mb.TotalThreads+change.threads)
		mb.UnreadThreads = max(0, mb.UnreadThreads+change.unreadThreads)
	}
}

// emailFor returns a copy of the email and its owning account.
func (m *MailProjection) emailFor(id protocol.Id) (*protocol.Email, protocol.Id, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.emailLocked(id)
	if e == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownEmail, id)
	}
	return e.Clone(), m.accountLocked(e), nil
}

// patchLocked applies fn to every local copy of the email with id: the
// page entry, the selected email and cached thread members.
func (m *MailProjection) patchLocked(id protocol.Id, fn func(e *protocol.Email)) {
	if i := m.emailIndexLocked(id); i >= 0 {
		fn(&m.emails[i])
	}
	if m.selectedEmail != nil && m.selectedEmail.Id == id {
		fn(m.selectedEmail)
	}
	m.patchThreadsLocked(id, fn)
}

func setKeyword(e *protocol.Email, keyword string, on bool) {
	if on {
		if e.Keywords == nil {
			e.Keywords = map[string]bool{}
		}
		e.Keywords[keyword] = true
		return
	}
	delete(e.Keywords, keyword)
}

// removeLocked drops id from the page, the selection and the selected
// email.
func (m *MailProjection) removeLocked(id protocol.Id) {
	if i := m.emailIndexLocked(id); i >= 0 {
		m.emails = slices.Delete(m.emails, i, i+1)
		m.total = max(0, m.total-1)
	}
	delete(m.selection, id)
	if m.selectedEmail != nil && m.selectedEmail.Id == id {
		m.selectedEmail = nil
		m.cancelReadTimerLocked()
	}
}

// MarkAsRead sets the seen state of an email and rebalances the unread
// counters of every mailbox it belongs to. Nothing is sent when the email
// is already in the requested state. Concurrent calls for the same
// transition share one server call.
func (m *MailProjection) MarkAsRead(ctx context.Context, id protocol.Id, read bool) error {
	e, acct, err := m.emailFor(id)
	if err != nil {
		return err
	}
	if e.IsSeen() == read {
		return nil
	}

	key := fmt.Sprintf("%s:%t", id, read)
	_, err, _ = m.inflight.Do(key, func() (any, error) {
		// A call that finished after the check above already applied it.
		m.mu.Lock()
		cur := m.emailLocked(id)
		done := cur != nil && cur.IsSeen() == read
		m.mu.Unlock()
		if done {
			return nil, nil
		}
		if err := m.client.MarkAsRead(ctx, id, read, acct); err != nil {
			return nil, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.applySeenLocked(id, read)
		return nil, nil
	})
	if err != nil {
		return m.fail(ErrActionFailed, err)
	}
	return nil
}

// applySeenLocked patches $seen and, when the state actually flips, moves
// the unread counters of the email's mailboxes by one.
func (m *MailProjection) applySeenLocked(id protocol.Id, read bool) {
	if e := m.emailLocked(id); e != nil {
		d := deltas{}
		d.seen(e, read, m.soleLocked(e))
		m.applyLocked(d)
	}
	m.patchLocked(id, func(e *protocol.Email) { setKeyword(e, protocol.KeywordSeen, read) })
}

// ToggleStar flips $flagged on an email.
func (m *MailProjection) ToggleStar(ctx context.Context, id protocol.Id) error {
	e, acct, err := m.emailFor(id)
	if err != nil {
		return err
	}
	starred := !e.IsFlagged()
	if err := m.client.ToggleStar(ctx, id, starred, acct); err != nil {
		return m.fail(ErrActionFailed, err)
	}
	m.mu.Lock()
	m.patchLocked(id, func(e *protocol.Email) { setKeyword(e, protocol.KeywordFlagged, starred) })
	m.mu.Unlock()
	return nil
}

// SetColorTag gives an email a single color tag, or removes it when color
// is "".
func (m *MailProjection) SetColorTag(ctx context.Context, id protocol.Id, color string) error {
	color = strings.ToLower(strings.TrimSpace(color))
	if color != "" && !slices.Contains(ColorTags, color) {
		return fmt.Errorf("invalid color tag %q (valid: %s)", color, strings.Join(ColorTags, ", "))
	}
	e, acct, err := m.emailFor(id)
	if err != nil {
		return err
	}

	var set, clear []string
	if color != "" {
		set = []string{protocol.ColorTagPrefix + color}
	}
	for _, c := range ColorTags {
		if c != color {
			clear = append(clear, protocol.ColorTagPrefix+c)
		}
	}
	for k := range e.Keywords {
		if strings.HasPrefix(k, protocol.ColorTagPrefix) && !slices.Contains(set, k) && !slices.Contains(clear, k) {
			clear = append(clear, k)
		}
	}

	if err := m.client.UpdateEmailKeywords(ctx, id, set, clear, acct); err != nil {
		return m.fail(ErrActionFailed, err)
	}
	m.mu.Lock()
	m.patchLocked(id, func(e *protocol.Email) {
		for _, k := range clear {
			setKeyword(e, k, false)
		}
		for _, k := range set {
			setKeyword(e, k, true)
		}
	})
	m.mu.Unlock()
	return nil
}

// roleMailboxLocked picks the mailbox with role in account: lowest
// sortOrder, then lowest id. It warns when the choice is ambiguous.
func (m *MailProjection) roleMailboxLocked(role string, account protocol.Id) *protocol.Mailbox {
	var found *protocol.Mailbox
	matches := 0
	for i := range m.mailboxes {
		mb := &m.mailboxes[i]
		if !mb.HasRole(role) || (mb.AccountId != account && mb.AccountId != "") {
			continue
		}
		matches++
		if found == nil || mb.SortOrder < found.SortOrder || (mb.SortOrder == found.SortOrder && mb.Id < found.Id) {
			found = mb
		}
	}
	if matches > 1 {
		logger.LogWarn(m.log, "Several mailboxes share a role, using the first",
			"role", role, "account_id", account, "mailbox_id", found.Id, "matches", matches)
	}
	return found
}

// DeleteEmail moves an email to its account's trash, or destroys it when
// the preferences ask for permanent delete, when the account has no trash
// or when the email is already in the trash.
func (m *MailProjection) DeleteEmail(ctx context.Context, id protocol.Id) error {
	e, acct, err := m.emailFor(id)
	if err != nil {
		return err
	}

	var trashId protocol.Id
	if !m.preferences().PermanentDelete() {
		m.mu.Lock()
		if trash := m.roleMailboxLocked(protocol.RoleTrash, acct); trash != nil && !e.InMailbox(trash.Id) {
			trashId = trash.Id
		}
		m.mu.Unlock()
	}

	if trashId == "" {
		if err := m.client.DeleteEmail(ctx, id, acct); err != nil {
			return m.fail(ErrActionFailed, err)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		d := deltas{}
		d.leave(e, "", m.soleLocked(e))
		m.applyLocked(d)
		m.removeLocked(id)
		m.dropFromThreadsLocked(id)
		return nil
	}

	if err := m.client.MoveToTrash(ctx, id, trashId, acct); err != nil {
		return m.fail(ErrActionFailed, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitMoveLocked([]*protocol.Email{e}, trashId)
	return nil
}

// commitMoveLocked applies a completed move of emails into dest: two-sided
// counters, membership replaced by dest, and removal from the page when
// the active mailbox is no longer among their mailboxes.
func (m *MailProjection) commitMoveLocked(emails []*protocol.Email, dest protocol.Id) {
	d := deltas{}
	for _, e := range emails {
		sole := m.soleLocked(e)
		d.leave(e, dest, sole)
		d.enter(e, dest, sole)
	}
	m.applyLocked(d)

	for _, e := range emails {
		m.patchLocked(e.Id, func(e *protocol.Email) {
			e.MailboxIds = map[protocol.Id]bool{dest: true}
		})
		if dest != m.selectedMailbox && m.selectedMailbox != "" {
			m.removeLocked(e.Id)
		}
	}
}

// MoveToMailbox moves an email to a single destination mailbox, replacing
// its membership.
func (m *MailProjection) MoveToMailbox(ctx context.Context, id, dest protocol.Id) error {
	e, acct, err := m.emailFor(id)
	if err != nil {
		return err
	}
	if err := m.checkDestination(dest, acct); err != nil {
		return err
	}
	if len(e.MemberOf()) == 1 && e.InMailbox(dest) {
		return nil
	}
	if err := m.client.MoveEmail(ctx, id, dest, acct); err != nil {
		return m.fail(ErrActionFailed, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitMoveLocked([]*protocol.Email{e}, dest)
	return nil
}

func (m *MailProjection) checkDestination(dest, account protocol.Id) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb := m.mailboxLocked(dest)
	if mb == nil {
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, dest)
	}
	if mb.AccountId != "" && mb.AccountId != account {
		return fmt.Errorf("mailbox %s belongs to account %s, not %s", dest, mb.AccountId, account)
	}
	return nil
}

// ArchiveEmail moves an email to its account's archive mailbox.
func (m *MailProjection) ArchiveEmail(ctx context.Context, id protocol.Id) error {
	return m.moveToRole(ctx, id, protocol.RoleArchive)
}

// MarkAsSpam moves an email to its account's junk mailbox.
func (m *MailProjection) MarkAsSpam(ctx context.Context, id protocol.Id) error {
	return m.moveToRole(ctx, id, protocol.RoleJunk)
}

func (m *MailProjection) moveToRole(ctx context.Context, id protocol.Id, role string) error {
	_, acct, err := m.emailFor(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	mb := m.roleMailboxLocked(role, acct)
	m.mu.Unlock()
	if mb == nil {
		return m.fail(ErrActionFailed, fmt.Errorf("no %s mailbox in account %s", role, acct))
	}
	return m.MoveToMailbox(ctx, id, mb.Id)
}

// CreateMailbox creates a mailbox, under parentId when given, and refetches
// the tree. The new mailbox lives in the parent's account or the primary
// account.
func (m *MailProjection) CreateMailbox(ctx context.Context, name string, parentId *protocol.Id) (protocol.Id, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("mailbox name cannot be empty")
	}
	acct := m.client.AccountId()
	if parentId != nil {
		mb, ok := m.Mailbox(*parentId)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownMailbox, *parentId)
		}
		acct = mb.AccountId
	}
	id, err := m.client.CreateMailbox(ctx, name, parentId, acct)
	if err != nil {
		return "", m.fail(ErrActionFailed, err)
	}
	m.FetchMailboxes(ctx)
	return id, nil
}

// RenameMailbox renames a mailbox and refetches the tree.
func (m *MailProjection) RenameMailbox(ctx context.Context, id protocol.Id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("mailbox name cannot be empty")
	}
	mb, ok := m.Mailbox(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, id)
	}
	if err := m.client.RenameMailbox(ctx, id, name, mb.AccountId); err != nil {
		return m.fail(ErrActionFailed, err)
	}
	m.FetchMailboxes(ctx)
	return nil
}

// DestroyMailbox deletes a mailbox and refetches the tree. Destroying the
// active mailbox selects the inbox again.
func (m *MailProjection) DestroyMailbox(ctx context.Context, id protocol.Id, removeEmails bool) error {
	mb, ok := m.Mailbox(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, id)
	}
	if err := m.client.DestroyMailbox(ctx, id, removeEmails, mb.AccountId); err != nil {
		return m.fail(ErrActionFailed, err)
	}

	m.mu.Lock()
	active := m.selectedMailbox == id
	m.mailboxes = slices.DeleteFunc(m.mailboxes, func(x protocol.Mailbox) bool { return x.Id == id })
	if active {
		m.selectedMailbox = ""
		m.emails = nil
		m.total = 0
		m.hasMore = false
		m.selection = make(map[protocol.Id]bool)
		m.selectedEmail = nil
		m.cancelReadTimerLocked()
		m.resetThreadsLocked()
	}
	m.mu.Unlock()

	m.FetchMailboxes(ctx)
	if active {
		m.FetchEmails(ctx)
	}
	return nil
}
