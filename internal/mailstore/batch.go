package mailstore

import (
	"context"
	"errors"
	"fmt"

	"jmapmail/internal/jmap/protocol"
)

// batchTarget is the part of the selection owned by one account.
type batchTarget struct {
	account protocol.Id
	emails  []*protocol.Email
}

func (b *batchTarget) ids() []protocol.Id {
	ids := make([]protocol.Id, len(b.emails))
	for i, e := range b.emails {
		ids[i] = e.Id
	}
	return ids
}

// takeSelection empties the selection set and returns copies of the
// selected emails grouped by account, in page order.
func (m *MailProjection) takeSelection() []*batchTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.selectedIdsLocked()
	m.selection = make(map[protocol.Id]bool)

	var targets []*batchTarget
	byAccount := map[protocol.Id]*batchTarget{}
	for _, id := range ids {
		e := m.emailLocked(id)
		if e == nil {
			continue
		}
		acct := m.accountLocked(e)
		t, ok := byAccount[acct]
		if !ok {
			t = &batchTarget{account: acct}
			byAccount[acct] = t
			targets = append(targets, t)
		}
		t.emails = append(t.emails, e.Clone())
	}
	return targets
}

// accepted returns the emails the server applied: all of them when err is
// nil, those outside the rejected ids of a partial failure, otherwise none.
func accepted(emails []*protocol.Email, err error) []*protocol.Email {
	if err == nil {
		return emails
	}
	rejected, ok := protocol.Rejected(err)
	if !ok {
		return nil
	}
	var out []*protocol.Email
	for _, e := range emails {
		if _, failed := rejected[e.Id]; !failed {
			out = append(out, e)
		}
	}
	return out
}

func batchError(op string, count int, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s %d emails: %w", op, count, errors.Join(errs...))
}

// BatchMarkAsRead sets the seen state of every selected email with one
// server call per account and clears the selection.
func (m *MailProjection) BatchMarkAsRead(ctx context.Context, read bool) error {
	var errs []error
	count := 0
	for _, t := range m.takeSelection() {
		pending := &batchTarget{account: t.account}
		for _, e := range t.emails {
			if e.IsSeen() != read {
				pending.emails = append(pending.emails, e)
			}
		}
		if len(pending.emails) == 0 {
			continue
		}
		count += len(pending.emails)
		err := m.client.BatchMarkAsRead(ctx, pending.ids(), read, t.account)
		if err != nil {
			errs = append(errs, err)
		}
		done := accepted(pending.emails, err)
		if len(done) == 0 {
			continue
		}

		m.mu.Lock()
		d := deltas{}
		for _, e := range done {
			if cur := m.emailLocked(e.Id); cur != nil {
				d.seen(cur, read, m.soleLocked(cur))
			}
		}
		m.applyLocked(d)
		for _, e := range done {
			m.patchLocked(e.Id, func(e *protocol.Email) { setKeyword(e, protocol.KeywordSeen, read) })
		}
		m.mu.Unlock()
	}
	if err := batchError("mark as read", count, errs); err != nil {
		return m.fail(ErrBatchFailed, err)
	}
	return nil
}

// BatchDelete deletes every selected email the way DeleteEmail does, with
// at most one move and one destroy call per account, and clears the
// selection.
func (m *MailProjection) BatchDelete(ctx context.Context) error {
	permanent := m.preferences().PermanentDelete()
	var errs []error
	count := 0
	for _, t := range m.takeSelection() {
		count += len(t.emails)

		var trashId protocol.Id
		if !permanent {
			m.mu.Lock()
			if trash := m.roleMailboxLocked(protocol.RoleTrash, t.account); trash != nil {
				trashId = trash.Id
			}
			m.mu.Unlock()
		}
		toTrash := &batchTarget{account: t.account}
		toDestroy := &batchTarget{account: t.account}
		for _, e := range t.emails {
			if trashId != "" && !e.InMailbox(trashId) {
				toTrash.emails = append(toTrash.emails, e)
			} else {
				toDestroy.emails = append(toDestroy.emails, e)
			}
		}

		if len(toTrash.emails) > 0 {
			err := m.client.BatchMoveEmails(ctx, toTrash.ids(), trashId, t.account)
			if err != nil {
				errs = append(errs, err)
			}
			if done := accepted(toTrash.emails, err); len(done) > 0 {
				m.mu.Lock()
				m.commitMoveLocked(done, trashId)
				m.mu.Unlock()
			}
		}
		if len(toDestroy.emails) > 0 {
			err := m.client.BatchDeleteEmails(ctx, toDestroy.ids(), t.account)
			if err != nil {
				errs = append(errs, err)
			}
			if done := accepted(toDestroy.emails, err); len(done) > 0 {
				m.mu.Lock()
				d := deltas{}
				for _, e := range done {
					d.leave(e, "", m.soleLocked(e))
				}
				m.applyLocked(d)
				for _, e := range done {
					m.removeLocked(e.Id)
					m.dropFromThreadsLocked(e.Id)
				}
				m.mu.Unlock()
			}
		}
	}
	if err := batchError("delete", count, errs); err != nil {
		return m.fail(ErrBatchFailed, err)
	}
	return nil
}

// BatchMoveToMailbox moves every selected email to dest in one call and
// clears the selection. Selected emails from another account than dest's
// are skipped.
func (m *MailProjection) BatchMoveToMailbox(ctx context.Context, dest protocol.Id) error {
	destMb, ok := m.Mailbox(dest)
	if !ok {
		m.ClearSelection()
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, dest)
	}

	var errs []error
	count := 0
	for _, t := range m.takeSelection() {
		if destMb.AccountId != "" && t.account != destMb.AccountId {
			errs = append(errs, fmt.Errorf("mailbox %s belongs to account %s, not %s", dest, destMb.AccountId, t.account))
			count += len(t.emails)
			continue
		}
		moving := &batchTarget{account: t.account}
		for _, e := range t.emails {
			if len(e.MemberOf()) != 1 || !e.InMailbox(dest) {
				moving.emails = append(moving.emails, e)
			}
		}
		if len(moving.emails) == 0 {
			continue
		}
		count += len(moving.emails)
		err := m.client.BatchMoveEmails(ctx, moving.ids(), dest, t.account)
		if err != nil {
			errs = append(errs, err)
		}
		done := accepted(moving.emails, err)
		if len(done) == 0 {
			continue
		}
		m.mu.Lock()
		m.commitMoveLocked(done, dest)
		m.mu.Unlock()
	}
	if err := batchError("move", count, errs); err != nil {
		return m.fail(ErrBatchFailed, err)
	}
	return nil
}
