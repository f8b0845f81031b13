package mailstore

import (
	"context"
	"slices"
	"time"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/mailsec"
)

// SelectEmail opens an email: it fetches the full record and schedules
// mark-as-read after the configured delay. Selecting another email
// replaces the pending timer, so at most one is ever pending. When the full
// fetch fails the page entry is selected instead. A fetch overtaken by a
// later selection, CloseEmail or a mailbox switch is dropped with
// ErrSelectionChanged.
func (m *MailProjection) SelectEmail(ctx context.Context, id protocol.Id) (*protocol.Email, error) {
	_, acct, err := m.emailFor(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.selectSeq++
	seq, gen := m.selectSeq, m.generation
	m.mu.Unlock()

	full := m.client.GetEmail(ctx, id, acct)

	m.mu.Lock()
	if seq != m.selectSeq || gen != m.generation {
		m.mu.Unlock()
		logger.LogDebug(m.log, "Dropping stale email selection", "email_id", id)
		return nil, ErrSelectionChanged
	}
	if full == nil {
		logger.LogWarn(m.log, "Using list entry for selected email", "email_id", id)
		e := m.emailLocked(id)
		if e == nil {
			m.mu.Unlock()
			return nil, ErrUnknownEmail
		}
		full = e.Clone()
	}
	m.selectedEmail = full
	m.cancelReadTimerLocked()
	seen := full.IsSeen()
	selected := full.Clone()
	m.mu.Unlock()

	if seen {
		return selected, nil
	}
	delay, ok := m.preferences().MarkAsReadDelay()
	if !ok {
		return selected, nil
	}
	if delay == 0 {
		if !m.stillSelected(seq) {
			return selected, nil
		}
		if err := m.MarkAsRead(ctx, id, true); err != nil {
			return selected, err
		}
		m.mu.Lock()
		if m.selectedEmail != nil && m.selectedEmail.Id == id {
			selected = m.selectedEmail.Clone()
		}
		m.mu.Unlock()
		return selected, nil
	}
	m.scheduleMarkAsRead(context.WithoutCancel(ctx), seq, id, delay)
	return selected, nil
}

func (m *MailProjection) stillSelected(seq int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectSeq == seq
}

// scheduleMarkAsRead arms the timer for selection seq. A newer selection
// owns the timer slot, so an outdated call does nothing.
func (m *MailProjection) scheduleMarkAsRead(ctx context.Context, selectSeq int, id protocol.Id, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selectSeq != selectSeq {
		return
	}
	m.cancelReadTimerLocked()
	seq := m.readSeq
	m.readTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		current := m.readSeq == seq && m.selectedEmail != nil && m.selectedEmail.Id == id
		if current {
			m.readTimer = nil
		}
		m.mu.Unlock()
		if current {
			_ = m.MarkAsRead(ctx, id, true)
		}
	})
}

// cancelReadTimerLocked stops the pending mark-as-read, if any.
func (m *MailProjection) cancelReadTimerLocked() {
	m.readSeq++
	if m.readTimer != nil {
		m.readTimer.Stop()
		m.readTimer = nil
	}
}

// PendingMarkAsRead reports whether a delayed mark-as-read is scheduled.
func (m *MailProjection) PendingMarkAsRead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readTimer != nil
}

// CloseEmail clears the selected email and cancels its pending
// mark-as-read.
func (m *MailProjection) CloseEmail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectedEmail = nil
	m.selectSeq++
	m.cancelReadTimerLocked()
}

// ShouldBlockExternalContent reports whether remote content of an email
// should be blocked, from the external content policy, the trusted senders
// and the email's security annotations.
func (m *MailProjection) ShouldBlockExternalContent(e *protocol.Email) bool {
	p := m.preferences()
	return mailsec.ShouldBlockExternalContent(p.ExternalContent, e.From, p.TrustedSenders, e.Security)
}

func (m *MailProjection) selectedIdsLocked() []protocol.Id {
	ids := make([]protocol.Id, 0, len(m.selection))
	for i := range m.emails {
		if m.selection[m.emails[i].Id] {
			ids = append(ids, m.emails[i].Id)
		}
	}
	for id := range m.selection {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Selection returns the selected ids in page order.
func (m *MailProjection) Selection() []protocol.Id {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectedIdsLocked()
}

// ToggleSelection adds or removes one id from the selection set and
// reports whether it is now selected.
func (m *MailProjection) ToggleSelection(id protocol.Id) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selection[id] {
		delete(m.selection, id)
		return false
	}
	m.selection[id] = true
	return true
}

// SelectAll selects every email on the page.
func (m *MailProjection) SelectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.emails {
		m.selection[m.emails[i].Id] = true
	}
}

// ClearSelection empties the selection set.
func (m *MailProjection) ClearSelection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selection = make(map[protocol.Id]bool)
}
