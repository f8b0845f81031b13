package mailstore

import (
	"context"
	"slices"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/client"
	"jmapmail/internal/jmap/protocol"
)

// InitPushNotifications subscribes the projection to src. Each change is
// reconciled with ctx until ClosePushNotifications. Calling it again while
// subscribed does nothing.
func (m *MailProjection) InitPushNotifications(ctx context.Context, src client.NotificationSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		return
	}
	m.unsubscribe = src.Subscribe(func(sc client.StateChange) {
		m.HandleStateChange(ctx, sc)
	})
	m.pushConnected = true
	logger.LogDebug(m.log, "Subscribed to state changes")
}

// ClosePushNotifications ends the subscription. It is safe to call more
// than once.
func (m *MailProjection) ClosePushNotifications() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.pushConnected = false
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// PushConnected reports whether the projection is subscribed.
func (m *MailProjection) PushConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushConnected
}

// HandleStateChange reconciles a change notification. A new Email state
// for the active account refreshes the first page and reports new mail
// when a previously unseen email now leads it. A new Mailbox state
// refetches the mailbox tree. Failures never reach the error state.
func (m *MailProjection) HandleStateChange(ctx context.Context, sc client.StateChange) {
	m.mu.Lock()
	m.lastStateChange = m.now()
	acct := m.client.AccountId()
	if mb := m.mailboxLocked(m.selectedMailbox); mb != nil && mb.AccountId != "" {
		acct = mb.AccountId
	}
	m.mu.Unlock()

	if sc.Has(acct, client.TypeEmail) {
		m.refreshFirstPage(ctx)
	}
	if sc.Has(acct, client.TypeMailbox) || (acct != m.client.AccountId() && sc.Has(m.client.AccountId(), client.TypeMailbox)) {
		m.FetchMailboxes(ctx)
	}
}

// refreshFirstPage replaces the leading page of the list with fresh
// results and keeps any older pages already loaded.
func (m *MailProjection) refreshFirstPage(ctx context.Context) {
	limit := m.preferences().PageSize
	m.mu.Lock()
	r := m.pageRequestLocked()
	previous := make([]protocol.Id, len(m.emails))
	for i := range m.emails {
		previous[i] = m.emails[i].Id
	}
	m.mu.Unlock()

	page := m.fetchPage(ctx, r, limit, 0)
	if len(page.Emails) == 0 && page.Total == 0 && !page.HasMore && len(previous) > 0 {
		logger.LogDebug(m.log, "Background refresh returned nothing, keeping page")
		return
	}

	m.mu.Lock()
	if r.generation != m.generation {
		m.mu.Unlock()
		return
	}
	// Loaded emails older than the refreshed page stay in place.
	var tail []protocol.Email
	if page.HasMore && len(page.Emails) > 0 {
		oldest := page.Emails[len(page.Emails)-1].ReceivedAt
		for _, e := range m.emails {
			if e.ReceivedAt.Before(oldest) && !slices.ContainsFunc(page.Emails, func(x protocol.Email) bool { return x.Id == e.Id }) {
				tail = append(tail, e)
			}
		}
	}
	m.emails = append(page.Emails, tail...)
	m.total = page.Total
	m.hasMore = page.HasMore
	if len(tail) > 0 {
		m.hasMore = len(m.emails) < page.Total
	}

	var arrived *protocol.Email
	if len(page.Emails) > 0 {
		first := page.Emails[0]
		if !slices.Contains(previous, first.Id) {
			arrived = first.Clone()
		}
	}
	notify := m.onNewMail
	m.mu.Unlock()

	if arrived != nil {
		logger.LogInfo(m.log, "New mail", "email_id", arrived.Id)
		if notify != nil {
			notify(*arrived)
		}
	}
}
