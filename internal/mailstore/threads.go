package mailstore

import (
	"context"
	"slices"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/threads"
)

func (m *MailProjection) resetThreadsLocked() {
	m.threadCache = make(map[protocol.Id]*threads.Group)
	m.expanded = make(map[protocol.Id]bool)
	m.loadingThread = ""
}

func (m *MailProjection) patchThreadsLocked(id protocol.Id, fn func(e *protocol.Email)) {
	for _, g := range m.threadCache {
		for i := range g.Emails {
			if g.Emails[i].Id == id {
				fn(&g.Emails[i])
				*g = *threads.MergeThreadEmails(g, nil)
				break
			}
		}
	}
}

func (m *MailProjection) dropFromThreadsLocked(id protocol.Id) {
	for key, g := range m.threadCache {
		if !g.Contains(id) {
			continue
		}
		rest := &threads.Group{ThreadId: g.ThreadId}
		rest.Emails = slices.DeleteFunc(slices.Clone(g.Emails), func(e protocol.Email) bool { return e.Id == id })
		m.threadCache[key] = threads.MergeThreadEmails(rest, nil)
	}
}

// Threads groups the current page into conversations, newest first. A
// thread whose full membership has been fetched is replaced by the cached
// group.
func (m *MailProjection) Threads() []*threads.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := threads.Build(slices.Clone(m.emails))
	for i, g := range groups {
		if cached, ok := m.threadCache[g.ThreadId]; ok {
			groups[i] = threads.MergeThreadEmails(g, cached.Emails)
		}
	}
	return groups
}

// FetchThreadEmails returns every email of a thread. A cached thread is
// returned without a server call. Only one thread loads at a time; asking
// for the thread already loading returns nil. Failures are logged and
// return an empty list.
func (m *MailProjection) FetchThreadEmails(ctx context.Context, threadId protocol.Id) []protocol.Email {
	m.mu.Lock()
	if g, ok := m.threadCache[threadId]; ok {
		emails := slices.Clone(g.Emails)
		m.mu.Unlock()
		return emails
	}
	if m.loadingThread == threadId {
		m.mu.Unlock()
		return nil
	}
	m.loadingThread = threadId
	generation := m.generation

	local := &threads.Group{ThreadId: threadId}
	acct := m.client.AccountId()
	for i := range m.emails {
		if m.emails[i].ThreadId == threadId {
			local.Emails = append(local.Emails, m.emails[i])
			acct = m.accountLocked(&m.emails[i])
		}
	}
	m.mu.Unlock()

	fetched, err := m.client.GetThread(ctx, threadId, acct)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadingThread == threadId {
		m.loadingThread = ""
	}
	if err != nil {
		logger.LogError(m.log, "Failed to fetch thread", "thread_id", threadId, "error", err)
		return []protocol.Email{}
	}
	group := threads.MergeThreadEmails(local, fetched)
	if generation == m.generation {
		m.threadCache[threadId] = group
	}
	return slices.Clone(group.Emails)
}

// ToggleThreadExpansion opens or closes a thread and reports whether it is
// now open. Opening fetches the thread unless it is cached. Closing keeps
// the cache.
func (m *MailProjection) ToggleThreadExpansion(ctx context.Context, threadId protocol.Id) bool {
	m.mu.Lock()
	if m.expanded[threadId] {
		delete(m.expanded, threadId)
		m.mu.Unlock()
		return false
	}
	m.expanded[threadId] = true
	m.mu.Unlock()

	m.FetchThreadEmails(ctx, threadId)
	return true
}

// IsThreadExpanded reports whether a thread is open.
func (m *MailProjection) IsThreadExpanded(threadId protocol.Id) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expanded[threadId]
}

// LoadingThread returns the id of the thread being fetched, or "".
func (m *MailProjection) LoadingThread() protocol.Id {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadingThread
}

// RefreshThreads drops the thread cache.
func (m *MailProjection) RefreshThreads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threadCache = make(map[protocol.Id]*threads.Group)
}
