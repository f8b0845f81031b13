// Package threads groups a flat email list into conversations.
package threads

import (
	"slices"
	"strings"

	"jmapmail/internal/jmap/protocol"
)

// DefaultMaxParticipants caps Group.Participants.
const DefaultMaxParticipants = 4

// Group is one conversation derived from the emails at hand. It is never
// sent to or read from the server.
type Group struct {
	ThreadId protocol.Id
	// Emails are sorted newest first.
	Emails        []protocol.Email
	Participants  []string
	HasUnread     bool
	HasStarred    bool
	HasAttachment bool
	EmailCount    int
}

// Latest returns the newest member.
func (g *Group) Latest() *protocol.Email {
	if len(g.Emails) == 0 {
		return nil
	}
	return &g.Emails[0]
}

// Contains reports whether the group has an email with id.
func (g *Group) Contains(id protocol.Id) bool {
	return slices.ContainsFunc(g.Emails, func(e protocol.Email) bool { return e.Id == id })
}

func threadKey(e *protocol.Email) protocol.Id {
	if e.ThreadId != "" {
		return e.ThreadId
	}
	return e.Id
}

// GroupEmailsByThread partitions emails by thread id in one pass. Every
// email lands in exactly one group, single-email threads included. An email
// without a thread id forms a group keyed by its own id.
func GroupEmailsByThread(emails []protocol.Email) map[protocol.Id]*Group {
	groups := make(map[protocol.Id]*Group)
	for _, e := range emails {
		key := threadKey(&e)
		g, ok := groups[key]
		if !ok {
			g = &Group{ThreadId: key}
			groups[key] = g
		}
		g.Emails = append(g.Emails, e)
	}
	for _, g := range groups {
		finish(g)
	}
	return groups
}

// Build groups emails and returns the groups newest conversation first.
func Build(emails []protocol.Email) []*Group {
	byThread := GroupEmailsByThread(emails)
	seen := make(map[protocol.Id]bool, len(byThread))
	list := make([]*Group, 0, len(byThread))
	for i := range emails {
		key := threadKey(&emails[i])
		if !seen[key] {
			seen[key] = true
			list = append(list, byThread[key])
		}
	}
	return SortThreadGroups(list)
}

// SortThreadGroups stably sorts groups by their newest member's received
// time, newest first. It sorts in place and returns groups.
func SortThreadGroups(groups []*Group) []*Group {
	slices.SortStableFunc(groups, func(a, b *Group) int {
		la, lb := a.Latest(), b.Latest()
		switch {
		case la == nil && lb == nil:
			return 0
		case la == nil:
			return 1
		case lb == nil:
			return -1
		}
		return lb.ReceivedAt.Compare(la.ReceivedAt)
	})
	return groups
}

// GetThreadParticipants returns sender display names deduplicated by
// lowercased address in first-seen order. Scanning stops once max names are
// collected. A max of zero or less means DefaultMaxParticipants.
func GetThreadParticipants(emails []protocol.Email, max int) []string {
	if max <= 0 {
		max = DefaultMaxParticipants
	}
	var names []string
	seen := make(map[string]bool)
	for _, e := range emails {
		for _, from := range e.From {
			key := strings.ToLower(strings.TrimSpace(from.Email))
			if key == "" {
				key = strings.ToLower(from.Name)
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			names = append(names, from.DisplayName())
			if len(names) == max {
				return names
			}
		}
	}
	return names
}

// MergeThreadEmails returns a new group holding the union of g's emails and
// fetched. Emails already in g win over fetched copies with the same id.
func MergeThreadEmails(g *Group, fetched []protocol.Email) *Group {
	merged := &Group{ThreadId: g.ThreadId}
	merged.Emails = append(merged.Emails, g.Emails...)
	for _, e := range fetched {
		if !merged.Contains(e.Id) {
			merged.Emails = append(merged.Emails, e)
		}
	}
	finish(merged)
	return merged
}

// finish sorts members newest first and recomputes the aggregates.
func finish(g *Group) {
	slices.SortStableFunc(g.Emails, func(a, b protocol.Email) int {
		return b.ReceivedAt.Compare(a.ReceivedAt)
	})
	g.EmailCount = len(g.Emails)
	g.HasUnread, g.HasStarred, g.HasAttachment = false, false, false
	for i := range g.Emails {
		e := &g.Emails[i]
		if !e.IsSeen() {
			g.HasUnread = true
		}
		if e.IsFlagged() {
			g.HasStarred = true
		}
		if e.HasAttachment {
			g.HasAttachment = true
		}
	}
	g.Participants = GetThreadParticipants(g.Emails, DefaultMaxParticipants)
}
