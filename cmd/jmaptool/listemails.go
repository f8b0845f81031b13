package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/mailstore"
	"jmapmail/internal/threads"
)

var emailColumns = []string{"Action", "Status", "Server", "Mailbox_Id", "Thread_Id", "Email_Id", "Received", "From", "Subject", "Flags", "Error"}

func flagString(e *protocol.Email) string {
	var flags []string
	if !e.IsSeen() {
		flags = append(flags, "unread")
	}
	if e.IsFlagged() {
		flags = append(flags, "starred")
	}
	if e.HasAttachment {
		flags = append(flags, "attachment")
	}
	if tag := e.ColorTag(); tag != "" {
		flags = append(flags, tag)
	}
	return strings.Join(flags, " ")
}

// printGroups writes thread groups newest first, one line per email.
func printGroups(config *Config, csvLogger logger.Logger, mailbox protocol.Id, groups []*threads.Group) {
	for _, g := range groups {
		latest := g.Latest()
		fmt.Printf("\n  [%s] %s (%d) - %s\n", g.ThreadId, latest.Subject, g.EmailCount, strings.Join(g.Participants, ", "))
		for i := range g.Emails {
			e := &g.Emails[i]
			fmt.Printf("    %-12s %s  %-30.30s %s\n", e.Id, e.ReceivedAt.Local().Format("2006-01-02 15:04"), formatAddresses(e.From), flagString(e))
			_ = csvLogger.WriteRow([]string{
				config.Action, "SUCCESS", config.Host, string(mailbox), string(g.ThreadId), string(e.Id),
				e.ReceivedAt.Format(time.RFC3339), formatAddresses(e.From), e.Subject, flagString(e), "",
			})
		}
	}
}

func writeHeader(csvLogger logger.Logger, columns []string) {
	if shouldWrite, _ := csvLogger.ShouldWriteHeader(); shouldWrite {
		_ = csvLogger.WriteHeader(columns)
	}
}

// failRow logs a FAILURE row padded to the width of columns.
func failRow(csvLogger logger.Logger, columns []string, config *Config, err error) {
	row := make([]string, len(columns))
	row[0], row[1], row[2] = config.Action, "FAILURE", config.Host
	row[len(row)-1] = err.Error()
	_ = csvLogger.WriteRow(row)
}

// pageTo loads pages until the store holds position+limit emails or the
// mailbox is exhausted, then returns the requested window.
func pageTo(ctx context.Context, m *mailstore.MailProjection, position, limit int) []protocol.Email {
	for {
		snap := m.Snapshot()
		if len(snap.Emails) >= position+limit || !snap.HasMore {
			if position >= len(snap.Emails) {
				return nil
			}
			return snap.Emails[position:min(len(snap.Emails), position+limit)]
		}
		m.LoadMoreEmails(ctx)
		if len(m.Snapshot().Emails) == len(snap.Emails) {
			return snap.Emails[min(position, len(snap.Emails)):]
		}
	}
}

// listEmails prints a page of the selected mailbox grouped by thread.
func listEmails(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	writeHeader(csvLogger, emailColumns)

	m, s, err := openStore(ctx, config, slogLogger, nil)
	if err != nil {
		failRow(csvLogger, emailColumns, config, err)
		return fmt.Errorf("failed to open mailbox: %w", err)
	}
	defer s.Logout()

	page := pageTo(ctx, m, config.Position, config.Limit)
	snap := m.Snapshot()
	mb, _ := m.Mailbox(snap.SelectedMailbox)
	fmt.Printf("%s: %d emails, %d unread, showing %d from %d\n", mb.Name, mb.TotalEmails, mb.UnreadEmails, len(page), config.Position)
	printGroups(config, csvLogger, snap.SelectedMailbox, threads.Build(page))

	if snap.HasMore {
		fmt.Printf("\nMore emails available (-position %d)\n", config.Position+len(page))
	}
	if snap.Quota != nil && snap.Quota.Total > 0 {
		fmt.Printf("Quota: %d of %d bytes used\n", snap.Quota.Used, snap.Quota.Total)
	}

	logger.LogInfo(slogLogger, "List emails completed",
		"host", config.Host,
		"mailbox_id", snap.SelectedMailbox,
		"count", len(page))
	return nil
}

// searchEmails runs a full-text search in -mailbox, or the inbox.
func searchEmails(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	writeHeader(csvLogger, emailColumns)

	m, s, err := openStore(ctx, config, slogLogger, nil)
	if err != nil {
		failRow(csvLogger, emailColumns, config, err)
		return fmt.Errorf("failed to open mailbox: %w", err)
	}
	defer s.Logout()

	m.Search(ctx, config.Query)
	page := pageTo(ctx, m, config.Position, config.Limit)
	snap := m.Snapshot()
	fmt.Printf("Search %q: %d matches\n", config.Query, snap.Total)
	printGroups(config, csvLogger, snap.SelectedMailbox, threads.Build(page))

	logger.LogInfo(slogLogger, "Search completed",
		"host", config.Host,
		"query_length", len(config.Query),
		"matches", snap.Total)
	return nil
}
