package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/protocol"
)

// watch polls for state changes and reports new mail in -mailbox, or the
// inbox, until the context is cancelled.
func watch(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	writeHeader(csvLogger, emailColumns)

	onNewMail := func(e protocol.Email) {
		fmt.Printf("%s  New mail from %s: %s\n", time.Now().Format("15:04:05"), formatAddresses(e.From), e.Subject)
		_ = csvLogger.WriteRow([]string{
			config.Action, "NEW_MAIL", config.Host, "", string(e.ThreadId), string(e.Id),
			e.ReceivedAt.Format(time.RFC3339), formatAddresses(e.From), e.Subject, flagString(&e), "",
		})
	}

	m, s, err := openStore(ctx, config, slogLogger, onNewMail)
	if err != nil {
		failRow(csvLogger, emailColumns, config, err)
		return fmt.Errorf("failed to open mailbox: %w", err)
	}
	defer s.Logout()

	m.InitPushNotifications(ctx, s.Client().NewPoller())

	snap := m.Snapshot()
	mb, _ := m.Mailbox(snap.SelectedMailbox)
	fmt.Printf("Watching %s (%d unread) every %s, press Ctrl+C to stop\n", mb.Name, mb.UnreadEmails, config.PollInterval)
	logger.LogInfo(slogLogger, "Watching for changes", "mailbox_id", snap.SelectedMailbox, "interval", config.PollInterval)

	<-ctx.Done()
	last := m.Snapshot().LastStateChange
	if !last.IsZero() {
		fmt.Printf("Last change seen at %s\n", last.Format(time.RFC3339))
	}
	return nil
}
