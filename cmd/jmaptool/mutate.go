package main

import (
	"context"
	"fmt"
	"log/slog"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/mailstore"
)

var mutationColumns = []string{"Action", "Status", "Server", "Email_Id", "Mailbox_Id", "Detail", "Unread_After", "Error"}

// mutateEmail opens the store, finds -emailid in -mailbox and applies fn.
// fn returns a short description of what it did.
func mutateEmail(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger,
	fn func(m *mailstore.MailProjection, id protocol.Id) (string, error)) error {
	writeHeader(csvLogger, mutationColumns)

	m, s, err := openStore(ctx, config, slogLogger, nil)
	if err != nil {
		failRow(csvLogger, mutationColumns, config, err)
		return fmt.Errorf("failed to open mailbox: %w", err)
	}
	defer s.Logout()

	id := protocol.Id(config.EmailId)
	if err := ensureLoaded(ctx, m, id); err != nil {
		failRow(csvLogger, mutationColumns, config, err)
		return err
	}
	source := m.Snapshot().SelectedMailbox

	detail, err := fn(m, id)
	if err != nil {
		logger.LogError(slogLogger, "Email update failed", "email_id", id, "action", config.Action, "error", err)
		failRow(csvLogger, mutationColumns, config, err)
		return err
	}

	mb, _ := m.Mailbox(source)
	fmt.Printf("✓ %s: %s\n", id, detail)
	fmt.Printf("  %s now has %d emails, %d unread\n", mb.Name, mb.TotalEmails, mb.UnreadEmails)
	_ = csvLogger.WriteRow([]string{
		config.Action, "SUCCESS", config.Host, string(id), string(source), detail,
		fmt.Sprintf("%d", mb.UnreadEmails), "",
	})
	logger.LogInfo(slogLogger, "Email updated", "email_id", id, "action", config.Action, "detail", detail)
	return nil
}

func markRead(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	return mutateEmail(ctx, config, csvLogger, slogLogger, func(m *mailstore.MailProjection, id protocol.Id) (string, error) {
		if err := m.MarkAsRead(ctx, id, config.Read); err != nil {
			return "", err
		}
		if config.Read {
			return "marked read", nil
		}
		return "marked unread", nil
	})
}

// flagEmail toggles the star, or sets the color tag when -color is given.
func flagEmail(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	return mutateEmail(ctx, config, csvLogger, slogLogger, func(m *mailstore.MailProjection, id protocol.Id) (string, error) {
		if config.Color != "" {
			if err := m.SetColorTag(ctx, id, config.Color); err != nil {
				return "", err
			}
			return "tagged " + config.Color, nil
		}
		if err := m.ToggleStar(ctx, id); err != nil {
			return "", err
		}
		if e, ok := m.Email(id); ok && e.IsFlagged() {
			return "starred", nil
		}
		return "unstarred", nil
	})
}

// moveEmail moves -emailid from the inbox to -mailbox. The roles archive
// and junk are accepted in place of an id.
func moveEmail(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	return mutateEmail(ctx, config, csvLogger, slogLogger, func(m *mailstore.MailProjection, id protocol.Id) (string, error) {
		switch config.Mailbox {
		case protocol.RoleArchive:
			return "archived", m.ArchiveEmail(ctx, id)
		case protocol.RoleJunk:
			return "marked as spam", m.MarkAsSpam(ctx, id)
		}
		dest := protocol.Id(config.Mailbox)
		if err := m.MoveToMailbox(ctx, id, dest); err != nil {
			return "", err
		}
		return "moved to " + string(dest), nil
	})
}

func deleteEmail(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	return mutateEmail(ctx, config, csvLogger, slogLogger, func(m *mailstore.MailProjection, id protocol.Id) (string, error) {
		if err := m.DeleteEmail(ctx, id); err != nil {
			return "", err
		}
		if config.Permanent {
			return "destroyed", nil
		}
		return "deleted", nil
	})
}
