package main

import (
	"context"
	"fmt"
	"log/slog"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/client"
)

// getMailboxes retrieves and displays the mailboxes of every account.
func getMailboxes(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	fmt.Printf("Getting mailboxes from %s...\n", config.Host)

	// CSV columns for getmailboxes
	columns := []string{"Action", "Status", "Server", "Account_Id", "Mailbox_Id", "Mailbox_Name", "Role", "Total_Emails", "Unread_Emails", "Parent_Id", "Error"}
	if shouldWrite, _ := csvLogger.ShouldWriteHeader(); shouldWrite {
		_ = csvLogger.WriteHeader(columns)
	}

	s, err := login(ctx, config, slogLogger)
	if err != nil {
		logger.LogError(slogLogger, "JMAP login failed",
			"error", err,
			"host", config.Host)

		_ = csvLogger.WriteRow([]string{
			config.Action, "FAILURE", config.Host, "", "", "", "", "", "", "", err.Error(),
		})
		return fmt.Errorf("JMAP login failed: %w", err)
	}
	defer s.Logout()

	c := s.Client()
	fmt.Println("✓ Session established")
	fmt.Printf("  API URL: %s\n", c.Session().APIURL)

	// Accounts that fail are logged and skipped, so the list may be partial.
	mailboxes := c.GetAllMailboxes(ctx)
	client.SortMailboxes(mailboxes)

	fmt.Printf("\nFound %d mailboxes:\n", len(mailboxes))
	fmt.Println("  Name                              Role            Total   Unread  Account")
	fmt.Println("  ----                              ----            -----   ------  -------")

	for _, mb := range mailboxes {
		role := roleOf(mb)
		name := mb.Name
		if mb.IsShared {
			name = mb.Name + " (shared)"
		}
		fmt.Printf("  %-34s %-14s %6d   %6d  %s\n", name, role, mb.TotalEmails, mb.UnreadEmails, mb.AccountId)

		// Log each mailbox to CSV
		parentId := ""
		if mb.ParentId != nil {
			parentId = string(*mb.ParentId)
		}
		_ = csvLogger.WriteRow([]string{
			config.Action, "SUCCESS", config.Host, string(mb.AccountId),
			string(mb.Id), mb.Name, role,
			fmt.Sprintf("%d", mb.TotalEmails), fmt.Sprintf("%d", mb.UnreadEmails),
			parentId, "",
		})
	}

	logger.LogInfo(slogLogger, "Get mailboxes completed",
		"host", config.Host,
		"mailbox_count", len(mailboxes))

	fmt.Println("\n✓ Get mailboxes completed")
	return nil
}
