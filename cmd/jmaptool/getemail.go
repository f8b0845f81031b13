package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/mailsec"
	"jmapmail/internal/threads"
)

func authLine(name string, r *protocol.AuthResult) string {
	if r == nil {
		return fmt.Sprintf("%s=none", name)
	}
	if r.Domain != "" {
		return fmt.Sprintf("%s=%s (%s)", name, r.Result, r.Domain)
	}
	return fmt.Sprintf("%s=%s", name, r.Result)
}

func printSecurity(sec *protocol.SecurityAnnotations) {
	if sec == nil {
		fmt.Println("Security:   no authentication results")
		return
	}
	fmt.Printf("Security:   %s, %s, %s\n", authLine("spf", sec.SPF), authLine("dkim", sec.DKIM), authLine("dmarc", sec.DMARC))
	if sec.SpamStatus != "" || sec.SpamScore != nil {
		score := "-"
		if sec.SpamScore != nil {
			score = fmt.Sprintf("%.1f", *sec.SpamScore)
		}
		fmt.Printf("Spam:       %s (score %s)\n", sec.SpamStatus, score)
	}
	if sec.SpamLLM != nil {
		fmt.Printf("AI verdict: %s %s\n", sec.SpamLLM.Verdict, sec.SpamLLM.Explanation)
	}
	if mailsec.IsSuspicious(sec) {
		fmt.Println("⚠ This email looks suspicious")
	}
}

// getEmail shows one email in full. The email must be in -mailbox, or the
// inbox by default.
func getEmail(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	columns := []string{"Action", "Status", "Server", "Email_Id", "Thread_Id", "From", "Subject", "Size", "Block_External", "Error"}
	writeHeader(csvLogger, columns)

	m, s, err := openStore(ctx, config, slogLogger, nil)
	if err != nil {
		failRow(csvLogger, columns, config, err)
		return fmt.Errorf("failed to open mailbox: %w", err)
	}
	defer s.Logout()

	id := protocol.Id(config.EmailId)
	if err := ensureLoaded(ctx, m, id); err != nil {
		failRow(csvLogger, columns, config, err)
		return err
	}
	e, err := m.SelectEmail(ctx, id)
	if err != nil {
		failRow(csvLogger, columns, config, err)
		return fmt.Errorf("failed to get email: %w", err)
	}
	block := m.ShouldBlockExternalContent(e)

	fmt.Printf("Subject:    %s\n", e.Subject)
	fmt.Printf("From:       %s\n", formatAddresses(e.From))
	if len(e.To) > 0 {
		fmt.Printf("To:         %s\n", formatAddresses(e.To))
	}
	if len(e.Cc) > 0 {
		fmt.Printf("Cc:         %s\n", formatAddresses(e.Cc))
	}
	fmt.Printf("Received:   %s\n", e.ReceivedAt.Local().Format(time.RFC1123))
	fmt.Printf("Thread:     %s\n", e.ThreadId)
	fmt.Printf("Flags:      %s\n", flagString(e))
	printSecurity(e.Security)
	if block {
		fmt.Println("Remote content: blocked")
	}
	for _, a := range e.Attachments {
		fmt.Printf("Attachment: %s (%s, %d bytes)\n", a.Name, a.Type, a.Size)
	}
	fmt.Println()
	if text := e.BodyText(e.TextBody); text != "" {
		fmt.Println(text)
	} else {
		fmt.Println(e.Preview)
	}

	_ = csvLogger.WriteRow([]string{
		config.Action, "SUCCESS", config.Host, string(e.Id), string(e.ThreadId),
		formatAddresses(e.From), e.Subject, fmt.Sprintf("%d", e.Size), fmt.Sprintf("%t", block), "",
	})
	logger.LogInfo(slogLogger, "Get email completed", "email_id", e.Id)
	return nil
}

// getThread shows every email of a thread, including those outside the
// listed mailbox.
func getThread(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	writeHeader(csvLogger, emailColumns)

	m, s, err := openStore(ctx, config, slogLogger, nil)
	if err != nil {
		failRow(csvLogger, emailColumns, config, err)
		return fmt.Errorf("failed to open mailbox: %w", err)
	}
	defer s.Logout()

	threadId := protocol.Id(config.ThreadId)
	emails := m.FetchThreadEmails(ctx, threadId)
	if len(emails) == 0 {
		err := fmt.Errorf("thread %s has no emails", threadId)
		failRow(csvLogger, emailColumns, config, err)
		return err
	}

	fmt.Printf("Thread %s: %d emails\n", threadId, len(emails))
	printGroups(config, csvLogger, m.Snapshot().SelectedMailbox, threads.Build(emails))
	logger.LogInfo(slogLogger, "Get thread completed", "thread_id", threadId, "count", len(emails))
	return nil
}
