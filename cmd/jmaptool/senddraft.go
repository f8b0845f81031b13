package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/common/security"
	"jmapmail/internal/jmap/client"
	"jmapmail/internal/jmap/protocol"
)

// sendDraft composes an email and submits it. With -file the file is
// uploaded first and attached.
func sendDraft(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	columns := []string{"Action", "Status", "Server", "From", "To", "Subject", "Email_Id", "Attachment", "Error"}
	writeHeader(csvLogger, columns)

	to, err := parseAddresses(config.To)
	if err != nil {
		return err
	}

	s, err := login(ctx, config, slogLogger)
	if err != nil {
		failRow(csvLogger, columns, config, err)
		return fmt.Errorf("JMAP login failed: %w", err)
	}
	defer s.Logout()
	c := s.Client()

	if !c.HasSubmission() {
		err := fmt.Errorf("server does not support email submission")
		failRow(csvLogger, columns, config, err)
		return err
	}

	draft := client.Draft{To: to, Subject: config.Subject, TextBody: config.Body}
	attachment := ""
	if config.File != "" {
		blob, err := uploadFile(ctx, c, config.File)
		if err != nil {
			failRow(csvLogger, columns, config, err)
			return err
		}
		attachment = filepath.Base(config.File)
		draft.Attachments = []protocol.EmailBodyPart{{BlobId: blob.BlobId, Type: blob.Type, Name: attachment, Size: blob.Size}}
	}

	fmt.Printf("Sending %q to %s...\n", config.Subject, formatAddresses(to))
	id, err := c.SendEmail(ctx, draft, "")
	if err != nil {
		logger.LogError(slogLogger, "Send failed", "error", err, "recipients", len(to))
		failRow(csvLogger, columns, config, err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	fmt.Printf("✓ Email sent (id %s)\n", id)
	_ = csvLogger.WriteRow([]string{
		config.Action, "SUCCESS", config.Host, security.MaskUsername(c.Username()),
		security.MaskEmail(to[0].Email), config.Subject, string(id), attachment, "",
	})
	logger.LogInfo(slogLogger, "Email sent", "email_id", id, "recipients", len(to))
	return nil
}

func uploadFile(ctx context.Context, c *client.Client, path string) (*protocol.BlobInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if info, err := f.Stat(); err == nil && c.MaxUploadSize() > 0 && info.Size() > c.MaxUploadSize() {
		return nil, fmt.Errorf("%s is %d bytes, the server accepts at most %d", path, info.Size(), c.MaxUploadSize())
	}
	blob, err := c.UploadBlob(ctx, f, contentType, "")
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", path, err)
	}
	return blob, nil
}

// uploadBlob uploads -file and prints the blob id.
func uploadBlob(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	columns := []string{"Action", "Status", "Server", "File", "Blob_Id", "Type", "Size", "Error"}
	writeHeader(csvLogger, columns)

	s, err := login(ctx, config, slogLogger)
	if err != nil {
		failRow(csvLogger, columns, config, err)
		return fmt.Errorf("JMAP login failed: %w", err)
	}
	defer s.Logout()

	blob, err := uploadFile(ctx, s.Client(), config.File)
	if err != nil {
		failRow(csvLogger, columns, config, err)
		return err
	}

	fmt.Printf("✓ Uploaded %s\n", config.File)
	fmt.Printf("  Blob id: %s\n  Type:    %s\n  Size:    %d bytes\n", blob.BlobId, blob.Type, blob.Size)
	_ = csvLogger.WriteRow([]string{
		config.Action, "SUCCESS", config.Host, config.File, string(blob.BlobId), blob.Type, fmt.Sprintf("%d", blob.Size), "",
	})
	logger.LogInfo(slogLogger, "Blob uploaded", "blob_id", blob.BlobId, "size", blob.Size)
	return nil
}

// getQuota prints the storage quota of the primary account.
func getQuota(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	columns := []string{"Action", "Status", "Server", "Used", "Total", "Percent", "Error"}
	writeHeader(csvLogger, columns)

	s, err := login(ctx, config, slogLogger)
	if err != nil {
		failRow(csvLogger, columns, config, err)
		return fmt.Errorf("JMAP login failed: %w", err)
	}
	defer s.Logout()

	quota, err := s.Client().GetQuota(ctx)
	if err != nil {
		failRow(csvLogger, columns, config, err)
		return fmt.Errorf("failed to get quota: %w", err)
	}
	if quota == nil {
		fmt.Println("Server does not report quotas")
		_ = csvLogger.WriteRow([]string{config.Action, "UNSUPPORTED", config.Host, "", "", "", ""})
		return nil
	}

	percent := ""
	if quota.Total > 0 {
		percent = fmt.Sprintf("%.1f", float64(quota.Used)*100/float64(quota.Total))
	}
	fmt.Printf("Used %d of %d bytes", quota.Used, quota.Total)
	if percent != "" {
		fmt.Printf(" (%s%%)", percent)
	}
	fmt.Println()
	_ = csvLogger.WriteRow([]string{
		config.Action, "SUCCESS", config.Host, fmt.Sprintf("%d", quota.Used), fmt.Sprintf("%d", quota.Total), percent, "",
	})
	logger.LogInfo(slogLogger, "Quota retrieved", "used", quota.Used, "total", quota.Total)
	return nil
}
