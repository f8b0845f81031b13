package main

import (
	"context"
	"fmt"
	"log/slog"

	"jmapmail/internal/common/logger"
)

type actionFunc func(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error

var actions = map[string]actionFunc{
	"testconnect":  testConnect,
	"testauth":     testAuth,
	"getmailboxes": getMailboxes,
	"listemails":   listEmails,
	"getemail":     getEmail,
	"getthread":    getThread,
	"search":       searchEmails,
	"markread":     markRead,
	"flag":         flagEmail,
	"move":         moveEmail,
	"delete":       deleteEmail,
	"senddraft":    sendDraft,
	"upload":       uploadBlob,
	"getquota":     getQuota,
	"watch":        watch,
}

// executeAction dispatches to the appropriate handler based on action.
func executeAction(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	run, ok := actions[config.Action]
	if !ok {
		return fmt.Errorf("unknown action: %s", config.Action)
	}
	return run(ctx, config, csvLogger, slogLogger)
}
