package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/common/version"
	"jmapmail/internal/session"
)

func main() {
	// Cancelled on interrupt; watch runs until then.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config := parseAndConfigureFlags()

	if config.ShowVersion {
		fmt.Printf("jmaptool version %s\n", version.Get())
		os.Exit(0)
	}

	if config.Action == "" {
		fmt.Fprintln(os.Stderr, "Error: -action is required")
		fmt.Fprintln(os.Stderr, "Use -help for usage information")
		os.Exit(1)
	}

	if err := restoreIdentity(config); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if err := validateConfiguration(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	slogLogger := logger.SetupLogger(config.VerboseMode, config.LogLevel)

	// Per-action audit log (CSV or JSON Lines)
	logFormat, err := logger.ParseLogFormat(config.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log format: %v\n", err)
		os.Exit(1)
	}
	auditLogger, err := logger.NewLogger(logFormat, "jmaptool", config.Action)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer auditLogger.Close()

	if err := executeAction(ctx, config, auditLogger, slogLogger); err != nil {
		logger.LogError(slogLogger, "Action failed", "action", config.Action, "error", err)
		auditLogger.Close()
		stop()
		os.Exit(1)
	}
}

// restoreIdentity fills -host and -username from -sessionfile when they
// were not given. The password is never remembered.
func restoreIdentity(config *Config) error {
	if config.SessionFile == "" || (config.Host != "" && config.Username != "") {
		return nil
	}
	store, err := session.NewFileStore(config.SessionFile)
	if err != nil {
		return err
	}
	id, err := store.Load()
	if err != nil {
		return err
	}
	if config.Host == "" && id.ServerURL != "" {
		config.Host = id.ServerURL
	}
	if config.Username == "" {
		config.Username = id.Username
	}
	if !id.IsZero() && strings.EqualFold(config.Host, id.ServerURL) {
		fmt.Fprintf(os.Stderr, "Using remembered server %s\n", id.ServerURL)
	}
	return nil
}
