// Package logger provides the structured runtime logger and the per-action
// audit logs (CSV or JSON Lines) written by jmaptool.
package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Logger is an append-only audit log of action results.
type Logger interface {
	WriteHeader(columns []string) error
	WriteRow(row []string) error
	ShouldWriteHeader() (bool, error)
	Close() error
}

// LogFormat selects the audit log file format.
type LogFormat string

const (
	FormatCSV  LogFormat = "csv"
	FormatJSON LogFormat = "json"
)

// ParseLogFormat converts a format name into a LogFormat.
func ParseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "json", "jsonl":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (valid: csv, json)", s)
	}
}

// NewLogger opens the audit log for a tool action in the requested format.
func NewLogger(format LogFormat, toolName, action string) (Logger, error) {
	switch format {
	case FormatCSV:
		return NewCSVLogger(toolName, action)
	case FormatJSON:
		return NewJSONLogger(toolName, action)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// auditPath names the audit file for a tool action:
// %TEMP%/_{toolName}_{action}_{date}.{ext}, e.g. _jmaptool_listemails_2026-01-09.csv.
func auditPath(toolName, action, ext string) string {
	name := fmt.Sprintf("_%s_%s_%s.%s", toolName, action, time.Now().Format("2006-01-02"), ext)
	return filepath.Join(os.TempDir(), name)
}

// openAudit opens an audit file for appending and announces it on stdout.
func openAudit(toolName, action, ext string) (*os.File, error) {
	path := auditPath(toolName, action, ext)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not create %s log file: %w", ext, err)
	}
	fmt.Printf("Logging to: %s\n\n", path)
	return file, nil
}

// isEmpty reports whether nothing has been written to file yet.
func isEmpty(file *os.File) (bool, error) {
	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("could not stat log file: %w", err)
	}
	return info.Size() == 0, nil
}

// closeFile closes file, treating an already closed file as success.
func closeFile(file *os.File) error {
	if file == nil {
		return nil
	}
	if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// flushPolicy flushes every flushEvery rows or after flushAfter.
type flushPolicy struct {
	rows      int
	lastFlush time.Time
}

const (
	flushEvery = 10
	flushAfter = 5 * time.Second
)

// wrote counts a row and reports whether buffered rows should be flushed.
func (p *flushPolicy) wrote() bool {
	p.rows++
	if p.rows%flushEvery == 0 || time.Since(p.lastFlush) > flushAfter {
		p.lastFlush = time.Now()
		return true
	}
	return false
}
