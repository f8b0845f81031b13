package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"
)

// CSVLogger appends audit rows to a CSV file. Every record, header
// included, starts with a Timestamp column.
type CSVLogger struct {
	writer *csv.Writer
	file   *os.File
	flush  flushPolicy
}

// NewCSVLogger opens the CSV audit file for a tool action.
func NewCSVLogger(toolName, action string) (*CSVLogger, error) {
	file, err := openAudit(toolName, action, "csv")
	if err != nil {
		return nil, err
	}
	return &CSVLogger{
		writer: csv.NewWriter(file),
		file:   file,
		flush:  flushPolicy{lastFlush: time.Now()},
	}, nil
}

// WriteHeader writes the header line immediately.
func (l *CSVLogger) WriteHeader(columns []string) error {
	if l.writer == nil {
		return fmt.Errorf("CSV writer is closed")
	}
	if err := l.writer.Write(append([]string{"Timestamp"}, columns...)); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	l.writer.Flush()
	return l.writer.Error()
}

// WriteRow buffers a row; see flushPolicy.
func (l *CSVLogger) WriteRow(row []string) error {
	if l.writer == nil {
		return fmt.Errorf("CSV writer is closed")
	}
	record := append([]string{time.Now().Format("2006-01-02 15:04:05")}, row...)
	if err := l.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}
	if l.flush.wrote() {
		l.writer.Flush()
		if err := l.writer.Error(); err != nil {
			return fmt.Errorf("failed to flush CSV: %w", err)
		}
	}
	return nil
}

// ShouldWriteHeader reports whether the file is still empty.
func (l *CSVLogger) ShouldWriteHeader() (bool, error) {
	return isEmpty(l.file)
}

// Close flushes buffered rows and closes the file. Safe to call twice.
func (l *CSVLogger) Close() error {
	if l.writer != nil {
		l.writer.Flush()
		err := l.writer.Error()
		l.writer = nil
		if err != nil {
			return fmt.Errorf("error flushing CSV on close: %w", err)
		}
	}
	return closeFile(l.file)
}
