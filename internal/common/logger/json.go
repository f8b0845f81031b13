package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// JSONLogger writes one JSON object per row, keyed by the header columns.
type JSONLogger struct {
	file    *os.File
	writer  *bufio.Writer
	columns []string
	flush   flushPolicy
}

// NewJSONLogger opens the JSON Lines audit file for a tool action.
func NewJSONLogger(toolName, action string) (*JSONLogger, error) {
	file, err := openAudit(toolName, action, "jsonl")
	if err != nil {
		return nil, err
	}
	return &JSONLogger{
		file:   file,
		writer: bufio.NewWriter(file),
		flush:  flushPolicy{lastFlush: time.Now()},
	}, nil
}

// WriteHeader records the column names used as keys for later rows.
// Nothing is written to the file.
func (l *JSONLogger) WriteHeader(columns []string) error {
	l.columns = append([]string(nil), columns...)
	return nil
}

// WriteRow writes a row as a JSON object with a "timestamp" field.
func (l *JSONLogger) WriteRow(row []string) error {
	if l.writer == nil {
		return fmt.Errorf("JSON writer is closed")
	}
	if l.columns == nil {
		return fmt.Errorf("WriteHeader must be called before WriteRow")
	}
	if len(row) != len(l.columns) {
		return fmt.Errorf("row has %d values, header has %d columns", len(row), len(l.columns))
	}

	obj := make(map[string]string, len(row)+1)
	obj["timestamp"] = time.Now().Format(time.RFC3339)
	for i, col := range l.columns {
		obj[col] = row[i]
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode JSON row: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write JSON row: %w", err)
	}
	if l.flush.wrote() {
		if err := l.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush JSON log: %w", err)
		}
	}
	return nil
}

// ShouldWriteHeader reports whether the file is empty. The JSON format has
// no header line but callers use the same flow as for CSV.
func (l *JSONLogger) ShouldWriteHeader() (bool, error) {
	return isEmpty(l.file)
}

// Close flushes buffered rows and closes the file. Safe to call twice.
func (l *JSONLogger) Close() error {
	if l.writer != nil {
		err := l.writer.Flush()
		l.writer = nil
		if err != nil {
			return fmt.Errorf("error flushing JSON log on close: %w", err)
		}
	}
	return closeFile(l.file)
}
