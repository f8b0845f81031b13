package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/session"
)

func TestServerURL(t *testing.T) {
	tests := []struct {
		host     string
		port     int
		expected string
	}{
		{"jmap.example.com", 443, "https://jmap.example.com"},
		{"jmap.example.com", 8443, "https://jmap.example.com:8443"},
		{"https://jmap.example.com/", 8443, "https://jmap.example.com"},
		{"http://localhost:8080", 443, "http://localhost:8080"},
	}

	for _, tt := range tests {
		config := newTestConfig()
		config.Host, config.Port = tt.host, tt.port
		if result := serverURL(config); result != tt.expected {
			t.Errorf("serverURL(%q, %d) = %q, want %q", tt.host, tt.port, result, tt.expected)
		}
	}
}

func TestParseAddresses(t *testing.T) {
	got, err := parseAddresses("Bob <bob@example.com>, carol@example.com")
	if err != nil {
		t.Fatalf("parseAddresses() error = %v", err)
	}
	want := []protocol.EmailAddress{
		{Name: "Bob", Email: "bob@example.com"},
		{Email: "carol@example.com"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseAddresses() mismatch (-want +got):\n%s", diff)
	}
	if formatted := formatAddresses(got); formatted != "Bob <bob@example.com>, carol@example.com" {
		t.Errorf("formatAddresses() = %q", formatted)
	}

	for _, bad := range []string{"", "   ", "bob at example"} {
		if _, err := parseAddresses(bad); err == nil {
			t.Errorf("parseAddresses(%q) error = nil", bad)
		}
	}
}

func TestFlagString(t *testing.T) {
	tests := []struct {
		name     string
		email    protocol.Email
		expected string
	}{
		{"seen", protocol.Email{Keywords: map[string]bool{protocol.KeywordSeen: true}}, ""},
		{"unread", protocol.Email{}, "unread"},
		{"starred with attachment", protocol.Email{
			Keywords:      map[string]bool{protocol.KeywordSeen: true, protocol.KeywordFlagged: true},
			HasAttachment: true,
		}, "starred attachment"},
		{"color tag", protocol.Email{Keywords: map[string]bool{protocol.KeywordSeen: true, "$color:red": true}}, "red"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := flagString(&tt.email); result != tt.expected {
				t.Errorf("flagString() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	config := newTestConfig()
	config.KeepAlive = 0
	config.RateLimit = 3
	opts, err := clientOptions(config, nil)
	if err != nil {
		t.Fatalf("clientOptions() error = %v", err)
	}
	if opts.KeepAliveInterval >= 0 {
		t.Errorf("KeepAliveInterval = %s, want negative to disable", opts.KeepAliveInterval)
	}
	if opts.Timeout != 30*time.Second || opts.RateLimit != 3 {
		t.Errorf("Timeout=%s RateLimit=%g", opts.Timeout, opts.RateLimit)
	}

	config.PFXPath = filepath.Join(t.TempDir(), "missing.pfx")
	if _, err := clientOptions(config, nil); err == nil {
		t.Error("clientOptions() with a missing pfx error = nil")
	}
}

func TestRestoreIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	store, err := session.NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(session.Identity{ServerURL: "https://mail.example.com", Username: "alice@example.com"}); err != nil {
		t.Fatal(err)
	}

	config := NewConfig()
	config.SessionFile = path
	if err := restoreIdentity(config); err != nil {
		t.Fatalf("restoreIdentity() error = %v", err)
	}
	if config.Host != "https://mail.example.com" || config.Username != "alice@example.com" {
		t.Errorf("Host=%q Username=%q after restore", config.Host, config.Username)
	}

	config = NewConfig()
	config.SessionFile = path
	config.Host = "other.example.com"
	if err := restoreIdentity(config); err != nil {
		t.Fatal(err)
	}
	if config.Host != "other.example.com" {
		t.Errorf("Host = %q, want the given host kept", config.Host)
	}
}

func TestExecuteAction_Unknown(t *testing.T) {
	config := newTestConfig()
	config.Action = "nope"
	if err := executeAction(t.Context(), config, nil, nil); err == nil {
		t.Error("executeAction(nope) error = nil")
	}
	for _, action := range validActions {
		if _, ok := actions[action]; !ok {
			t.Errorf("action %q has no handler", action)
		}
	}
}
