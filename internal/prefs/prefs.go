// Package prefs holds the user preferences the mail store consults: page
// size, mark-as-read delay, delete action, external content policy and
// trusted senders. They are persisted with viper and can be exported to and
// imported from JSON.
package prefs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Preference keys.
const (
	KeyPageSize        = "page_size"
	KeyMarkAsReadDelay = "mark_as_read_delay_ms"
	KeyDeleteAction    = "delete_action"
	KeyExternalContent = "external_content"
	KeyTrustedSenders  = "trusted_senders"
)

// Delete actions.
const (
	DeleteTrash     = "trash"
	DeletePermanent = "permanent"
)

// External content policies.
const (
	ContentBlock = "block"
	ContentAsk   = "ask"
	ContentAllow = "allow"
)

// Bounds and defaults.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500

	// NeverMarkAsRead disables automatic mark-as-read on selection.
	NeverMarkAsRead = -1
)

// Preferences is one complete set of user preferences.
type Preferences struct {
	PageSize          int      `mapstructure:"page_size" json:"page_size"`
	MarkAsReadDelayMs int      `mapstructure:"mark_as_read_delay_ms" json:"mark_as_read_delay_ms"`
	DeleteAction      string   `mapstructure:"delete_action" json:"delete_action"`
	ExternalContent   string   `mapstructure:"external_content" json:"external_content"`
	TrustedSenders    []string `mapstructure:"trusted_senders" json:"trusted_senders"`
}

// Defaults returns the preferences used when nothing is configured.
func Defaults() Preferences {
	return Preferences{
		PageSize:          DefaultPageSize,
		MarkAsReadDelayMs: 0,
		DeleteAction:      DeleteTrash,
		ExternalContent:   ContentAsk,
		TrustedSenders:    []string{},
	}
}

// MarkAsReadDelay returns the delay before a selected email is marked read.
// ok is false when automatic mark-as-read is disabled.
func (p Preferences) MarkAsReadDelay() (delay time.Duration, ok bool) {
	if p.MarkAsReadDelayMs < 0 {
		return 0, false
	}
	return time.Duration(p.MarkAsReadDelayMs) * time.Millisecond, true
}

// PermanentDelete reports whether delete bypasses the trash.
func (p Preferences) PermanentDelete() bool {
	return p.DeleteAction == DeletePermanent
}

// normalize lowercases enum values and cleans the trust list.
func (p *Preferences) normalize() {
	p.DeleteAction = strings.ToLower(strings.TrimSpace(p.DeleteAction))
	p.ExternalContent = strings.ToLower(strings.TrimSpace(p.ExternalContent))
	senders := make([]string, 0, len(p.TrustedSenders))
	seen := make(map[string]bool, len(p.TrustedSenders))
	for _, s := range p.TrustedSenders {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		senders = append(senders, s)
	}
	p.TrustedSenders = senders
}

// Validate checks every field.
func (p Preferences) Validate() error {
	if p.PageSize < 1 || p.PageSize > MaxPageSize {
		return fmt.Errorf("invalid %s: %d (must be 1-%d)", KeyPageSize, p.PageSize, MaxPageSize)
	}
	if p.MarkAsReadDelayMs < NeverMarkAsRead {
		return fmt.Errorf("invalid %s: %d (-1 never, 0 immediately, >0 delay in ms)", KeyMarkAsReadDelay, p.MarkAsReadDelayMs)
	}
	switch p.DeleteAction {
	case DeleteTrash, DeletePermanent:
	default:
		return fmt.Errorf("invalid %s: %q (valid: trash, permanent)", KeyDeleteAction, p.DeleteAction)
	}
	switch p.ExternalContent {
	case ContentBlock, ContentAsk, ContentAllow:
	default:
		return fmt.Errorf("invalid %s: %q (valid: block, ask, allow)", KeyExternalContent, p.ExternalContent)
	}
	for _, s := range p.TrustedSenders {
		if strings.ContainsAny(s, " \t,;") {
			return fmt.Errorf("invalid trusted sender %q", s)
		}
	}
	return nil
}

// Store is a concurrency-safe preference set bound to an optional file.
type Store struct {
	path string

	mu    sync.RWMutex
	prefs Preferences
}

// NewStore returns an in-memory store. Save fails until a path is set with
// Load.
func NewStore(p Preferences) (*Store, error) {
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Store{prefs: p}, nil
}

// DefaultPath returns ~/.config/jmapmail/prefs.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "prefs.yaml")
	}
	return filepath.Join(home, ".config", "jmapmail", "prefs.yaml")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	d := Defaults()
	v.SetDefault(KeyPageSize, d.PageSize)
	v.SetDefault(KeyMarkAsReadDelay, d.MarkAsReadDelayMs)
	v.SetDefault(KeyDeleteAction, d.DeleteAction)
	v.SetDefault(KeyExternalContent, d.ExternalContent)
	v.SetDefault(KeyTrustedSenders, d.TrustedSenders)
	return v
}

// Load reads preferences from path. A missing file yields the defaults. The
// extension (.yaml, .json, .toml) selects the file format.
func Load(path string) (*Store, error) {
	if filepath.Ext(path) == "" {
		return nil, fmt.Errorf("preferences file %q needs an extension such as .yaml or .json", path)
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading preferences %s: %w", path, err)
		}
	}

	p := Defaults()
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("parsing preferences %s: %w", path, err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("preferences %s: %w", path, err)
	}
	return &Store{path: path, prefs: p}, nil
}

// Path returns the backing file, or "" for an in-memory store.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the current preferences.
func (s *Store) Get() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.prefs
	p.TrustedSenders = append([]string{}, s.prefs.TrustedSenders...)
	return p
}

// Set replaces the preferences after validating them.
func (s *Store) Set(p Preferences) error {
	p.normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
	return nil
}

// Save writes the preferences to the store's file, creating parent
// directories if needed.
func (s *Store) Save() error {
	if s.path == "" {
		return errors.New("preferences store has no file")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating preferences directory %s: %w", dir, err)
	}

	p := s.Get()
	v := newViper(s.path)
	v.Set(KeyPageSize, p.PageSize)
	v.Set(KeyMarkAsReadDelay, p.MarkAsReadDelayMs)
	v.Set(KeyDeleteAction, p.DeleteAction)
	v.Set(KeyExternalContent, p.ExternalContent)
	v.Set(KeyTrustedSenders, p.TrustedSenders)
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("writing preferences to %s: %w", s.path, err)
	}
	return nil
}

// ExportJSON returns every preference as a JSON object.
func (s *Store) ExportJSON() ([]byte, error) {
	data, err := json.MarshalIndent(s.Get(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to export preferences: %w", err)
	}
	return data, nil
}

// ImportJSON applies the recognised keys present in data over the current
// preferences. Unknown keys are ignored. Nothing changes when the result
// does not validate.
func (s *Store) ImportJSON(data []byte) error {
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to parse preferences JSON: %w", err)
	}

	p := s.Get()
	if v.IsSet(KeyPageSize) {
		p.PageSize = v.GetInt(KeyPageSize)
	}
	if v.IsSet(KeyMarkAsReadDelay) {
		p.MarkAsReadDelayMs = v.GetInt(KeyMarkAsReadDelay)
	}
	if v.IsSet(KeyDeleteAction) {
		p.DeleteAction = v.GetString(KeyDeleteAction)
	}
	if v.IsSet(KeyExternalContent) {
		p.ExternalContent = v.GetString(KeyExternalContent)
	}
	if v.IsSet(KeyTrustedSenders) {
		p.TrustedSenders = v.GetStringSlice(KeyTrustedSenders)
	}
	if err := s.Set(p); err != nil {
		return fmt.Errorf("failed to import preferences: %w", err)
	}
	return nil
}
