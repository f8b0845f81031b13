// Package session owns the login lifecycle: it builds and connects the
// JMAP client, maps login failures to user-facing categories and remembers
// the server URL and username (never the password) between runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/common/retry"
	"jmapmail/internal/common/security"
	"jmapmail/internal/jmap/client"
	"jmapmail/internal/jmap/protocol"
)

// Category is the user-facing class of a login failure.
type Category string

// Login failure categories.
const (
	CategoryInvalidCredentials Category = "invalid_credentials"
	CategoryConnectionFailed   Category = "connection_failed"
	CategoryGeneric            Category = "generic"
)

// ClassifyLoginError maps any login failure to one of the three
// categories.
func ClassifyLoginError(err error) Category {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case protocol.IsAuthenticationError(err):
		return CategoryInvalidCredentials
	case protocol.IsConnectionError(err),
		errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		retry.IsRetryableError(err):
		return CategoryConnectionFailed
	}
	var pe *protocol.ProtocolError
	if errors.As(err, &pe) && retry.IsRetryableStatus(pe.Status) {
		return CategoryConnectionFailed
	}
	return CategoryGeneric
}

// LoginError is returned by Login. Err holds the underlying cause.
type LoginError struct {
	Category Category
	Err      error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed (%s): %v", e.Category, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

// Identity is what survives between runs.
type Identity struct {
	ServerURL string `mapstructure:"server_url"`
	Username  string `mapstructure:"username"`
}

// IsZero reports whether nothing is remembered.
func (i Identity) IsZero() bool { return i.ServerURL == "" && i.Username == "" }

// Store persists an Identity.
type Store interface {
	Load() (Identity, error)
	Save(Identity) error
	Clear() error
}

// Options configure a MailSession.
type Options struct {
	Client client.Options
	// Store may be nil, in which case nothing is remembered.
	Store  Store
	Logger *slog.Logger
}

// MailSession holds at most one connected client.
type MailSession struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	client   *client.Client
	identity Identity
	lastErr  Category
	onLogout []func()
}

// New creates a logged-out session.
func New(opts Options) *MailSession {
	if opts.Client.Logger == nil {
		opts.Client.Logger = opts.Logger
	}
	return &MailSession{opts: opts, log: opts.Logger}
}

// Restore loads the remembered identity so a login form can be prefilled.
// The password is never stored, so the user must log in again.
func (s *MailSession) Restore() (Identity, error) {
	if s.opts.Store == nil {
		return Identity{}, nil
	}
	id, err := s.opts.Store.Load()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to restore session: %w", err)
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	return id, nil
}

// Login connects with creds, replacing any current client. Failures are
// returned as *LoginError.
func (s *MailSession) Login(ctx context.Context, creds client.Credentials) error {
	c, err := client.New(creds, s.opts.Client)
	if err != nil {
		return s.loginFailed(err)
	}
	logger.LogInfo(s.log, "Logging in",
		"server", creds.ServerURL,
		"username", security.MaskUsername(creds.Username),
		"auth", c.AuthMethod())
	if err := c.Connect(ctx); err != nil {
		return s.loginFailed(err)
	}

	id := Identity{ServerURL: strings.TrimRight(creds.ServerURL, "/"), Username: creds.Username}
	if id.Username == "" {
		id.Username = c.Username()
	}

	s.mu.Lock()
	previous := s.client
	s.client = c
	s.identity = id
	s.lastErr = ""
	s.mu.Unlock()
	if previous != nil {
		previous.Disconnect()
	}

	if s.opts.Store != nil {
		if err := s.opts.Store.Save(id); err != nil {
			logger.LogWarn(s.log, "Failed to remember session", "error", err)
		}
	}
	return nil
}

func (s *MailSession) loginFailed(err error) error {
	category := ClassifyLoginError(err)
	s.mu.Lock()
	s.lastErr = category
	s.mu.Unlock()
	logger.LogError(s.log, "Login failed", "category", category, "error", err)
	return &LoginError{Category: category, Err: err}
}

// Logout disconnects the client and runs the logout hooks in registration
// order. The remembered identity is kept. It is safe to call more than once.
func (s *MailSession) Logout() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	hooks := append([]func(){}, s.onLogout...)
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.Disconnect()
	for _, fn := range hooks {
		fn()
	}
	logger.LogInfo(s.log, "Logged out")
}

// Forget logs out and erases the remembered identity.
func (s *MailSession) Forget() error {
	s.Logout()
	s.mu.Lock()
	s.identity = Identity{}
	s.mu.Unlock()
	if s.opts.Store == nil {
		return nil
	}
	return s.opts.Store.Clear()
}

// OnLogout registers fn to run after each logout, such as resetting a
// mail store.
func (s *MailSession) OnLogout(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLogout = append(s.onLogout, fn)
}

// CheckSession reports whether the current client still answers. It does
// not reconnect.
func (s *MailSession) CheckSession(ctx context.Context) bool {
	c := s.Client()
	if c == nil || !c.Connected() {
		return false
	}
	if err := c.Echo(ctx); err != nil {
		logger.LogWarn(s.log, "Session check failed", "error", err)
		return false
	}
	return true
}

// Client returns the connected client, or nil when logged out.
func (s *MailSession) Client() *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// IsAuthenticated reports whether a client is connected.
func (s *MailSession) IsAuthenticated() bool {
	c := s.Client()
	return c != nil && c.Connected()
}

// Identity returns the current or remembered identity.
func (s *MailSession) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// LastError returns the category of the last failed login, or "".
func (s *MailSession) LastError() Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
