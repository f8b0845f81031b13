package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strings"

	"jmapmail/internal/jmap/client"
	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/mailstore"
	"jmapmail/internal/prefs"
	"jmapmail/internal/session"
)

// serverURL turns -host and -port into a base URL. A host given as a URL is
// used as is.
func serverURL(config *Config) string {
	host := strings.TrimSuffix(config.Host, "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	if config.Port == 443 {
		return "https://" + host
	}
	return fmt.Sprintf("https://%s:%d", host, config.Port)
}

func credentials(config *Config) client.Credentials {
	return client.Credentials{
		ServerURL:   serverURL(config),
		Username:    config.Username,
		Password:    config.Password,
		AccessToken: config.AccessToken,
		AuthMethod:  config.AuthMethod,
	}
}

func clientOptions(config *Config, slogLogger *slog.Logger) (client.Options, error) {
	opts := client.Options{
		Timeout:           config.Timeout,
		KeepAliveInterval: config.KeepAlive,
		PollInterval:      config.PollInterval,
		RateLimit:         config.RateLimit,
		SkipVerify:        config.SkipVerify,
		Logger:            slogLogger,
	}
	if config.KeepAlive == 0 {
		opts.KeepAliveInterval = -1
	}
	if config.PFXPath != "" {
		cert, err := client.LoadClientCertificate(config.PFXPath, config.PFXPassword)
		if err != nil {
			return opts, err
		}
		opts.ClientCertificate = cert
	}
	return opts, nil
}

// newClient builds an unconnected client from the configuration.
func newClient(config *Config, slogLogger *slog.Logger) (*client.Client, error) {
	opts, err := clientOptions(config, slogLogger)
	if err != nil {
		return nil, err
	}
	return client.New(credentials(config), opts)
}

// login opens a session. The caller must Logout when done.
func login(ctx context.Context, config *Config, slogLogger *slog.Logger) (*session.MailSession, error) {
	opts, err := clientOptions(config, slogLogger)
	if err != nil {
		return nil, err
	}
	var store session.Store
	if config.SessionFile != "" {
		fs, err := session.NewFileStore(config.SessionFile)
		if err != nil {
			return nil, err
		}
		store = fs
	}
	s := session.New(session.Options{Client: opts, Store: store, Logger: slogLogger})
	if err := s.Login(ctx, credentials(config)); err != nil {
		return nil, err
	}
	return s, nil
}

// loadPrefs reads -prefs, or the defaults, and applies the action flags
// that override a preference.
func loadPrefs(config *Config) (*prefs.Store, error) {
	var (
		store *prefs.Store
		err   error
	)
	if config.PrefsFile != "" {
		store, err = prefs.Load(config.PrefsFile)
	} else {
		store, err = prefs.NewStore(prefs.Defaults())
	}
	if err != nil {
		return nil, err
	}
	p := store.Get()
	p.PageSize = config.Limit
	if config.Permanent {
		p.DeleteAction = prefs.DeletePermanent
	}
	// The tool exits right after an action, so a delayed mark-as-read would
	// never fire.
	p.MarkAsReadDelayMs = prefs.NeverMarkAsRead
	if err := store.Set(p); err != nil {
		return nil, err
	}
	return store, nil
}

// openStore logs in and loads the mail store with -mailbox selected, or the
// inbox when none is given. Logging out disposes the store.
func openStore(ctx context.Context, config *Config, slogLogger *slog.Logger, onNewMail func(protocol.Email)) (*mailstore.MailProjection, *session.MailSession, error) {
	s, err := login(ctx, config, slogLogger)
	if err != nil {
		return nil, nil, err
	}
	p, err := loadPrefs(config)
	if err != nil {
		s.Logout()
		return nil, nil, err
	}
	m := mailstore.New(s.Client(), p, mailstore.Options{Logger: slogLogger, OnNewMail: onNewMail})
	s.OnLogout(m.Dispose)
	m.Init(ctx)
	if err := m.Err(); err != nil {
		s.Logout()
		return nil, nil, err
	}
	if config.Mailbox != "" && config.Action != "move" && m.Snapshot().SelectedMailbox != protocol.Id(config.Mailbox) {
		if err := m.SelectMailbox(ctx, protocol.Id(config.Mailbox)); err != nil {
			s.Logout()
			return nil, nil, err
		}
	}
	return m, s, nil
}

// ensureLoaded pages through the selected mailbox until id is on the page.
func ensureLoaded(ctx context.Context, m *mailstore.MailProjection, id protocol.Id) error {
	for {
		if _, ok := m.Email(id); ok {
			return nil
		}
		snap := m.Snapshot()
		if !snap.HasMore {
			return fmt.Errorf("email %s not found in %s", id, snap.SelectedMailbox)
		}
		before := len(snap.Emails)
		m.LoadMoreEmails(ctx)
		if len(m.Snapshot().Emails) == before {
			return fmt.Errorf("email %s not found in %s", id, snap.SelectedMailbox)
		}
	}
}

// parseAddresses parses a comma-separated recipient list.
func parseAddresses(list string) ([]protocol.EmailAddress, error) {
	if strings.TrimSpace(list) == "" {
		return nil, fmt.Errorf("at least one recipient is required (-to)")
	}
	parsed, err := mail.ParseAddressList(list)
	if err != nil {
		return nil, fmt.Errorf("invalid recipients %q: %w", list, err)
	}
	out := make([]protocol.EmailAddress, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, protocol.EmailAddress{Name: a.Name, Email: a.Address})
	}
	return out, nil
}

func isColorTag(color string) bool {
	return slices.Contains(mailstore.ColorTags, color)
}

func colorChoices() string {
	return strings.Join(mailstore.ColorTags, ", ")
}

func formatAddresses(list []protocol.EmailAddress) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Email))
		} else {
			parts = append(parts, a.Email)
		}
	}
	return strings.Join(parts, ", ")
}

func roleOf(mb protocol.Mailbox) string {
	if mb.Role != nil && *mb.Role != "" {
		return *mb.Role
	}
	return "-"
}
