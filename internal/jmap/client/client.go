// Package client wraps one authenticated JMAP session: session discovery,
// batched method calls, typed mailbox and email operations, blob transfer,
// a keep-alive loop and polling-based change notification.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/common/ratelimit"
	"jmapmail/internal/common/security"
	"jmapmail/internal/common/validation"
	"jmapmail/internal/jmap/protocol"
)

// Authentication methods.
const (
	AuthAuto   = "auto"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// Defaults for Options.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultPollInterval      = 15 * time.Second
	DefaultMaxPollBackoff    = 5 * time.Minute
	DefaultBodyValueMaxBytes = 256 * 1024
)

// ErrNotConnected is returned by operations issued before Connect.
var ErrNotConnected = errors.New("client not connected")

// Credentials identify the user against one JMAP server.
type Credentials struct {
	ServerURL   string
	Username    string
	Password    string
	AccessToken string
	AuthMethod  string // auto, basic, bearer
}

// Options tune the client. Zero values select the defaults above.
type Options struct {
	HTTPClient        *http.Client
	Timeout           time.Duration
	KeepAliveInterval time.Duration // negative disables keep-alive
	PollInterval      time.Duration
	MaxPollBackoff    time.Duration
	RateLimit         float64 // requests per second, 0 disables
	BodyValueMaxBytes int
	ClientCertificate *tls.Certificate
	SkipVerify        bool
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxPollBackoff <= 0 {
		o.MaxPollBackoff = DefaultMaxPollBackoff
	}
	if o.BodyValueMaxBytes <= 0 {
		o.BodyValueMaxBytes = DefaultBodyValueMaxBytes
	}
	return o
}

// Client is safe for concurrent use.
type Client struct {
	creds   Credentials
	opts    Options
	http    *http.Client
	limiter *ratelimit.Limiter
	log     *slog.Logger

	mu        sync.RWMutex
	session   *protocol.Session
	accountId protocol.Id
	tlsState  *tls.ConnectionState

	kaMu   sync.Mutex
	kaStop chan struct{}
	kaDone chan struct{}
}

// New creates a client. It does not touch the network.
func New(creds Credentials, opts Options) (*Client, error) {
	if err := validation.ValidateServerURL(creds.ServerURL); err != nil {
		return nil, err
	}
	if creds.AuthMethod == "" {
		creds.AuthMethod = AuthAuto
	}
	creds.AuthMethod = strings.ToLower(creds.AuthMethod)
	switch creds.AuthMethod {
	case AuthAuto, AuthBasic, AuthBearer:
	default:
		return nil, fmt.Errorf("invalid auth method: %s (valid: auto, basic, bearer)", creds.AuthMethod)
	}

	opts = opts.withDefaults()
	httpClient := opts.HTTPClient
	if httpClient == nil {
		tlsConfig := &tls.Config{InsecureSkipVerify: opts.SkipVerify}
		if opts.ClientCertificate != nil {
			tlsConfig.Certificates = []tls.Certificate{*opts.ClientCertificate}
		}
		httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
			Timeout:   opts.Timeout,
		}
	}

	limiter := ratelimit.New(opts.RateLimit)
	if limiter.Enabled() {
		logger.LogDebug(opts.Logger, "JMAP request rate limited", "rate", limiter.String())
	}
	return &Client{
		creds:   creds,
		opts:    opts,
		http:    httpClient,
		limiter: limiter,
		log:     opts.Logger,
	}, nil
}

// AuthMethod returns the method that will be used: basic, bearer or none.
func (c *Client) AuthMethod() string {
	if c.creds.AuthMethod == AuthAuto {
		switch {
		case c.creds.AccessToken != "":
			return AuthBearer
		case c.creds.Password != "":
			return AuthBasic
		}
		return "none"
	}
	return c.creds.AuthMethod
}

func (c *Client) addAuth(req *http.Request) {
	switch c.AuthMethod() {
	case AuthBearer:
		if c.creds.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.creds.AccessToken)
		}
	case AuthBasic:
		if c.creds.Username != "" && c.creds.Password != "" {
			req.SetBasicAuth(c.creds.Username, c.creds.Password)
		}
	}
}

// do applies authentication and the rate limit, then sends req.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	c.addAuth(req)
	logger.LogDebug(c.log, "JMAP HTTP request",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"authorization", security.MaskAuthorization(req.Header.Get("Authorization")))
	return c.http.Do(req)
}

// DiscoveryURL returns the well-known session URL for the server.
func (c *Client) DiscoveryURL() string {
	return protocol.DiscoveryURL(c.creds.ServerURL)
}

// Connect fetches the session resource, selects the primary mail account
// and starts the keep-alive loop.
func (c *Client) Connect(ctx context.Context) error {
	if c.AuthMethod() == AuthBearer {
		c.checkToken()
	}
	if err := c.discover(ctx); err != nil {
		return err
	}
	c.startKeepAlive()
	return nil
}

func (c *Client) discover(ctx context.Context) error {
	url := c.DiscoveryURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return &protocol.ConnectionError{Op: "session discovery", Err: err}
	}
	defer resp.Body.Close()
	c.mu.Lock()
	c.tlsState = resp.TLS
	c.mu.Unlock()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &protocol.AuthenticationError{Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &protocol.ConnectionError{Op: "session discovery", Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &protocol.ConnectionError{Op: "session discovery", Err: err}
	}
	session, err := protocol.ParseSession(data)
	if err != nil {
		return protocol.NewMalformedResponseError(err, data)
	}
	if err := session.Validate(); err != nil {
		return protocol.NewMalformedResponseError(err, data)
	}
	accountId, err := session.PrimaryMailAccount()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = session
	c.accountId = accountId
	c.mu.Unlock()

	logger.LogInfo(c.log, "JMAP session established",
		"username", security.MaskEmail(session.Username),
		"account_id", accountId,
		"accounts", session.GetAccountCount())
	return nil
}

// Disconnect stops the keep-alive loop and forgets the session. It is safe
// to call more than once.
func (c *Client) Disconnect() {
	c.stopKeepAlive()
	c.mu.Lock()
	c.session = nil
	c.accountId = ""
	c.mu.Unlock()
}

// Connected reports whether a session is held.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// TLSState returns the TLS state of the last session discovery, or nil
// for plain HTTP or before Connect. It is kept when discovery fails after
// the handshake.
func (c *Client) TLSState() *tls.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tlsState
}

// Session returns the current session, or nil.
func (c *Client) Session() *protocol.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// AccountId returns the primary mail account id.
func (c *Client) AccountId() protocol.Id {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountId
}

// Username returns the session username, falling back to the credential.
func (c *Client) Username() string {
	if s := c.Session(); s != nil && s.Username != "" {
		return s.Username
	}
	return c.creds.Username
}

// account resolves "" to the primary account.
func (c *Client) account(accountId protocol.Id) (protocol.Id, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return "", ErrNotConnected
	}
	if accountId == "" {
		return c.accountId, nil
	}
	return accountId, nil
}

// IsShared reports whether accountId names an account other than the primary.
func (c *Client) IsShared(accountId protocol.Id) bool {
	primary := c.AccountId()
	return accountId != "" && accountId != primary
}

// Request sends calls in one batch and returns the parallel responses. The
// "using" list is derived from the method names.
func (c *Client) Request(ctx context.Context, calls ...protocol.MethodCall) (*protocol.Response, error) {
	session := c.Session()
	if session == nil {
		return nil, ErrNotConnected
	}

	body, err := json.Marshal(protocol.Request{Using: usingFor(calls), MethodCalls: calls})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, session.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, &protocol.ConnectionError{Op: "JMAP request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &protocol.ConnectionError{Op: "JMAP request", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, protocol.NewProtocolError(resp.StatusCode, respBody)
	}

	var response protocol.Response
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, protocol.NewMalformedResponseError(err, respBody)
	}
	if response.SessionState != "" && response.SessionState != session.State {
		logger.LogDebug(c.log, "JMAP session state changed",
			"old", session.State, "new", response.SessionState)
	}
	return &response, nil
}

func usingFor(calls []protocol.MethodCall) []string {
	using := []string{protocol.CoreCapability, protocol.MailCapability}
	var submission, quota bool
	for _, call := range calls {
		switch {
		case strings.HasPrefix(call.Name, "EmailSubmission/"), strings.HasPrefix(call.Name, "Identity/"):
			submission = true
		case strings.HasPrefix(call.Name, "Quota/"):
			quota = true
		}
	}
	if submission {
		using = append(using, protocol.SubmissionCapability)
	}
	if quota {
		using = append(using, protocol.QuotaCapability)
	}
	return using
}

// Echo issues Core/echo. It is the keep-alive ping.
func (c *Client) Echo(ctx context.Context) error {
	resp, err := c.Request(ctx, protocol.MethodCall{
		Name:      protocol.MethodCoreEcho,
		Arguments: map[string]any{"ping": true},
		CallId:    "0",
	})
	if err != nil {
		return err
	}
	var out map[string]any
	return resp.Decode("0", protocol.MethodCoreEcho, &out)
}

// HasSubmission reports whether the session offers email submission.
func (c *Client) HasSubmission() bool {
	s := c.Session()
	return s != nil && s.HasSubmissionCapability()
}

// HasQuota reports whether the session offers the quota capability.
func (c *Client) HasQuota() bool {
	s := c.Session()
	return s != nil && s.HasQuotaCapability()
}

// HasVacationResponse reports whether the session offers vacation responses.
func (c *Client) HasVacationResponse() bool {
	s := c.Session()
	return s != nil && s.HasVacationResponseCapability()
}

// MaxUploadSize returns the server upload limit in bytes, 0 when unknown.
func (c *Client) MaxUploadSize() int64 {
	if s := c.Session(); s != nil {
		return s.MaxUploadSize()
	}
	return 0
}

// MaxCallsInRequest returns the server limit on calls per request, 0 when
// unknown.
func (c *Client) MaxCallsInRequest() int {
	if s := c.Session(); s != nil {
		return s.MaxCallsInRequest()
	}
	return 0
}

// Capabilities returns the negotiated capability URIs, sorted.
func (c *Client) Capabilities() []string {
	if s := c.Session(); s != nil {
		return s.GetCapabilityNames()
	}
	return nil
}
