package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"jmapmail/internal/common/version"
)

// Config holds all configuration for jmaptool.
type Config struct {
	// Connection settings
	Host        string
	Port        int
	Username    string
	Password    string
	AccessToken string

	// Action
	Action string

	// Authentication
	AuthMethod string // auto, basic, bearer

	// TLS settings
	SkipVerify  bool
	PFXPath     string
	PFXPassword string

	// Client tuning
	Timeout      time.Duration
	KeepAlive    time.Duration
	PollInterval time.Duration
	RateLimit    float64

	// Mail operation arguments
	Mailbox   string
	EmailId   string
	ThreadId  string
	Query     string
	Limit     int
	Position  int
	To        string
	Subject   string
	Body      string
	File      string
	Read      bool
	Permanent bool
	Color     string

	// Local state
	PrefsFile   string
	SessionFile string

	// Logging
	VerboseMode bool
	LogLevel    string
	LogFormat   string

	// Other
	ShowVersion bool
}

var validActions = []string{
	"testconnect", "testauth", "getmailboxes", "listemails", "getemail", "getthread", "search",
	"markread", "flag", "move", "delete", "senddraft", "upload", "getquota", "watch",
}

// actionsNeedingEmail take an -emailid.
var actionsNeedingEmail = map[string]bool{
	"getemail": true, "markread": true, "flag": true, "move": true, "delete": true,
}

// NewConfig creates a new Config with sensible default values.
func NewConfig() *Config {
	return &Config{
		Port:         443,
		AuthMethod:   "auto",
		Timeout:      30 * time.Second,
		KeepAlive:    30 * time.Second,
		PollInterval: 15 * time.Second,
		Limit:        20,
		Read:         true,
		LogLevel:     "info",
		LogFormat:    "csv",
	}
}

// parseAndConfigureFlags parses command-line flags and environment variables.
func parseAndConfigureFlags() *Config {
	config := NewConfig()

	// Define flags
	flag.StringVar(&config.Action, "action", "", "Action to perform: "+strings.Join(validActions, ", ")+" (env: JMAPACTION)")
	flag.StringVar(&config.Host, "host", "", "JMAP server hostname or URL (env: JMAPHOST)")
	flag.IntVar(&config.Port, "port", 443, "JMAP server port (default: 443) (env: JMAPPORT)")
	flag.StringVar(&config.Username, "username", "", "Username for authentication (env: JMAPUSERNAME)")
	flag.StringVar(&config.Password, "password", "", "Password for authentication (env: JMAPPASSWORD)")
	flag.StringVar(&config.AccessToken, "accesstoken", "", "Access token for Bearer authentication (env: JMAPACCESSTOKEN)")
	flag.StringVar(&config.AuthMethod, "authmethod", "auto", "Authentication method: auto, basic, bearer (env: JMAPAUTHMETHOD)")
	flag.BoolVar(&config.SkipVerify, "skipverify", false, "Skip TLS certificate verification (env: JMAPSKIPVERIFY)")
	flag.StringVar(&config.PFXPath, "pfx", "", "Client certificate (.pfx/.p12) for mutual TLS (env: JMAPPFX)")
	flag.StringVar(&config.PFXPassword, "pfxpass", "", "Password for the client certificate (env: JMAPPFXPASS)")
	flag.DurationVar(&config.Timeout, "timeout", 30*time.Second, "HTTP request timeout (env: JMAPTIMEOUT)")
	flag.DurationVar(&config.KeepAlive, "keepalive", 30*time.Second, "Keep-alive ping interval, 0 disables (env: JMAPKEEPALIVE)")
	flag.DurationVar(&config.PollInterval, "pollinterval", 15*time.Second, "Change polling interval for watch (env: JMAPPOLLINTERVAL)")
	flag.Float64Var(&config.RateLimit, "ratelimit", 0, "Maximum requests per second, 0 disables (env: JMAPRATELIMIT)")
	flag.StringVar(&config.Mailbox, "mailbox", "", "Mailbox id, or destination for move (env: JMAPMAILBOX)")
	flag.StringVar(&config.EmailId, "emailid", "", "Email id to operate on (env: JMAPEMAILID)")
	flag.StringVar(&config.ThreadId, "threadid", "", "Thread id for getthread (env: JMAPTHREADID)")
	flag.StringVar(&config.Query, "query", "", "Search text (env: JMAPQUERY)")
	flag.IntVar(&config.Limit, "limit", 20, "Page size for listemails and search (env: JMAPLIMIT)")
	flag.IntVar(&config.Position, "position", 0, "Emails to skip before the page (env: JMAPPOSITION)")
	flag.StringVar(&config.To, "to", "", "Comma-separated recipients for senddraft (env: JMAPTO)")
	flag.StringVar(&config.Subject, "subject", "", "Subject for senddraft (env: JMAPSUBJECT)")
	flag.StringVar(&config.Body, "body", "", "Plain text body for senddraft (env: JMAPBODY)")
	flag.StringVar(&config.File, "file", "", "File to upload (env: JMAPFILE)")
	flag.BoolVar(&config.Read, "read", true, "Mark as read (true) or unread (false) (env: JMAPREAD)")
	flag.BoolVar(&config.Permanent, "permanent", false, "Delete permanently instead of moving to trash (env: JMAPPERMANENT)")
	flag.StringVar(&config.Color, "color", "", "Color tag for flag instead of toggling the star: "+colorChoices()+" (env: JMAPCOLOR)")
	flag.StringVar(&config.PrefsFile, "prefs", "", "Preferences file (.yaml, .json) (env: JMAPPREFS)")
	flag.StringVar(&config.SessionFile, "sessionfile", "", "File remembering server and username (env: JMAPSESSIONFILE)")
	flag.BoolVar(&config.VerboseMode, "verbose", false, "Enable verbose output (env: JMAPVERBOSE)")
	flag.StringVar(&config.LogLevel, "loglevel", "info", "Log level: debug, info, warn, error (env: JMAPLOGLEVEL)")
	flag.StringVar(&config.LogFormat, "logformat", "csv", "Log format: csv, json (env: JMAPLOGFORMAT)")
	flag.BoolVar(&config.ShowVersion, "version", false, "Show version information")

	// Custom usage
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "jmaptool - JMAP Mail Tool - Version %s\n\n", version.Get())
		fmt.Fprintf(os.Stderr, "Command-line JMAP mail client for testing servers and managing mail.\n\n")
		fmt.Fprintf(os.Stderr, "Actions:\n")
		fmt.Fprintf(os.Stderr, "  testconnect   Test JMAP server connectivity and discover session\n")
		fmt.Fprintf(os.Stderr, "  testauth      Test authentication\n")
		fmt.Fprintf(os.Stderr, "  getmailboxes  List mailboxes of all accounts\n")
		fmt.Fprintf(os.Stderr, "  listemails    List a page of emails grouped by thread (-mailbox)\n")
		fmt.Fprintf(os.Stderr, "  getemail      Show one email with its security summary (-emailid)\n")
		fmt.Fprintf(os.Stderr, "  getthread     Show every email of a thread (-threadid)\n")
		fmt.Fprintf(os.Stderr, "  search        Full-text search (-query)\n")
		fmt.Fprintf(os.Stderr, "  markread      Mark an email read or unread (-emailid, -read)\n")
		fmt.Fprintf(os.Stderr, "  flag          Toggle the star, or set a color tag (-emailid, -color)\n")
		fmt.Fprintf(os.Stderr, "  move          Move an email (-emailid, -mailbox)\n")
		fmt.Fprintf(os.Stderr, "  delete        Move to trash or destroy (-emailid, -permanent)\n")
		fmt.Fprintf(os.Stderr, "  senddraft     Compose and send an email (-to, -subject, -body)\n")
		fmt.Fprintf(os.Stderr, "  upload        Upload a blob (-file)\n")
		fmt.Fprintf(os.Stderr, "  getquota      Show storage quota\n")
		fmt.Fprintf(os.Stderr, "  watch         Poll for changes and report new mail until interrupted\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables use the JMAP prefix and the flag name in capitals,\n")
		fmt.Fprintf(os.Stderr, "for example JMAPHOST, JMAPUSERNAME, JMAPPASSWORD, JMAPACCESSTOKEN.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  jmaptool -action testconnect -host jmap.fastmail.com\n")
		fmt.Fprintf(os.Stderr, "  jmaptool -action testauth -host jmap.fastmail.com -username user@example.com -accesstoken \"token\"\n")
		fmt.Fprintf(os.Stderr, "  jmaptool -action listemails -host jmap.fastmail.com -username user@example.com -password \"secret\" -limit 10\n")
		fmt.Fprintf(os.Stderr, "  jmaptool -action move -host jmap.fastmail.com -accesstoken \"token\" -emailid M123 -mailbox archive\n")
	}

	flag.Parse()

	// Track which flags were explicitly set via command line
	providedFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		providedFlags[f.Name] = true
	})
	applyEnvironment(config, providedFlags, os.Getenv)
	return config
}

// applyEnvironment fills every option not given on the command line from
// its JMAP* environment variable.
// Note: Using JMAP* prefix (no underscore) for consistency with other tools
func applyEnvironment(config *Config, provided map[string]bool, getenv func(string) string) {
	str := func(name string, dst *string) {
		if !provided[name] {
			if v := getenv("JMAP" + strings.ToUpper(name)); v != "" {
				*dst = v
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if !provided[name] {
			if v := getenv("JMAP" + strings.ToUpper(name)); v != "" {
				*dst = strings.EqualFold(v, "true") || v == "1"
			}
		}
	}
	integer := func(name string, dst *int) {
		if !provided[name] {
			if n, err := strconv.Atoi(getenv("JMAP" + strings.ToUpper(name))); err == nil {
				*dst = n
			}
		}
	}
	duration := func(name string, dst *time.Duration) {
		if !provided[name] {
			if d, err := time.ParseDuration(getenv("JMAP" + strings.ToUpper(name))); err == nil {
				*dst = d
			}
		}
	}

	str("action", &config.Action)
	str("host", &config.Host)
	if !provided["port"] {
		if port, err := strconv.Atoi(getenv("JMAPPORT")); err == nil && port > 0 && port < 65536 {
			config.Port = port
		}
	}
	str("username", &config.Username)
	str("password", &config.Password)
	str("accesstoken", &config.AccessToken)
	str("authmethod", &config.AuthMethod)
	boolean("skipverify", &config.SkipVerify)
	str("pfx", &config.PFXPath)
	str("pfxpass", &config.PFXPassword)
	duration("timeout", &config.Timeout)
	duration("keepalive", &config.KeepAlive)
	duration("pollinterval", &config.PollInterval)
	if !provided["ratelimit"] {
		if r, err := strconv.ParseFloat(getenv("JMAPRATELIMIT"), 64); err == nil {
			config.RateLimit = r
		}
	}
	str("mailbox", &config.Mailbox)
	str("emailid", &config.EmailId)
	str("threadid", &config.ThreadId)
	str("query", &config.Query)
	integer("limit", &config.Limit)
	integer("position", &config.Position)
	str("to", &config.To)
	str("subject", &config.Subject)
	str("body", &config.Body)
	str("file", &config.File)
	boolean("read", &config.Read)
	boolean("permanent", &config.Permanent)
	str("color", &config.Color)
	str("prefs", &config.PrefsFile)
	str("sessionfile", &config.SessionFile)
	boolean("verbose", &config.VerboseMode)
	str("loglevel", &config.LogLevel)
	str("logformat", &config.LogFormat)
}

// validateConfiguration validates the configuration.
func validateConfiguration(config *Config) error {
	// Validate action
	action := strings.ToLower(config.Action)
	if !slices.Contains(validActions, action) {
		return fmt.Errorf("invalid action: %s (valid: %s)", config.Action, strings.Join(validActions, ", "))
	}
	config.Action = action

	// Validate host
	if config.Host == "" {
		return fmt.Errorf("host is required")
	}

	// Validate port
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", config.Port)
	}

	// Validate auth method
	config.AuthMethod = strings.ToLower(config.AuthMethod)
	validAuthMethods := map[string]bool{
		"auto":   true,
		"basic":  true,
		"bearer": true,
	}
	if !validAuthMethods[config.AuthMethod] {
		return fmt.Errorf("invalid auth method: %s (valid: auto, basic, bearer)", config.AuthMethod)
	}

	// Every action but testconnect logs in
	if config.Action != "testconnect" {
		if config.AccessToken == "" && config.Password == "" {
			return fmt.Errorf("either password or accesstoken is required for %s", config.Action)
		}
	}

	if config.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %s (must be positive)", config.Timeout)
	}
	if config.KeepAlive < 0 || config.PollInterval <= 0 {
		return fmt.Errorf("invalid keepalive %s or pollinterval %s", config.KeepAlive, config.PollInterval)
	}
	if config.RateLimit < 0 {
		return fmt.Errorf("invalid ratelimit: %g (must be 0 or more)", config.RateLimit)
	}
	if config.Limit <= 0 || config.Limit > 500 {
		return fmt.Errorf("invalid limit: %d (must be 1-500)", config.Limit)
	}
	if config.Position < 0 {
		return fmt.Errorf("invalid position: %d (must be 0 or more)", config.Position)
	}
	if config.PFXPassword != "" && config.PFXPath == "" {
		return fmt.Errorf("pfxpass given without pfx")
	}

	// Per-action arguments
	if actionsNeedingEmail[config.Action] && config.EmailId == "" {
		return fmt.Errorf("emailid is required for %s", config.Action)
	}
	switch config.Action {
	case "getthread":
		if config.ThreadId == "" {
			return fmt.Errorf("threadid is required for getthread")
		}
	case "search":
		if strings.TrimSpace(config.Query) == "" {
			return fmt.Errorf("query is required for search")
		}
	case "move":
		if config.Mailbox == "" {
			return fmt.Errorf("mailbox is required for move")
		}
	case "senddraft":
		if _, err := parseAddresses(config.To); err != nil {
			return err
		}
	case "upload":
		if config.File == "" {
			return fmt.Errorf("file is required for upload")
		}
	case "flag":
		config.Color = strings.ToLower(config.Color)
		if config.Color != "" && !isColorTag(config.Color) {
			return fmt.Errorf("invalid color: %s (valid: %s)", config.Color, colorChoices())
		}
	}

	// Validate log level
	config.LogLevel = strings.ToLower(config.LogLevel)
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", config.LogLevel)
	}

	// Validate log format
	config.LogFormat = strings.ToLower(config.LogFormat)
	if config.LogFormat != "csv" && config.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s (valid: csv, json)", config.LogFormat)
	}

	return nil
}
