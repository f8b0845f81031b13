package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/common/retry"
	"jmapmail/internal/common/tlsinfo"
	"jmapmail/internal/jmap/protocol"
)

// testConnect tests JMAP server connectivity by discovering the session.
// A server that demands credentials counts as reachable.
func testConnect(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	discoveryURL := protocol.DiscoveryURL(serverURL(config))
	fmt.Printf("Testing JMAP connectivity to %s...\n", config.Host)
	fmt.Printf("Discovery URL: %s\n", discoveryURL)

	// CSV columns for testconnect
	columns := []string{"Action", "Status", "Server", "Port", "Discovery_URL", "API_URL", "Capabilities", "Accounts", "Error"}
	if shouldWrite, _ := csvLogger.ShouldWriteHeader(); shouldWrite {
		_ = csvLogger.WriteHeader(columns)
	}

	c, err := newClient(config, slogLogger)
	if err != nil {
		return fmt.Errorf("invalid connection settings: %w", err)
	}
	defer c.Disconnect()

	err = retry.RetryWithBackoff(ctx, slogLogger, 2, time.Second, func() error {
		return c.Connect(ctx)
	})
	printTLS(config, c.TLSState(), slogLogger)
	if protocol.IsAuthenticationError(err) {
		fmt.Println("✓ JMAP server reachable (authentication required)")
		_ = csvLogger.WriteRow([]string{
			config.Action, "AUTH_REQUIRED", config.Host, fmt.Sprintf("%d", config.Port),
			discoveryURL, "", "", "", "",
		})
		logger.LogInfo(slogLogger, "JMAP server requires authentication", "host", config.Host)
		return nil
	}
	if err != nil {
		logger.LogError(slogLogger, "JMAP discovery failed",
			"error", err,
			"host", config.Host)

		_ = csvLogger.WriteRow([]string{
			config.Action, "FAILURE", config.Host, fmt.Sprintf("%d", config.Port),
			discoveryURL, "", "", "", err.Error(),
		})
		return fmt.Errorf("JMAP discovery failed: %w", err)
	}

	session := c.Session()
	fmt.Println("✓ JMAP session discovered successfully")
	fmt.Printf("\nSession Information:\n")
	fmt.Printf("  API URL:      %s\n", session.APIURL)
	fmt.Printf("  Username:     %s\n", session.Username)
	fmt.Printf("  Accounts:     %d\n", session.GetAccountCount())

	// Display capabilities
	caps := session.GetCapabilityNames()
	fmt.Printf("  Capabilities: %d\n", len(caps))
	for _, cap := range caps {
		fmt.Printf("    - %s\n", cap)
	}
	fmt.Printf("  Max upload:   %d bytes\n", c.MaxUploadSize())
	fmt.Printf("  Max calls:    %d per request\n", c.MaxCallsInRequest())

	// Display accounts
	if session.GetAccountCount() > 0 {
		fmt.Printf("\nAccounts:\n")
		for _, id := range session.AccountIds() {
			fmt.Printf("  %s: %s\n", id, session.Accounts[id].Name)
		}
	}

	// Log success to CSV
	_ = csvLogger.WriteRow([]string{
		config.Action, "SUCCESS", config.Host, fmt.Sprintf("%d", config.Port),
		discoveryURL, session.APIURL, strings.Join(caps, "; "),
		fmt.Sprintf("%d", session.GetAccountCount()), "",
	})

	logger.LogInfo(slogLogger, "JMAP connectivity test completed",
		"host", config.Host,
		"api_url", session.APIURL,
		"capabilities", len(caps),
		"accounts", session.GetAccountCount())

	fmt.Println("\n✓ JMAP connectivity test completed")
	return nil
}

// printTLS reports the handshake of the discovery request. Plain HTTP has
// nothing to report.
func printTLS(config *Config, state *tls.ConnectionState, slogLogger *slog.Logger) {
	if state == nil {
		return
	}
	hostname := config.Host
	if u, err := url.Parse(serverURL(config)); err == nil {
		hostname = u.Hostname()
	}
	r := tlsinfo.Analyze(state, hostname, config.SkipVerify, time.Now())

	fmt.Printf("\nTLS:\n")
	fmt.Printf("  Version:      %s\n", r.Version)
	fmt.Printf("  Cipher suite: %s (%s)\n", r.CipherSuite, r.Strength)
	if r.ALPN != "" {
		fmt.Printf("  ALPN:         %s\n", r.ALPN)
	}
	if cert := r.Certificate; cert != nil && cert.Status != tlsinfo.StatusNoCertificates {
		fmt.Printf("  Subject:      %s\n", cert.Subject)
		fmt.Printf("  Issuer:       %s\n", cert.Issuer)
		fmt.Printf("  Valid until:  %s (%d days)\n", cert.NotAfter.Format("2006-01-02"), cert.DaysUntilExpiry)
		fmt.Printf("  Public key:   %s\n", cert.PublicKey)
		fmt.Printf("  Status:       %s\n", cert.Status)
	}
	for _, w := range r.Warnings {
		fmt.Printf("  ⚠ %s\n", w)
		logger.LogWarn(slogLogger, "TLS warning", "host", hostname, "warning", w)
	}
}
