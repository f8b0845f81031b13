package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/common/security"
	"jmapmail/internal/jmap/client"
	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/session"
)

// testAuth tests JMAP authentication.
func testAuth(ctx context.Context, config *Config, csvLogger logger.Logger, slogLogger *slog.Logger) error {
	discoveryURL := protocol.DiscoveryURL(serverURL(config))
	fmt.Printf("Testing JMAP authentication to %s...\n", config.Host)
	fmt.Printf("Discovery URL: %s\n", discoveryURL)

	// CSV columns for testauth
	columns := []string{"Action", "Status", "Server", "Port", "Username", "Auth_Method", "API_URL", "Accounts", "Error_Category", "Error"}
	if shouldWrite, _ := csvLogger.ShouldWriteHeader(); shouldWrite {
		_ = csvLogger.WriteHeader(columns)
	}

	maskedUser := security.MaskUsername(config.Username)
	fmt.Printf("Username: %s\n", config.Username)
	fmt.Printf("Auth method: %s\n", config.AuthMethod)
	if config.AccessToken != "" {
		fmt.Printf("Access token: %s\n", security.MaskAccessToken(config.AccessToken))
		if info, err := client.InspectToken(config.AccessToken); err == nil {
			fmt.Printf("  Token subject: %s\n", info.Subject)
			if !info.ExpiresAt.IsZero() {
				fmt.Printf("  Token expires: %s\n", info.ExpiresAt.Format(time.RFC3339))
			}
		}
	}

	s, err := login(ctx, config, slogLogger)
	if err != nil {
		category := session.ClassifyLoginError(err)
		var le *session.LoginError
		if errors.As(err, &le) {
			category = le.Category
		}
		logger.LogError(slogLogger, "JMAP authentication failed",
			"error", err,
			"host", config.Host,
			"username", maskedUser,
			"auth_method", config.AuthMethod,
			"category", category)

		_ = csvLogger.WriteRow([]string{
			config.Action, "FAILURE", config.Host, fmt.Sprintf("%d", config.Port),
			maskedUser, config.AuthMethod, "", "", string(category), err.Error(),
		})
		return fmt.Errorf("JMAP authentication failed: %w", err)
	}
	defer s.Logout()

	c := s.Client()
	info := c.Session()
	authMethod := c.AuthMethod()

	fmt.Println("✓ Authentication successful")
	fmt.Printf("\nSession Information:\n")
	fmt.Printf("  API URL:      %s\n", info.APIURL)
	fmt.Printf("  Username:     %s\n", info.Username)
	fmt.Printf("  Accounts:     %d\n", info.GetAccountCount())

	// Display capabilities
	caps := info.GetCapabilityNames()
	fmt.Printf("  Capabilities: %d\n", len(caps))

	// Check for mail capability
	if info.HasMailCapability() {
		fmt.Println("  ✓ Mail capability supported")
	}
	if c.HasSubmission() {
		fmt.Println("  ✓ Submission capability supported")
	}
	if c.HasQuota() {
		fmt.Println("  ✓ Quota capability supported")
	}
	if c.HasVacationResponse() {
		fmt.Println("  ✓ Vacation response capability supported")
	}

	// Display accounts
	if info.GetAccountCount() > 0 {
		fmt.Printf("\nAccounts:\n")
		for _, id := range info.AccountIds() {
			account := info.Accounts[id]
			fmt.Printf("  %s: %s", id, account.Name)
			if account.IsPersonal {
				fmt.Printf(" (personal)")
			}
			if account.IsReadOnly {
				fmt.Printf(" (read-only)")
			}
			fmt.Println()
		}
	}

	fmt.Printf("\nPrimary mail account: %s\n", c.AccountId())
	if alive := s.CheckSession(ctx); !alive {
		fmt.Println("⚠ Session established but the API did not answer an echo call")
	}
	if config.SessionFile != "" {
		fmt.Printf("Remembered %s in %s\n", s.Identity().ServerURL, config.SessionFile)
	}

	// Log success to CSV
	_ = csvLogger.WriteRow([]string{
		config.Action, "SUCCESS", config.Host, fmt.Sprintf("%d", config.Port),
		maskedUser, authMethod, info.APIURL,
		fmt.Sprintf("%d", info.GetAccountCount()), "", "",
	})

	logger.LogInfo(slogLogger, "JMAP authentication test completed",
		"host", config.Host,
		"username", maskedUser,
		"auth_method", authMethod,
		"accounts", info.GetAccountCount(),
		"has_mail", info.HasMailCapability())

	fmt.Println("\n✓ JMAP authentication test completed")
	return nil
}
