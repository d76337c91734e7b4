package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/rs/zerolog"
)

// requestTimeout bounds one-shot commands.
const requestTimeout = 15 * time.Second

// mustConfig loads the config and exits when no token is configured.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No access token. Run 'chatsync init <token>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No server URL. Run 'chatsync config set default.base_url <url>' first.")
		os.Exit(1)
	}
	return cfg
}

func cliLogger(cfg *Config) zerolog.Logger {
	level := logLevel
	if level == "" {
		level = cfg.Default.LogLevel
	}
	if level == "" {
		level = "warn"
	}
	return chatsync.NewLogger(level, logPretty)
}

// getClient creates a REST client authenticated with the configured token.
func getClient(cfg *Config, log zerolog.Logger) *chatsync.Client {
	return chatsync.NewClient(chatsync.StaticToken(cfg.Auth.Token),
		chatsync.WithBaseURL(cfg.Default.BaseURL),
		chatsync.WithClientLogger(log))
}

// newSession creates a logged-out session over the configured server.
func newSession(cfg *Config, log zerolog.Logger, opts ...chatsync.Option) *chatsync.Session {
	opts = append([]chatsync.Option{
		chatsync.WithTokenSource(chatsync.StaticToken(cfg.Auth.Token)),
		chatsync.WithLogger(log),
		chatsync.WithNotifier(chatsync.LogNotifier{Log: log}),
	}, opts...)
	return chatsync.NewSession(chatsync.Config{
		BaseURL:            cfg.Default.BaseURL,
		NotificationWindow: cfg.Default.NotificationWindow,
	}, getClient(cfg, log), opts...)
}

func identity(cfg *Config) chatsync.Identity {
	return chatsync.Identity{UserID: chatsync.ID(cfg.Auth.UserID), Name: cfg.Auth.Username}
}

// login signs the session in and waits briefly for the message hub, so
// sends can go over the push connection.
func login(ctx context.Context, s *chatsync.Session, cfg *Config) error {
	if err := s.Login(ctx, identity(cfg)); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.HubState(chatsync.MessageHub.Name) != chatsync.StateConnected {
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
