package main

import (
	"context"
	"fmt"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check whether the token is expired, and try both push hubs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "present (opaque)"
			if info, ok := chatsync.InspectToken(cfg.Auth.Token); ok {
				switch {
				case info.ExpiresAt.IsZero():
					tokenStatus = "present (no expiry set)"
				case time.Now().Before(info.ExpiresAt):
					tokenStatus = fmt.Sprintf("valid (expires %s)", info.ExpiresAt.Format(time.RFC3339))
				default:
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", info.ExpiresAt.Format(time.RFC3339))
				}
			}
			fmt.Printf("  Token:       %s %s\n", maskKey(cfg.Auth.Token), tokenStatus)
		} else {
			fmt.Printf("  Token:       %s\n", tokenStatus)
		}

		if cfg.Auth.Token == "" || cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		log := cliLogger(cfg)
		s := newSession(cfg, log)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		defer s.Logout(context.Background())

		if err := login(ctx, s, cfg); err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		for _, hub := range []chatsync.Hub{chatsync.MessageHub, chatsync.NotificationHub} {
			fmt.Printf("  %-14s %s\n", hub.Name+" hub:", s.HubState(hub.Name))
		}
		if n, err := s.Notifications().LoadUnreadCount(ctx); err == nil {
			fmt.Printf("  Unread:        %d\n", n)
		} else {
			fmt.Printf("  Unread:        error: %v\n", err)
		}
		if chats, err := s.Messages().LoadConversations(ctx); err == nil {
			fmt.Printf("  Conversations: %d\n", len(chats))
		}
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 16 {
		return key[:min(4, len(key))] + "..."
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
