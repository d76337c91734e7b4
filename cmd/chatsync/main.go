package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL            string `toml:"base_url"`
	LogLevel           string `toml:"log_level"`
	NotificationWindow int    `toml:"notification_window,omitempty"`
}

// ConfigAuth holds the access token and the identity it belongs to.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	Username     string `toml:"username"`
	TokenExpires string `toml:"token_expires"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
// CHATSYNC_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file as stored on disk.
// If the file does not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies CHATSYNC_* overrides from
// the environment (and a .env file in the working directory, if any).
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"CHATSYNC_BASE_URL", &cfg.Default.BaseURL},
		{"CHATSYNC_LOG_LEVEL", &cfg.Default.LogLevel},
		{"CHATSYNC_TOKEN", &cfg.Auth.Token},
		{"CHATSYNC_USER_ID", &cfg.Auth.UserID},
		{"CHATSYNC_USERNAME", &cfg.Auth.Username},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.dst = v
		}
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Chat sync client CLI",
	Long:          "Command-line client for the chat server.\nRead conversations and notifications, send and delete messages, and follow push events.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error, off")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "Human-readable log output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
