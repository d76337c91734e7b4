package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config keys
// ============================================================================

// configField describes one dot-notation key of the config file.
type configField struct {
	env    string // overriding environment variable, if any
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

var configFields = map[string]configField{
	"default.base_url": {
		env: "CHATSYNC_BASE_URL",
		get: func(c *Config) string { return c.Default.BaseURL },
		set: func(c *Config, v string) error {
			if v != "" {
				u, err := url.Parse(v)
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					return fmt.Errorf("base_url must be an http(s) URL")
				}
			}
			c.Default.BaseURL = strings.TrimRight(v, "/")
			return nil
		},
	},
	"default.log_level": {
		env: "CHATSYNC_LOG_LEVEL",
		get: func(c *Config) string { return c.Default.LogLevel },
		set: func(c *Config, v string) error {
			v = strings.ToLower(v)
			switch v {
			case "", "trace", "debug", "info", "warn", "warning", "error", "off", "disabled":
			default:
				return fmt.Errorf("log_level must be one of trace, debug, info, warn, error, off")
			}
			c.Default.LogLevel = v
			return nil
		},
	},
	"default.notification_window": {
		get: func(c *Config) string {
			if c.Default.NotificationWindow == 0 {
				return ""
			}
			return strconv.Itoa(c.Default.NotificationWindow)
		},
		set: func(c *Config, v string) error {
			if v == "" {
				c.Default.NotificationWindow = 0
				return nil
			}
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("notification_window must be a positive integer")
			}
			c.Default.NotificationWindow = n
			return nil
		},
	},
	"auth.token": {
		env:    "CHATSYNC_TOKEN",
		secret: true,
		get:    func(c *Config) string { return c.Auth.Token },
		set: func(c *Config, v string) error {
			applyToken(c, v)
			return nil
		},
	},
	"auth.user_id": {
		env: "CHATSYNC_USER_ID",
		get: func(c *Config) string { return c.Auth.UserID },
		set: func(c *Config, v string) error { c.Auth.UserID = v; return nil },
	},
	"auth.username": {
		env: "CHATSYNC_USERNAME",
		get: func(c *Config) string { return c.Auth.Username },
		set: func(c *Config, v string) error { c.Auth.Username = v; return nil },
	},
	"auth.token_expires": {
		get: func(c *Config) string { return c.Auth.TokenExpires },
		set: func(c *Config, v string) error {
			if v != "" {
				if _, err := time.Parse(time.RFC3339, v); err != nil {
					return fmt.Errorf("token_expires must be an RFC 3339 time")
				}
			}
			c.Auth.TokenExpires = v
			return nil
		},
	},
}

func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lookupField(key string) (configField, error) {
	f, ok := configFields[key]
	if !ok {
		return configField{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(configKeys(), ", "))
	}
	return f, nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	f, err := lookupField(key)
	if err != nil {
		return err
	}
	return f.set(cfg, value)
}

// applyToken stores token and refreshes the identity fields derived from it.
// The user id is only replaced when the token names one.
func applyToken(cfg *Config, token string) {
	cfg.Auth.Token = token
	cfg.Auth.TokenExpires = ""
	info, ok := chatsync.InspectToken(token)
	if !ok {
		return
	}
	if info.Subject != "" {
		cfg.Auth.UserID = info.Subject
	}
	if !info.ExpiresAt.IsZero() {
		cfg.Auth.TokenExpires = info.ExpiresAt.Format(time.RFC3339)
	}
}

// ============================================================================
// Commands
// ============================================================================

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configUnsetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.\nKeys: " + strings.Join(configKeys(), ", "),
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every key with its effective value. Values taken from CHATSYNC_* environment variables are marked; the token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatsync init <token>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		for _, key := range configKeys() {
			f := configFields[key]
			val := f.get(cfg)
			if val != "" && f.secret {
				val = maskKey(val)
			}
			source := ""
			if f.env != "" && strings.TrimSpace(os.Getenv(f.env)) != "" {
				source = "  (from " + f.env + ")"
			}
			fmt.Printf("%-28s %s%s\n", key, valueOrDefault(val, "(not set)"), source)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := lookupField(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Println(f.get(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation. Setting auth.token also refreshes auth.user_id and auth.token_expires from a JWT.\nExample: chatsync config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editConfig(args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editConfig(args[0], "")
	},
}

// editConfig changes one key in the stored file. Environment overrides are
// never written back.
func editConfig(key, value string) error {
	cfg, err := readConfigFile()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	if value == "" {
		fmt.Printf("Unset %s\n", key)
	} else if configFields[key].secret {
		fmt.Printf("Set %s = %s\n", key, maskKey(value))
	} else {
		fmt.Printf("Set %s = %s\n", key, configFields[key].get(cfg))
	}
	return nil
}
