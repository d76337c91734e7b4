package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL  string
	initUsername string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Chat server base URL")
	initCmd.Flags().StringVar(&initUsername, "username", "", "Display name of the signed-in user")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your access token. The user id and expiry are read from the token when it is a JWT.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// a new token may belong to someone else
		cfg.Auth.UserID = ""
		applyToken(cfg, token)
		if initUsername != "" {
			cfg.Auth.Username = initUsername
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("Token is not a JWT; set the user id with 'chatsync config set auth.user_id <id>'.")
		}
		return nil
	},
}
