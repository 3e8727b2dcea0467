package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBackend string
	initBaseURL string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBackend, "backend", "remote", "Backend: memory, remote or postgres")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Service URL for the remote backend")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.socialflow/config.toml",
	Long:  "Initialize the SocialFlow CLI by storing your access token and backend choice in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if err := setConfigValue(cfg, "default.backend", initBackend); err != nil {
			return err
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Storage == "" {
			cfg.Default.Storage = "file"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
