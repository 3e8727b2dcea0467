package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	socialflow "github.com/socialflow/socialflow-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, connect to the configured backend and report the signed-in identity and unread totals.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:     %s\n", valueOrDefault(cfg.Default.Backend, "remote"))
		switch cfg.Default.Backend {
		case "postgres":
			fmt.Printf("  Database:    %s\n", valueOrDefault(cfg.Default.DatabaseURL, "(not set)"))
		case "memory":
		default:
			fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, socialflow.DefaultBaseURL))
		}
		fmt.Printf("  Storage:     %s\n", valueOrDefault(cfg.Default.Storage, "file"))
		fmt.Printf("  Namespace:   %s\n", valueOrDefault(cfg.Default.NamespacePrefix, socialflow.DefaultNamespacePrefix))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		e, sess, err := openSession(ctx, socialflow.Listener{})
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer e.Close()

		ident := sess.Identity()
		contacts, err := sess.Contacts(ctx)
		if err != nil {
			fmt.Printf("  Error listing contacts: %v\n", err)
			return nil
		}
		total := 0
		for _, n := range sess.UnreadCounts() {
			total += n
		}
		fmt.Printf("  Username:    %s\n", socialflow.DisplayName(ident.ID, ident.Username))
		fmt.Printf("  User ID:     %s\n", ident.ID)
		fmt.Printf("  Directory:   %d users\n", len(sess.Directory()))
		fmt.Printf("  Contacts:    %d\n", len(contacts))
		fmt.Printf("  Unread:      %d\n", total)
		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
