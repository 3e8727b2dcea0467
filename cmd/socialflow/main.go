package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.socialflow/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault selects the backend and the preference storage.
type ConfigDefault struct {
	// Backend is "memory", "remote" or "postgres".
	Backend     string `toml:"backend"`
	BaseURL     string `toml:"base_url"`
	DatabaseURL string `toml:"database_url"`
	// Storage is "file", "redis" or "memory".
	Storage         string `toml:"storage"`
	PrefsPath       string `toml:"prefs_path"`
	RedisURL        string `toml:"redis_url"`
	NamespacePrefix string `toml:"namespace_prefix"`
}

// ConfigAuth holds the signed-in account.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.socialflow, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".socialflow")
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

// loadConfig reads and parses the config file, then applies environment
// overrides (a .env file in the working directory is loaded first).
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

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

func applyEnv(cfg *Config) {
	if v := os.Getenv("SOCIALFLOW_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("SOCIALFLOW_DATABASE_URL"); v != "" {
		cfg.Default.DatabaseURL = v
	}
	if v := os.Getenv("SOCIALFLOW_REDIS_URL"); v != "" {
		cfg.Default.RedisURL = v
	}
}

// saveConfig writes the config struct back to disk as TOML. Environment
// overrides are not persisted.
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

// setConfigValue sets a config field using dot notation (e.g. "default.backend").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.backend)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "backend":
			switch value {
			case "memory", "remote", "postgres":
			default:
				return fmt.Errorf("backend must be memory, remote or postgres")
			}
			cfg.Default.Backend = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "database_url":
			cfg.Default.DatabaseURL = value
		case "storage":
			switch value {
			case "file", "redis", "memory":
			default:
				return fmt.Errorf("storage must be file, redis or memory")
			}
			cfg.Default.Storage = value
		case "prefs_path":
			cfg.Default.PrefsPath = value
		case "redis_url":
			cfg.Default.RedisURL = value
		case "namespace_prefix":
			cfg.Default.NamespacePrefix = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "socialflow",
	Short:        "SocialFlow realtime sync CLI",
	Long:         "Command-line interface for the SocialFlow sync layer.\nManage configuration, contacts and unread state, and watch live changes.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// newLogger returns a development logger with --verbose and a production
// logger otherwise.
func newLogger() *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
