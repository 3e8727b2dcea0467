package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	socialflow "github.com/socialflow/socialflow-go"
	"github.com/socialflow/socialflow-go/pgbackend"
	"github.com/socialflow/socialflow-go/redisstore"
)

// env is everything a command needs to run a session.
type env struct {
	cfg     *Config
	logger  *zap.Logger
	backend socialflow.Backend
	storage socialflow.Storage
	closers []func()
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	_ = e.logger.Sync()
}

// openEnv loads the config and connects the configured backend and storage.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	e := &env{cfg: cfg, logger: newLogger()}

	backend, closeBackend, err := openBackend(ctx, cfg, e.logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.backend = backend
	e.closers = append(e.closers, closeBackend)

	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.storage = storage
	e.closers = append(e.closers, closeStorage)
	return e, nil
}

func openBackend(ctx context.Context, cfg *Config, logger *zap.Logger) (socialflow.Backend, func(), error) {
	switch cfg.Default.Backend {
	case "", "remote":
		if cfg.Auth.Token == "" {
			return nil, nil, fmt.Errorf("no token; run 'socialflow init <token>' first")
		}
		opts := []socialflow.RemoteOption{socialflow.WithRemoteLogger(logger.Named("remote"))}
		if cfg.Default.BaseURL != "" {
			opts = append(opts, socialflow.WithBaseURL(cfg.Default.BaseURL))
		}
		rb := socialflow.NewRemoteBackend(cfg.Auth.Token, opts...)
		if _, err := rb.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return rb, func() { _ = rb.Close() }, nil

	case "postgres":
		if cfg.Default.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("default.database_url is not set")
		}
		pg, err := pgbackend.Connect(ctx, cfg.Default.DatabaseURL, pgbackend.WithLogger(logger.Named("postgres")))
		if err != nil {
			return nil, nil, err
		}
		who := cfg.Auth.UserID
		if who == "" {
			who = cfg.Auth.Username
		}
		if who != "" {
			if _, err := pg.LoginAs(ctx, who); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		return pg, pg.Close, nil

	case "memory":
		var ident *socialflow.Identity
		if cfg.Auth.UserID != "" {
			ident = &socialflow.Identity{ID: cfg.Auth.UserID, Username: cfg.Auth.Username}
		}
		mb := socialflow.NewMemoryBackend(ident, socialflow.WithMemoryLogger(logger.Named("memory")))
		if ident != nil {
			mb.Seed(socialflow.ResourceUsers, socialflow.Record{"id": ident.ID, "username": ident.Username})
		}
		return mb, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Default.Backend)
}

func openStorage(ctx context.Context, cfg *Config) (socialflow.Storage, func(), error) {
	switch cfg.Default.Storage {
	case "", "file":
		path := cfg.Default.PrefsPath
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "prefs.toml")
		}
		fs, err := socialflow.OpenFileStorage(path)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil

	case "redis":
		if cfg.Default.RedisURL == "" {
			return nil, nil, fmt.Errorf("default.redis_url is not set")
		}
		rs, err := redisstore.Open(ctx, cfg.Default.RedisURL, "")
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil

	case "memory":
		return socialflow.NewMemoryStorage(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage %q", cfg.Default.Storage)
}

// openSession opens the environment and initializes a session on it.
func openSession(ctx context.Context, l socialflow.Listener) (*env, *socialflow.Session, error) {
	e, err := openEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	sess, err := e.startSession(ctx, l)
	if err != nil {
		e.Close()
		return nil, nil, err
	}
	return e, sess, nil
}

func (e *env) startSession(ctx context.Context, l socialflow.Listener) (*socialflow.Session, error) {
	sess := socialflow.NewSession(e.backend, e.storage, &socialflow.SessionOptions{
		NamespacePrefix: e.cfg.Default.NamespacePrefix,
		Logger:          e.logger,
		Listener:        l,
	})
	if err := sess.Init(ctx); err != nil {
		return nil, fmt.Errorf("init session: %w", err)
	}
	e.closers = append(e.closers, sess.Destroy)
	return sess, nil
}

// peerLabel renders a peer for terminal output.
func peerLabel(sess *socialflow.Session, id string) string {
	if e, ok := sess.Lookup(id); ok {
		return fmt.Sprintf("%s (%s)", socialflow.DisplayName(e.ID, e.Username), e.ID)
	}
	return socialflow.DisplayName(id, "") + " (" + id + ")"
}
