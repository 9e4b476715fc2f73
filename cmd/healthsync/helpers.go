package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unifiedhealth/healthsync"
)

// stateStore is the storage a session owns: SQLite on disk, Redis for a
// redis:// URL, or MySQL for a mysql:// DSN.
type stateStore interface {
	healthsync.Storage
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// session is an App opened from the CLI config, plus the storage it owns.
type session struct {
	cfg     *Config
	app     *healthsync.App
	storage stateStore
	log     *logrus.Logger
}

// openSession builds an App over the on-disk state database. Refreshed
// tokens are written back to the config file.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.AccessToken == "" {
		return nil, errors.New("no access token; run 'healthsync init <access-token>' first")
	}

	log := healthsync.NewLogger(os.Stderr, valueOrDefault(cfg.Default.LogLevel, "warn"))

	storage, err := openStateStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	libCfg := cfg.libraryConfig()
	refresher := healthsync.NewAPIClient(nil, healthsync.WithBaseURL(valueOrDefault(libCfg.BaseURL, healthsync.DefaultBaseURL)))
	auth := healthsync.NewTokenAuth(healthsync.Tokens{
		AccessToken:  cfg.Auth.AccessToken,
		RefreshToken: cfg.Auth.RefreshToken,
	}, refresher.RefreshTokens)
	auth.OnRefresh(func(t healthsync.Tokens) {
		file, err := readConfigFile()
		if err != nil {
			log.WithError(err).Warn("persist refreshed tokens")
			return
		}
		file.Auth.AccessToken, file.Auth.RefreshToken = t.AccessToken, t.RefreshToken
		if err := saveConfig(file); err != nil {
			log.WithError(err).Warn("persist refreshed tokens")
		}
	})

	app, err := healthsync.NewApp(ctx, healthsync.AppOptions{
		Config:  libCfg,
		Storage: storage,
		Auth:    auth,
		Logger:  log,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}
	return &session{cfg: cfg, app: app, storage: storage, log: log}, nil
}

// probe updates the session's connectivity from the API health endpoint.
func (s *session) probe(ctx context.Context) bool {
	prober := healthsync.NewHTTPProber(s.app.API.BaseURL())
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	online, err := prober.Probe(pctx)
	if err != nil {
		s.log.WithError(err).Debug("connectivity probe failed")
		return s.app.Network.IsOnline()
	}
	s.app.Network.Update(online)
	return online
}

func (s *session) Close() {
	s.app.Dispose()
	if err := s.storage.Close(); err != nil {
		s.log.WithError(err).Warn("close state storage")
	}
}

func openStateStore(ctx context.Context, cfg *Config) (stateStore, error) {
	statePath, err := resolveStatePath(cfg)
	if err != nil {
		return nil, err
	}
	if isRedisURL(statePath) {
		return healthsync.OpenRedisStorage(ctx, statePath, "healthsync")
	}
	if dsn, ok := strings.CutPrefix(statePath, "mysql://"); ok {
		return healthsync.OpenMySQLStorage(ctx, dsn)
	}
	return healthsync.OpenSQLiteStorage(ctx, statePath)
}

func isRedisURL(path string) bool {
	return strings.HasPrefix(path, "redis://") || strings.HasPrefix(path, "rediss://")
}

func resolveStatePath(cfg *Config) (string, error) {
	if cfg.Default.StatePath != "" {
		return cfg.Default.StatePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
