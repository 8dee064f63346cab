// Package app wires a workspace into a running engine: config, logger,
// database, signing key and cluster provisioner.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"cauldron/internal/config"
	"cauldron/internal/db"
	"cauldron/internal/engine"
	"cauldron/internal/logging"
	"cauldron/internal/migrate"
	"cauldron/internal/provision"
)

type App struct {
	Workspace string
	Config    *config.Config
	Log       *zap.Logger
	DB        *sql.DB
	Engine    engine.Engine
	JWTSecret string
}

// Open loads <workspace>/cauldron.yml (defaults when absent), migrates the
// database and builds the engine. Relative paths in the config resolve
// against the workspace.
func Open(ctx context.Context, workspace string) (*App, error) {
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.LoadOptional(config.Path(workspace))
	if err != nil {
		return nil, err
	}
	cfg.Database.Path = resolve(workspace, cfg.Database.Path)
	cfg.JWT.KeyFile = resolve(workspace, cfg.JWT.KeyFile)
	cfg.Logs.Root = resolve(workspace, cfg.Logs.Root)

	log, err := logging.New(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	conn, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	secret, err := LoadOrCreateKey(cfg.JWT.KeyFile)
	if err != nil {
		conn.Close()
		return nil, err
	}
	cluster := &provision.Cluster{
		SearchURL:     cfg.SearchURL(),
		DashboardsURL: cfg.DashboardsURL(),
		User:          cfg.Search.AdminUser,
		Password:      cfg.Search.AdminPassword,
	}
	prov := provision.New(cluster, cfg.Search.MetadataIndex, cfg.Provisioner.Attempts, cfg.Provisioner.BaseDelay, log.Named("provision"))
	return &App{
		Workspace: workspace,
		Config:    cfg,
		Log:       log,
		DB:        conn,
		Engine:    engine.New(conn, cfg, prov, log.Named("engine")),
		JWTSecret: secret,
	}, nil
}

func (a *App) Close() error {
	_ = a.Log.Sync()
	return a.DB.Close()
}

// LoadOrCreateKey returns the hex signing key stored at path, generating a
// 32-byte key on first use.
func LoadOrCreateKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("jwt key file %s is empty", path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	key := hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write jwt key: %w", err)
	}
	return key, nil
}

func resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
