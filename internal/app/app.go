// Package app wires a workspace into a ready engine.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"concord/internal/config"
	"concord/internal/db"
	"concord/internal/engine"
	"concord/internal/engine/auth"
	"concord/internal/metrics"
	"concord/internal/migrate"
)

type Options struct {
	Workspace string
	Logger    *slog.Logger
	// EnforcePermissions swaps the no-op authorizer for permission checks.
	EnforcePermissions bool
	// Metrics enables the prometheus counters.
	Metrics bool
}

// Runtime holds everything opened for a workspace.
type Runtime struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Metrics *metrics.Metrics
}

// Open loads concord.yml (or the defaults), opens and migrates the database
// and builds the engine.
func Open(opts Options) (*Runtime, error) {
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt := &Runtime{DB: conn, Config: cfg}
	if opts.Metrics {
		rt.Metrics = metrics.New()
	}
	e := engine.New(conn, cfg)
	e.Logger = opts.Logger
	e.Metrics = rt.Metrics
	if opts.EnforcePermissions {
		e.Authorizer = auth.PermissionAuthorizer{Repo: e.Repo, Permissions: auth.DefaultActionPermissions()}
	}
	rt.Engine = e
	return rt, nil
}

func (rt *Runtime) Close() error {
	if rt == nil || rt.DB == nil {
		return nil
	}
	return rt.DB.Close()
}
