package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"governor/internal/config"
	"governor/internal/db"
	"governor/internal/engine"
	"governor/internal/governance"
	"governor/internal/migrate"
)

// Context is an opened workspace: migrated database, loaded config and an
// engine wired to both.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Log       *zap.Logger
	Registry  *prometheus.Registry
}

// Options tune Open.
type Options struct {
	Log *zap.Logger
	// RequireConfig fails when governor.yml is missing instead of using defaults.
	RequireConfig bool
}

// Open prepares the workspace directory, runs pending migrations and loads
// governor.yml (or the defaults when absent and not required).
func Open(ctx context.Context, workspace string, opts Options) (*Context, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	load := config.LoadOptional
	if opts.RequireConfig {
		load = config.Load
	}
	cfg, err := load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	reg := prometheus.NewRegistry()
	eng := engine.New(conn, cfg)
	eng.Log = log.Named("engine")
	eng.Metrics = governance.NewMetrics(reg)
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    eng,
		Log:       log,
		Registry:  reg,
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

// Service returns the governance loop with this workspace's logger and metrics.
func (c *Context) Service() *governance.Service {
	eng := c.Engine
	eng.Log = c.Log.Named("governance")
	return eng.Service()
}
