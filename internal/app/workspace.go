package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"adpilot/internal/agent"
	"adpilot/internal/config"
	"adpilot/internal/db"
	"adpilot/internal/detect"
	"adpilot/internal/engine"
	"adpilot/internal/migrate"
	"adpilot/internal/rulegen"
)

// Options control how a workspace is opened.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/adpilot.yml.
	ConfigPath string
	// AgentURL overrides agent.base_url from the config file.
	AgentURL string
	// SkipGenerator leaves the engine without a rule generator even when an
	// API key is present.
	SkipGenerator bool
	Log           *slog.Logger
}

// Workspace is an open database, its config and the engine wired from both.
type Workspace struct {
	Dir     string
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	closers []func() error
}

// Open loads the config (defaults when the file is missing), opens and
// migrates the database and wires the agent client and the rule generator.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.AgentURL != "" {
		cfg.Agent.BaseURL = opts.AgentURL
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	w := &Workspace{Dir: opts.Workspace, DB: conn, Config: cfg}
	w.closers = append(w.closers, conn.Close)

	e := engine.New(conn, cfg)
	e.Log = log
	e.Detectors = detect.New(log)
	if client := NewAgent(cfg, log); client != nil {
		e.Agent = client
	}
	if !opts.SkipGenerator {
		gen, err := NewGenerator(ctx, cfg, log)
		if err != nil {
			log.Warn("rule generator disabled", "err", err)
		} else if gen != nil {
			e.Generator = gen
			w.closers = append(w.closers, gen.Close)
		}
	}
	w.Engine = e
	return w, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// NewAgent builds the agent client from the config. It returns nil when no
// base URL is configured.
func NewAgent(cfg *config.Config, log *slog.Logger) *agent.Client {
	base := strings.TrimSpace(cfg.Agent.BaseURL)
	if base == "" {
		return nil
	}
	c := agent.New(base, cfg.AgentToken())
	c.ReadTimeout = cfg.ReadTimeout()
	c.WriteTimeout = cfg.WriteTimeout()
	c.MinorUnits = cfg.MinorUnits()
	c.Log = log
	return c
}

// NewGenerator connects the configured language model. It returns nil, nil
// when no API key is set.
func NewGenerator(ctx context.Context, cfg *config.Config, log *slog.Logger) (*rulegen.Generator, error) {
	key := cfg.GeneratorAPIKey()
	if key == "" {
		return nil, nil
	}
	gen, err := rulegen.NewGemini(ctx, key, cfg.Generator.Model)
	if err != nil {
		return nil, err
	}
	gen.Log = log
	return gen, nil
}

// Close releases the generator client and the database.
func (w *Workspace) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
