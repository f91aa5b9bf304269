package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"github.com/surfit-ai/saw-runtime/pkg/config"
	"github.com/surfit-ai/saw-runtime/pkg/engine"
	"github.com/surfit-ai/saw-runtime/pkg/ledger"
	"github.com/surfit-ai/saw-runtime/pkg/llm"
	"github.com/surfit-ai/saw-runtime/pkg/observability"
	"github.com/surfit-ai/saw-runtime/pkg/saws"
	"github.com/surfit-ai/saw-runtime/pkg/store"
	"github.com/surfit-ai/saw-runtime/pkg/tools"
	"github.com/surfit-ai/saw-runtime/pkg/waves"
)

// deps is everything a subcommand needs, opened against the configured
// database.
type deps struct {
	cfg     *config.Config
	db      *sql.DB
	ledger  *ledger.SQLLedger
	store   *store.Store
	service *waves.Service
}

// cliAllowlist authorizes the local operator for every installed SAW.
func cliAllowlist(agentID string) map[string]map[string]bool {
	grants := make(map[string]bool, len(saws.Catalog()))
	for id := range saws.Catalog() {
		grants[id] = true
	}
	return map[string]map[string]bool{agentID: grants}
}

func openDeps(ctx context.Context, stderr io.Writer, agentID string) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	observability.SetDefault(logger)

	db, err := sql.Open(cfg.DriverName(), cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Driver == config.DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	dialect := ledger.DialectSQLite
	if cfg.Driver == config.DriverPostgres {
		dialect = ledger.DialectPostgres
	}
	led := ledger.NewSQLLedger(db, dialect)
	if err := led.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := store.New(db, dialect)
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	eng := engine.New(led, st, tools.Builtin(),
		engine.WithRecorder(llm.NewRecorder(st)),
		engine.WithLogger(logger))
	svc := waves.New(eng, st, led, saws.Catalog(), cliAllowlist(agentID),
		waves.WithSandbox(cfg.DataDir, cfg.OutputDir),
		waves.WithMaxRuntime(cfg.MaxWaveRuntime),
		waves.WithRateLimit(rate.Limit(cfg.RatePerAgent), cfg.RateBurst),
		waves.WithLogger(logger))

	return &deps{cfg: cfg, db: db, ledger: led, store: st, service: svc}, nil
}

func (d *deps) close() { _ = d.db.Close() }
