// Package app wires storage, the workflow engine and the mailbox
// collaborators from a loaded config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"quoteline/internal/analyzer"
	"quoteline/internal/config"
	"quoteline/internal/correlator"
	"quoteline/internal/db"
	"quoteline/internal/engine"
	"quoteline/internal/mailbox"
	"quoteline/internal/migrate"
)

type Options struct {
	Workspace string
	// DSN overrides storage.dsn from the config.
	DSN    string
	Logger *slog.Logger
}

// App holds the wired components. Mailbox and Correlator are nil when the
// mailbox is disabled.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Dialect    db.Dialect
	Engine     *engine.Engine
	Mailbox    *mailbox.Client
	Analyzer   *analyzer.Client
	Correlator *correlator.Correlator
	Logger     *slog.Logger
}

// Open migrates the store and builds the engine. A misconfigured analyzer is
// logged and left out; the quotation then waits for an external analysis.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dsn := opts.DSN
	if dsn == "" {
		dsn = cfg.Storage.DSN
	}
	conn, d, err := db.Open(db.Config{Workspace: opts.Workspace, DSN: dsn})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", d, err)
	}
	if err := migrate.Migrate(conn, d); err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{Config: cfg, DB: conn, Dialect: d, Logger: logger}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 30 * time.Second}
	eopts := engine.Options{Logger: logger}

	if cfg.Mailbox.Enabled {
		a.Mailbox = mailbox.NewClient(mailbox.Options{
			BaseURL:     cfg.Mailbox.BaseURL,
			User:        cfg.Mailbox.User,
			FromAddress: cfg.Mailbox.FromAddress,
			MaxResults:  cfg.Mailbox.MaxResults,
			HTTPClient:  httpClient,
			Tokens:      mailbox.EnvToken(cfg.Mailbox.TokenEnv),
			Logger:      logger.With("component", "mailbox"),
		})
		eopts.Sender = a.Mailbox
	}
	if cfg.Analyzer.URL != "" {
		client := &http.Client{Transport: httpClient.Transport, Timeout: cfg.Analyzer.Timeout}
		an, err := analyzer.New(analyzer.Options{
			URL:        cfg.Analyzer.URL,
			Timeout:    cfg.Analyzer.Timeout,
			HTTPClient: client,
			Logger:     logger.With("component", "analyzer"),
		})
		if err != nil {
			logger.Warn("analyzer disabled", "error", err)
		} else {
			a.Analyzer = an
			eopts.Analyzer = an
		}
	}
	a.Engine = engine.New(conn, d, cfg, eopts)

	if a.Mailbox != nil {
		a.Correlator = &correlator.Correlator{
			Mailbox:  a.Mailbox,
			Workflow: a.Engine,
			Analyze:  a.Analyzer != nil,
			Logger:   logger.With("component", "correlator"),
		}
	}
	return a, nil
}

// Poller returns a poller for the correlator, or nil when the mailbox is off.
func (a *App) Poller() *correlator.Poller {
	if a.Correlator == nil {
		return nil
	}
	return &correlator.Poller{
		Cycler:       a.Correlator,
		InitialDelay: a.Config.Mailbox.InitialDelay,
		Interval:     a.Config.Mailbox.PollInterval,
		Logger:       a.Logger.With("component", "poller"),
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}
