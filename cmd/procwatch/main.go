// Command procwatch is the procurement-notice ingestion daemon.
//
// Usage:
//
//	procwatch -config procwatch.yaml              # run the pipeline + HTTP API
//	procwatch -config procwatch.yaml -mcp         # serve MCP tools on stdio
//	procwatch -tenant t1 -check-fp <sha256>       # query the dedup ledger and exit
//	procwatch -tenant t1 -stats                   # per-status record counts and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/procwatch/api"
	"github.com/hazyhaar/procwatch/dbopen"
	"github.com/hazyhaar/procwatch/docparse"
	"github.com/hazyhaar/procwatch/dompolicy"
	"github.com/hazyhaar/procwatch/enrich"
	"github.com/hazyhaar/procwatch/extraction"
	"github.com/hazyhaar/procwatch/intake"
	"github.com/hazyhaar/procwatch/ledger"
	"github.com/hazyhaar/procwatch/notify"
	"github.com/hazyhaar/procwatch/opstore"
	"github.com/hazyhaar/procwatch/scrape"
	"github.com/hazyhaar/procwatch/vtq"
)

func main() {
	configPath := flag.String("config", "", "path to procwatch.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	serveMCP := flag.Bool("mcp", false, "serve MCP tools on stdio instead of HTTP")
	tenantID := flag.String("tenant", "", "tenant scope for one-shot modes")
	checkFP := flag.String("check-fp", "", "check a fingerprint against the ledger and exit")
	showStats := flag.Bool("stats", false, "show per-status record counts and exit")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *dbPath, *listen, *logLevel, *tenantID, *checkFP, *showStats, *serveMCP); err != nil {
		slog.Error("procwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, dbPath, listen, logLevel, tenantID, checkFP string, showStats, serveMCP bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.DB = dbPath
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	db, err := dbopen.Open(cfg.DB,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(opstore.Schema),
		dbopen.WithSchema(ledger.Schema),
		dbopen.WithSchema(dompolicy.Schema),
	)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	store := opstore.New(db)
	led := ledger.New(db)

	// One-shot modes.
	if checkFP != "" {
		if tenantID == "" {
			return errors.New("-check-fp requires -tenant")
		}
		check, err := led.Check(ctx, tenantID, checkFP)
		if err != nil {
			return err
		}
		return printJSON(check)
	}
	if showStats {
		if tenantID == "" {
			return errors.New("-stats requires -tenant")
		}
		stats, err := store.Stats(ctx, tenantID)
		if err != nil {
			return err
		}
		return printJSON(stats)
	}

	policies := dompolicy.NewStore(db)
	for _, sp := range cfg.Policies {
		if err := policies.Upsert(ctx, sp.TenantID, *sp.policy()); err != nil {
			return fmt.Errorf("seed policy %s/%s: %w", sp.TenantID, sp.Domain, err)
		}
	}

	bundles, err := cfg.bundles()
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}
	logger.Info("procwatch: templates loaded", "count", len(bundles))

	parseQ := vtq.New(db, vtq.Options{Queue: "parse_email", Logger: logger})
	fetchQ := vtq.New(db, vtq.Options{Queue: "fetch_url", Logger: logger})
	if err := parseQ.EnsureTable(ctx); err != nil {
		return fmt.Errorf("queue table: %w", err)
	}

	var notifier notify.Notifier = notify.NewLogSink(logger)
	if cfg.WebhookURL != "" {
		notifier = notify.NewMulti(logger,
			notify.NewLogSink(logger),
			notify.NewWebhook(cfg.WebhookURL, logger))
	}

	var orchOpts []scrape.Option
	if len(cfg.Credentials) > 0 {
		orchOpts = append(orchOpts, scrape.WithCredentials(cfg.Credentials))
	}
	orch := scrape.New(cfg.scrapeConfig(),
		scrape.NewFetcher(cfg.fetcherConfig(), nil),
		docparse.New(logger), policies, store, notifier, logger, orchOpts...)

	svc := intake.NewService(cfg.intakeConfig(), extraction.New(logger), led, store, orch,
		enrich.NewSplitter(store, led, logger), bundles, parseQ, fetchQ, logger)

	go svc.Run(ctx)

	ops := api.New(store, led, svc, logger)

	if serveMCP {
		srv := mcp.NewServer(&mcp.Implementation{Name: "procwatch", Version: "1.0.0"}, nil)
		ops.RegisterMCP(srv)
		logger.Info("procwatch: MCP stdio serving")
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	}

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: ops.Router()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	logger.Info("procwatch: HTTP listening", "addr", cfg.Listen)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
