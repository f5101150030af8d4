package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/ailicia-topchat/internal/config"
	"github.com/you/ailicia-topchat/internal/coordinator"
	"github.com/you/ailicia-topchat/internal/credentials"
	httpadmin "github.com/you/ailicia-topchat/internal/http"
	"github.com/you/ailicia-topchat/internal/httpapi"
	"github.com/you/ailicia-topchat/internal/logging"
	"github.com/you/ailicia-topchat/internal/metrics"
	"github.com/you/ailicia-topchat/internal/session"
	"github.com/you/ailicia-topchat/internal/sink"
	"github.com/you/ailicia-topchat/internal/sse"
	"github.com/you/ailicia-topchat/internal/stats"
	"github.com/you/ailicia-topchat/internal/telemetry"
	"github.com/you/ailicia-topchat/internal/version"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "topchat: .env: %v\n", err)
	}

	var (
		versionFlag     bool
		dbPath          string
		channel         string
		keyFile         string
		apiURL          string
		roles           string
		excluded        string
		logLevel        string
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpMetrics     bool
		httpAccessLog   bool
		httpPprof       bool
		httpAdmin       bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite archive (empty disables the archive)")
	flag.StringVar(&channel, "channel", "", "ai_licia channel name")
	flag.StringVar(&keyFile, "api-key-file", "", "Path to file containing the ai_licia API key")
	flag.StringVar(&apiURL, "api-url", "", "ai_licia API base URL")
	flag.StringVar(&roles, "roles", "", "Comma-separated chat roles to stream (Mod,VIP,AI,Viewer,Streamer)")
	flag.StringVar(&excluded, "exclude", "", "Comma-separated usernames hidden from the leaderboard")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&httpAddr, "http-addr", "127.0.0.1:8765", "HTTP overlay feed address (empty disables)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", true, "Log HTTP access records")
	flag.BoolVar(&httpPprof, "http-pprof", false, "Expose pprof handlers under /debug/pprof")
	flag.BoolVar(&httpAdmin, "http-admin", true, "Expose /admin endpoints")
	flag.Parse()

	if versionFlag {
		fmt.Printf("topchat version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	if overrides["sqlite"] {
		cfg.Sink.SQLite.Path = strings.TrimSpace(dbPath)
	}
	if overrides["channel"] {
		cfg.API.Channel = strings.TrimSpace(channel)
	}
	if overrides["api-key-file"] {
		cfg.API.KeyFile = strings.TrimSpace(keyFile)
	}
	if overrides["api-url"] {
		cfg.API.BaseURL = config.NormalizeBaseURL(apiURL)
	}
	if overrides["roles"] {
		cfg.Stream.Roles = config.ParseRoles(roles)
	}
	if overrides["exclude"] {
		cfg.Stream.Excluded = stats.ParseExclusions(excluded).Names()
	}
	if overrides["log-level"] {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(logLevel))
	}

	_, closeLog := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	defer func() { _ = closeLog() }()

	if cfg.API.LegacyKeyEnv != "" {
		slog.Warn("topchat: using legacy api key variable", "env", cfg.API.LegacyKeyEnv)
	}
	if cfg.API.Key == "" && cfg.API.KeyFile != "" {
		key, _, err := credentials.NewFileKeyLoader(cfg.API.KeyFile).Load()
		if err != nil {
			slog.Error("topchat: api key file", "err", err)
		}
		cfg.API.Key = key
	}
	slog.Info("topchat: config", "summary", string(cfg.SummaryJSON()))

	shutdownTracing, err := telemetry.InitTracing("topchat", version.Version)
	if err != nil {
		slog.Warn("topchat: tracing disabled", "err", err)
	} else {
		defer shutdownTracing()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("topchat: shutting down", "signal", sig.String())
		cancel()
	}()

	m := metrics.New()

	var archive *sink.Archive
	if cfg.ArchiveEnabled() {
		db, err := sink.OpenSQLite(cfg.Sink.SQLite.Path)
		if err != nil {
			slog.Error("topchat: open sqlite", "path", cfg.Sink.SQLite.Path, "err", err)
			os.Exit(1)
		}
		archive = sink.NewArchive(db, sink.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		defer func() {
			if err := archive.Close(); err != nil {
				slog.Error("topchat: closing archive", "err", err)
			}
		}()
	} else {
		slog.Info("topchat: archive disabled")
	}

	opts := session.Options{
		Roles:    cfg.Stream.Roles,
		Excluded: stats.NewExclusionSet(cfg.Stream.Excluded),
		Policy: sse.Policy{
			Enabled:     cfg.Stream.Reconnect,
			BaseDelay:   time.Duration(cfg.Stream.ReconnectDelayMS) * time.Millisecond,
			Multiplier:  cfg.Stream.ReconnectMult,
			Jitter:      time.Duration(cfg.Stream.ReconnectJitterMS) * time.Millisecond,
			MaxAttempts: cfg.Stream.MaxAttempts,
		},
		Coordinator: coordinator.Options{
			ContextInterval: cfg.ContextInterval(),
			ContextTTL:      cfg.ContextTTL(),
			OvertakeEnabled: cfg.Coordinator.OvertakeEnabled,
			DigestInterval:  cfg.OvertakeInterval(),
			Cooldown:        cfg.GenerationCooldown(),
		},
		Metrics:     m,
		DebugDrops:  cfg.Stream.DebugDrops,
		TraceIngest: cfg.Stream.TraceIngest,
	}
	if archive != nil {
		opts.Archive = archive
	}
	sess := session.New(opts)
	go func() {
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("topchat: session", "err", err)
		}
	}()

	creds := session.Credentials{APIKey: cfg.API.Key, Channel: cfg.API.Channel, BaseURL: cfg.API.BaseURL}
	reloader := credentials.NewReloader(creds, cfg.API.KeyFile, sess)
	if err := reloader.Watch(ctx); err != nil {
		slog.Error("topchat: watch api key file", "err", err)
	}
	sess.UpdateCredentials(creds)

	var api *httpapi.Server
	if addr := strings.TrimSpace(httpAddr); addr != "" {
		build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
		var history httpapi.History
		if archive != nil {
			history = archive
		}
		api = httpapi.New(sess, history, m, httpapi.Options{
			Addr:          addr,
			CORSOrigins:   splitCSV(httpCorsOrigins),
			RateRPS:       httpRateRPS,
			RateBurst:     httpRateBurst,
			EnableMetrics: httpMetrics,
			AccessLog:     httpAccessLog,
			EnablePprof:   httpPprof,
			Build:         build,
			Config:        cfg.RedactedJSON,
		})
		if httpAdmin {
			httpadmin.New(reloader, sess).Register(api.Mux())
		}
		go func() {
			if err := api.Start(); err != nil {
				slog.Error("topchat: http api", "err", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()

	if api != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			slog.Warn("topchat: http shutdown", "err", err)
		}
		done()
	}
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		slog.Warn("topchat: session did not stop in time")
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
