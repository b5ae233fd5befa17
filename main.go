// Command client is the stampede viewer client. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the token store (file, Postgres or memory) and, when needed, runs
//     idempotent migrations.
//   - Reconciles the first-party and federated sessions and keeps the
//     federated session refreshed.
//   - Follows the live score and chat feeds, optionally recording chat.
//   - Exposes the local companion server used by the browser UI.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stampede/client/api"
	"github.com/onnwee/stampede/client/chat"
	"github.com/onnwee/stampede/client/config"
	"github.com/onnwee/stampede/client/db"
	"github.com/onnwee/stampede/client/federated"
	"github.com/onnwee/stampede/client/live"
	"github.com/onnwee/stampede/client/oauth"
	"github.com/onnwee/stampede/client/scoreboard"
	"github.com/onnwee/stampede/client/server"
	"github.com/onnwee/stampede/client/session"
	"github.com/onnwee/stampede/client/telemetry"
	"github.com/onnwee/stampede/client/tokenstore"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// OpenTelemetry tracing is optional; it needs OTEL_EXPORTER_OTLP_ENDPOINT
	initCtx, initCancel := context.WithTimeout(context.Background(), 5*time.Second)
	shutdownTracing, err := telemetry.InitTracing(initCtx, telemetry.TracingConfigFromEnv(), "stampede-client", "1.0.0")
	initCancel()
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to shut down tracer provider", slog.Any("err", err))
		}
	}()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var database *sql.DB
	if cfg.NeedsDatabase() {
		if err := cfg.ValidateDatabase(); err != nil {
			slog.Error("database config invalid", slog.Any("err", err))
			os.Exit(1)
		}
		database, err = db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err), slog.String("component", "db_migrate"))
			os.Exit(1)
		}
	}

	store, err := openStore(cfg, database)
	if err != nil {
		slog.Error("token store init failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("token store ready", slog.String("backend", cfg.TokenStore))

	backend := api.New(cfg.APIBaseURL)

	opts := session.Options{Store: store, Identity: backend}
	var fed *federated.Client
	if cfg.FederatedEnabled() {
		fed = federated.New(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.CallbackURL(), store)
		opts.Federated = fed
		opts.Profiles = &federated.Profiles{Client: fed}
	} else {
		slog.Info("federated sign-in disabled (set SUPABASE_URL + SUPABASE_ANON_KEY)")
	}

	mgr := session.New(ctx, opts)
	defer mgr.Close()
	unsubscribe := mgr.Subscribe(func(s session.Session) {
		slog.Info("session changed",
			slog.String("provenance", string(s.Provenance)),
			slog.Bool("loading", s.Loading),
			slog.String("user", s.Identity.DisplayName()),
			slog.Uint64("version", s.Version))
	})
	defer unsubscribe()
	mgr.Start()

	if fed != nil {
		oauth.StartRefresher(ctx, fed, cfg.FederatedRefreshInterval, cfg.FederatedRefreshWindow)
	}

	logState := func(name string) func(live.State) {
		return func(s live.State) {
			slog.Info("live channel state", slog.String("channel", name), slog.String("state", string(s)))
		}
	}
	feedLog := live.WithLogger(slog.Default().With(slog.String("ws_base", cfg.WSBaseURL)))
	score := scoreboard.Open(cfg.WSBaseURL, logState("score"), feedLog)
	defer score.Close()
	chatFeed := chat.Open(cfg.WSBaseURL, func() *session.Identity { return mgr.Snapshot().Identity }, logState("chat"), feedLog)
	defer chatFeed.Close()

	if cfg.ChatRecord {
		stopRecorder := chat.StartRecorder(ctx, database, chatFeed)
		defer stopRecorder()
		slog.Info("chat recorder enabled", slog.String("component", "chat_recorder"))
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	deps := server.Deps{
		Sessions:      mgr,
		Backend:       backend,
		Score:         score,
		Chat:          chatFeed,
		DB:            database,
		OAuthProvider: cfg.OAuthProvider,
		UIOrigins:     cfg.UIOrigins,
	}
	if fed != nil {
		deps.Federated = fed
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// openStore builds the configured token store. File stores encrypt values when
// ENCRYPTION_KEY is set.
func openStore(cfg *config.Config, database *sql.DB) (tokenstore.Store, error) {
	switch cfg.TokenStore {
	case config.StorePostgres:
		return &tokenstore.DBStore{DB: database}, nil
	case config.StoreMemory:
		return tokenstore.NewMemoryStore(), nil
	default:
		enc, err := db.Encryptor()
		if err != nil {
			return nil, err
		}
		return tokenstore.NewFileStore(cfg.DataDir, enc)
	}
}
