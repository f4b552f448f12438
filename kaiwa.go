// Package kaiwa is the public API for embedding the Kaiwa run server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kaiwa.New(
//	    kaiwa.WithVersion(version),
//	    kaiwa.WithLogger(logger),
//	    kaiwa.WithTool(lookupOrderTool),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the
// root. Public types (Tool, Middleware) are standalone; conversion to the
// internal types happens here.
package kaiwa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kaiwa/api"
	"github.com/ashita-ai/kaiwa/internal/auth"
	"github.com/ashita-ai/kaiwa/internal/config"
	"github.com/ashita-ai/kaiwa/internal/engine"
	"github.com/ashita-ai/kaiwa/internal/files"
	"github.com/ashita-ai/kaiwa/internal/generation"
	"github.com/ashita-ai/kaiwa/internal/mcp"
	"github.com/ashita-ai/kaiwa/internal/notify/redisnotify"
	"github.com/ashita-ai/kaiwa/internal/ratelimit"
	"github.com/ashita-ai/kaiwa/internal/runstore"
	"github.com/ashita-ai/kaiwa/internal/server"
	"github.com/ashita-ai/kaiwa/internal/service/control"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/storage/sqlite"
	"github.com/ashita-ai/kaiwa/internal/telemetry"
	"github.com/ashita-ai/kaiwa/internal/tools"
	"github.com/ashita-ai/kaiwa/migrations"
)

const (
	shutdownTimeout   = 10 * time.Second
	startupTimeout    = 30 * time.Second
	locatorCacheTTL   = 10 * time.Minute
	locatorLookupWait = 2 * time.Second
	webhookTimeout    = 30 * time.Second
)

// App is the Kaiwa server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg        config.Config
	srv        *server.Server
	background []func(context.Context)
	closers    []func(context.Context) error
	logger     *slog.Logger
	version    string
}

// New loads configuration, connects the Run Store and notifier, builds the
// tool catalog and generation adapter, and returns a ready-to-run App. It
// does not start goroutines or accept connections; call Run.
func New(opts ...Option) (app *App, err error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	a := &App{cfg: cfg, logger: logger, version: version}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	logger.Info("kaiwa starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.onClose(otelShutdown)

	store, pinger, db, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	notifier, notifierName, err := a.newNotifier(ctx, db)
	if err != nil {
		return nil, err
	}

	cache := runstore.NewLocatorCache(cfg.LocatorCacheSize, locatorCacheTTL)
	a.onClose(func(context.Context) error { cache.Close(); return nil })
	resolver := runstore.NewLocatorResolver(store, cache, locatorLookupWait)

	executor, err := a.newExecutor(ctx, o.tools)
	if err != nil {
		return nil, err
	}

	adapter, err := newAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Store:        store,
		Notifier:     notifier,
		Adapter:      adapter,
		Executor:     executor,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
		SystemPrompt: cfg.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}
	ctl := control.New(store, notifier, resolver, executor, logger)

	fileStore, err := files.NewStore(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		return nil, fmt.Errorf("files: %w", err)
	}

	var jwtMgr *auth.JWTManager
	if cfg.AuthDisabled {
		logger.Warn("auth: disabled, trusting identity headers", "tenant_header", server.HeaderTenant, "user_header", server.HeaderUser)
	} else {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	var limiter ratelimit.Limiter
	if cfg.RunRateLimit > 0 {
		mem := ratelimit.NewMemoryLimiter(cfg.RunRateLimit, cfg.RunRateBurst)
		a.onClose(func(context.Context) error { return mem.Close() })
		limiter = mem
		logger.Info("rate limiting: run starts per user", "rps", cfg.RunRateLimit, "burst", cfg.RunRateBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(ctl, executor, logger, version)

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	a.srv = server.New(server.ServerConfig{
		Engine:              eng,
		Control:             ctl,
		Executor:            executor,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		Limiter:             limiter,
		Files:               fileStore,
		Pinger:              pinger,
		MCPServer:           mcpSrv.MCPServer(),
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreName:           cfg.Store,
		NotifierName:        notifierName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})
	return a, nil
}

// Run starts background workers and the HTTP server, then blocks until ctx
// is cancelled or the server fails. Resources are released before it
// returns; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range a.background {
		g.Go(func() error {
			task(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		httpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if serr := a.Shutdown(context.WithoutCancel(ctx)); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Shutdown releases the store, notifier and telemetry in reverse order of
// acquisition. Open streams have already been cancelled by the HTTP
// shutdown; their Runs are recorded as CANCELLED.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kaiwa shutting down")
	err := a.close(ctx)
	a.logger.Info("kaiwa stopped")
	return err
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openStore connects the configured Run Store. db is non-nil only for
// Postgres, whose LISTEN connection may carry change signals.
func (a *App) openStore(ctx context.Context) (runstore.Store, server.Pinger, *storage.DB, error) {
	switch a.cfg.Store {
	case config.StorePostgres:
		db, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		a.onClose(func(ctx context.Context) error { db.Close(ctx); return nil })
		db.RegisterPoolMetrics()
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return nil, nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return db, db, db, nil

	case config.StoreSQLite:
		s, err := sqlite.Open(a.cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		a.onClose(func(context.Context) error { return s.Close() })
		return s, s, nil, nil

	default:
		a.logger.Warn("storage: in-memory run store, runs are lost on restart")
		m := runstore.NewMemory()
		return m, m, nil, nil
	}
}

// newNotifier picks the change-signal transport: Redis when configured,
// else Postgres LISTEN/NOTIFY when available, else the in-process hub.
// Engines poll regardless, so every choice is correct; the transports only
// shorten the wait.
func (a *App) newNotifier(ctx context.Context, db *storage.DB) (runstore.Notifier, string, error) {
	hub := runstore.NewHub()

	if a.cfg.RedisURL != "" {
		rdb, err := redisnotify.Connect(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, "", err
		}
		a.onClose(func(context.Context) error { return rdb.Close() })
		n := redisnotify.New(rdb, hub, a.logger)
		a.background = append(a.background, n.Start)
		a.logger.Info("notifier: redis", "channel", redisnotify.DefaultChannel)
		return n, "redis", nil
	}

	if db != nil && db.HasNotify() {
		broker := server.NewBroker(db, hub, a.logger)
		a.background = append(a.background, broker.Start)
		a.logger.Info("notifier: postgres", "channel", storage.ChannelRuns)
		return storage.NewNotifier(db, hub), "postgres", nil
	}

	a.logger.Info("notifier: in-process only")
	return hub, "local", nil
}

// newExecutor builds the tool catalog: built-ins and embedder tools, the
// webhook catalog, and tools imported from a remote MCP server.
func (a *App) newExecutor(ctx context.Context, extra []Tool) (tools.Executor, error) {
	local := tools.NewRegistry()
	if err := tools.RegisterBuiltins(local, time.Now); err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	for _, t := range extra {
		if err := local.Register(t.internal()); err != nil {
			return nil, fmt.Errorf("tools: %w", err)
		}
	}
	if a.cfg.ToolsFile != "" {
		catalog, err := tools.LoadCatalog(a.cfg.ToolsFile)
		if err != nil {
			return nil, fmt.Errorf("tools: %w", err)
		}
		if err := tools.RegisterCatalog(local, catalog, &http.Client{Timeout: webhookTimeout}); err != nil {
			return nil, fmt.Errorf("tools: %w", err)
		}
		a.logger.Info("tools: webhook catalog loaded", "path", a.cfg.ToolsFile, "tools", len(catalog.Tools))
	}

	sources := []tools.Executor{local}
	if a.cfg.MCPURL != "" {
		client, err := tools.ConnectMCP(ctx, a.cfg.MCPURL, nil, a.version)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return client.Close() })
		remote := tools.NewRegistry()
		if err := tools.RegisterMCP(ctx, remote, client); err != nil {
			return nil, err
		}
		sources = append(sources, remote)
		a.logger.Info("tools: mcp server connected", "url", a.cfg.MCPURL, "tools", len(remote.Definitions()))
	}

	mux, err := tools.NewMux(sources...)
	if err != nil {
		return nil, err
	}
	a.logger.Info("tools: catalog ready", "tools", len(mux.Definitions()))
	return mux, nil
}

func newAdapter(cfg config.Config, logger *slog.Logger) (generation.Adapter, error) {
	var adapter generation.Adapter
	switch cfg.GenerationProvider {
	case config.ProviderOpenAI:
		oa, err := generation.NewOpenAIFromAPIKey(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		if err != nil {
			return nil, err
		}
		logger.Info("generation provider: openai", "model", cfg.OpenAIModel)
		adapter = oa
	default:
		logger.Info("generation provider: scripted demo")
		adapter = generation.NewScriptedFunc(generation.Demo)
	}
	if cfg.GenerationRPS > 0 {
		adapter = generation.NewRateLimited(adapter, cfg.GenerationRPS, cfg.GenerationBurst)
	}
	return adapter, nil
}
