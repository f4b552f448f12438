package kaiwa

import (
	"log/slog"

	"github.com/ashita-ai/kaiwa/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	store       string
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string
	tools       []Tool
	middlewares []Middleware
}

// apply overrides environment configuration with explicit options.
func (o resolvedOptions) apply(cfg *config.Config) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if o.notifyURL == "" {
			cfg.NotifyURL = o.databaseURL
		}
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
}

// WithPort overrides the TCP port from config (KAIWA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStore selects the Run Store backend: "postgres", "sqlite" or
// "memory" (KAIWA_STORE env var).
func WithStore(kind string) Option {
	return func(o *resolvedOptions) { o.store = kind }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a connection pooler such as PgBouncer;
// LISTEN requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTool adds a tool to the catalog next to the built-ins. Calls to it
// require user approval like every other tool.
func WithTool(t Tool) Option {
	return func(o *resolvedOptions) { o.tools = append(o.tools, t) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Applied in registration order: the first-registered middleware is
// outermost and sees every request, including /health.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
