package shinka

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger       *slog.Logger
	version      string
	storeKind    string
	sqlitePath   string
	databaseURL  string
	otelEndpoint string
	generator    Generator
	enableMCP    bool
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and over MCP.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStore overrides the store backend kind from config (SHINKA_STORE
// env var): "memory", "sqlite", or "postgres".
func WithStore(kind string) Option {
	return func(o *resolvedOptions) { o.storeKind = kind }
}

// WithSQLitePath overrides the SQLite database file from config
// (SHINKA_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithOTELEndpoint overrides the OTLP endpoint from config
// (OTEL_EXPORTER_OTLP_ENDPOINT env var).
func WithOTELEndpoint(endpoint string) Option {
	return func(o *resolvedOptions) { o.otelEndpoint = endpoint }
}

// WithGenerator replaces the auto-detected text-generation provider
// (Ollama/noop). Only the last call wins.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}

// WithMCP enables the MCP surface. App.MCPServer() returns the
// configured server; callers pick the transport.
func WithMCP() Option {
	return func(o *resolvedOptions) { o.enableMCP = true }
}
