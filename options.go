package distil

import (
	"log/slog"
	"net/http"
)

// extractorOptions hold optional Extractor settings.
type extractorOptions struct {
	cache      Store
	cacheSet   bool
	logger     *slog.Logger
	httpClient *http.Client
	shell      string
	apiKey     string
	maxTokens  int
	effort     string
}

// Option configures an Extractor (e.g. WithCache, WithLogger).
type Option func(*extractorOptions)

// WithCache sets the result store. Without this option an in-process
// MemoryStore is used; pass nil to disable caching entirely.
func WithCache(store Store) Option {
	return func(o *extractorOptions) {
		o.cache = store
		o.cacheSet = true
	}
}

// WithLogger sets the logger for turn boundaries, cache decisions, and
// validation failures. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *extractorOptions) {
		o.logger = logger
	}
}

// WithHTTPClient sets the client used by the external HTTP validator layer.
func WithHTTPClient(client *http.Client) Option {
	return func(o *extractorOptions) {
		o.httpClient = client
	}
}

// WithShell sets the shell used to run external process validators
// (invoked as `<shell> -c <command>`). Defaults to "sh".
func WithShell(shell string) Option {
	return func(o *extractorOptions) {
		o.shell = shell
	}
}

// WithAPIKey sets the API key forwarded to the Generator on every turn.
func WithAPIKey(key string) Option {
	return func(o *extractorOptions) {
		o.apiKey = key
	}
}

// WithMaxTokens sets the per-turn output size limit forwarded to the Generator.
func WithMaxTokens(n int) Option {
	return func(o *extractorOptions) {
		o.maxTokens = n
	}
}

// WithEffort sets the reasoning-effort level forwarded to the Generator.
func WithEffort(effort string) Option {
	return func(o *extractorOptions) {
		o.effort = effort
	}
}
