package modelcache

import (
	"net/http"
	"time"
)

// Download tuning constants.
const (
	// DefaultCheckpointInterval is the number of received chunks
	// between durable download checkpoints.
	DefaultCheckpointInterval = 10

	// downloadChunkSize is the read buffer size for download streams.
	downloadChunkSize = 256 * 1024

	// DefaultRequestTimeout is the default timeout for HTTP requests.
	DefaultRequestTimeout = 30 * time.Second
)

// HighTierMemoryBytes is the minimum memory estimate for the high
// capability tier.
const HighTierMemoryBytes = 8 << 30

// HighTierMinCores is the minimum core count for the high capability
// tier.
const HighTierMinCores = 4

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

// managerConfig holds configuration for Manager construction.
type managerConfig struct {
	// httpClient is used for all artifact downloads.
	httpClient HTTPClient

	// logger receives diagnostic log messages.
	logger Logger

	// store overrides the default SQLite store. Used by tests.
	store Store

	// bundle loads seed artifact bytes. Defaults to a DirBundle over
	// Config.BundleDir.
	bundle BundledAssets

	// recordKey is the master key for sealing user records.
	recordKey []byte

	// checkpointInterval is the chunk count between durable download
	// checkpoints.
	checkpointInterval int
}

// newManagerConfig returns a managerConfig with default values.
func newManagerConfig() *managerConfig {
	return &managerConfig{
		httpClient:         http.DefaultClient,
		checkpointInterval: DefaultCheckpointInterval,
	}
}

// WithHTTPClient sets a custom HTTP client for artifact downloads.
// Useful for testing with mock servers or customizing timeouts.
// If not set, http.DefaultClient is used.
func WithHTTPClient(client HTTPClient) ManagerOption {
	return func(c *managerConfig) {
		c.httpClient = client
	}
}

// WithLogger sets a logger for diagnostic output.
// If not set, logging is disabled.
func WithLogger(logger Logger) ManagerOption {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// WithStore overrides the default SQLite-backed store.
func WithStore(store Store) ManagerOption {
	return func(c *managerConfig) {
		c.store = store
	}
}

// WithBundle sets the bundled-asset collaborator used to materialize
// seed artifacts. If not set, a DirBundle over Config.BundleDir is
// used.
func WithBundle(bundle BundledAssets) ManagerOption {
	return func(c *managerConfig) {
		c.bundle = bundle
	}
}

// WithRecordKey sets the 32-byte master key used to seal user records.
// Record operations fail if no key is configured.
func WithRecordKey(key []byte) ManagerOption {
	return func(c *managerConfig) {
		c.recordKey = key
	}
}

// WithCheckpointInterval sets the number of received chunks between
// durable download checkpoints. Values below 1 are clamped to 1.
func WithCheckpointInterval(n int) ManagerOption {
	return func(c *managerConfig) {
		if n < 1 {
			n = 1
		}
		c.checkpointInterval = n
	}
}

// HTTPClient is the interface for HTTP operations.
// *http.Client satisfies this interface.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the interface for diagnostic logging.
// Compatible with slog, zap, logrus, and other structured loggers.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}
