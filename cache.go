package modelcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager is the public contract of the cache subsystem.
// All methods are safe for concurrent use.
// For CLI integration, use NewCommand instead.
type Manager interface {
	// EnsureSeedArtifacts materializes every seed artifact from the
	// bundled assets into the store, verifying each once. Failure to
	// load or verify a seed artifact is fatal: seed artifacts are the
	// offline floor and must be trustworthy. Idempotent: artifacts
	// already ready are skipped.
	//
	// Must complete before background acquisition starts.
	EnsureSeedArtifacts(ctx context.Context) error

	// StartBackgroundAcquisition picks the recommended artifact for
	// the profile and, if it is absent and storage headroom allows,
	// downloads it in the background. Best-effort: failures are
	// logged and reported only through a terminal error
	// ProgressEvent, never to the caller. The download is scoped to
	// the Manager's lifetime, not to ctx: cancelling ctx after this
	// returns does not interrupt it, Close does.
	StartBackgroundAcquisition(ctx context.Context, profile CapabilityProfile)

	// Fetch downloads an artifact in the foreground, resuming from
	// any prior checkpoint. If an attempt for the id is already in
	// flight, Fetch attaches to it and waits rather than starting a
	// competing transfer.
	Fetch(ctx context.Context, id string) error

	// AcquireForInference returns the verified blob for an artifact.
	// The blob is re-verified at the moment of hand-off; a mismatch
	// fails with ErrIntegrity and an absent or unverified record
	// fails with ErrNotFound.
	AcquireForInference(ctx context.Context, id string) ([]byte, error)

	// Status reports the cache state of every registry artifact and
	// the store's space accounting.
	Status(ctx context.Context) (CacheStatus, error)

	// Subscribe registers an observer for progress events of one
	// artifact id. The returned function removes the observer.
	Subscribe(artifactID string, observer func(ProgressEvent)) (cancel func())

	// SaveRecord seals and stores a user-generated record. If id is
	// empty a new one is generated. Returns the record id.
	SaveRecord(ctx context.Context, id string, plaintext []byte) (string, error)

	// LoadRecord returns the decrypted contents of a stored record.
	LoadRecord(ctx context.Context, id string) ([]byte, error)

	// ListRecords returns stored record summaries, newest first.
	ListRecords(ctx context.Context) ([]RecordInfo, error)

	// DeleteRecord removes a stored record.
	DeleteRecord(ctx context.Context, id string) error

	// PruneCheckpoints deletes all partial-download checkpoints,
	// freeing space at the cost of restarting interrupted downloads.
	PruneCheckpoints(ctx context.Context) error

	// Close releases the store handle.
	Close() error
}

// envVarName constructs the data-dir override variable from the app
// name. Example: envVarName("smartrefferal") returns
// "SMARTREFFERAL_CACHE_DIR".
func envVarName(appName string) string {
	return strings.ToUpper(appName) + "_CACHE_DIR"
}

// resolveDataDir picks the cache directory.
// Priority: env var > Config.DataDir > platform default.
func resolveDataDir(cfg Config) (string, error) {
	if envDir := os.Getenv(envVarName(cfg.AppName)); envDir != "" {
		return envDir, nil
	}
	if cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	return getDefaultDataDir(cfg.AppName)
}

// NewManager creates a Manager over the given manifest.
// Returns an error if the configuration or manifest is invalid.
func NewManager(cfg Config, m Manifest, opts ...ManagerOption) (Manager, error) {
	if cfg.AppName == "" {
		return nil, errors.New("modelcache: AppName is required")
	}

	registry, err := NewRegistry(m)
	if err != nil {
		return nil, err
	}

	mcfg := newManagerConfig()
	for _, opt := range opts {
		opt(mcfg)
	}

	baseDir, err := resolveDataDir(cfg)
	if err != nil {
		return nil, fmt.Errorf("modelcache: resolving data dir: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data dir: %v", ErrStorage, err)
	}

	store := mcfg.store
	if store == nil {
		store, err = NewSQLiteStore(filepath.Join(baseDir, "cache.db"), cfg.QuotaBytes)
		if err != nil {
			return nil, err
		}
	}

	bundle := mcfg.bundle
	if bundle == nil {
		bundle = NewDirBundle(cfg.BundleDir)
	}

	var cipher *RecordCipher
	if mcfg.recordKey != nil {
		cipher, err = NewRecordCipher(mcfg.recordKey)
		if err != nil {
			return nil, err
		}
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	mgr := &manager{
		cfg:        cfg,
		baseDir:    baseDir,
		registry:   registry,
		store:      store,
		bundle:     bundle,
		cipher:     cipher,
		logger:     mcfg.logger,
		dl:         newDownloader(store, mcfg.httpClient, mcfg.logger, mcfg.checkpointInterval),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		inflight:   make(map[string]*inflight),
		subs:       make(map[string]map[int]func(ProgressEvent)),
	}
	mgr.snapshotManifest(m)
	return mgr, nil
}

// ClassifyTier maps a capability profile to a tier. Pure and total:
//   - low: no parallel-execution support
//   - high: accelerator present, ample memory, multiple cores
//   - mid: everything in between
func ClassifyTier(p CapabilityProfile) Tier {
	if !p.HasParallelExec {
		return TierLow
	}
	if p.HasAccelerator && p.MemoryBytes >= HighTierMemoryBytes && p.CPUCores >= HighTierMinCores {
		return TierHigh
	}
	return TierMid
}
