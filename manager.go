package modelcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// inflight tracks one active download attempt for an artifact id.
// A second request for the same id attaches to it instead of starting
// a competing transfer.
type inflight struct {
	// done is closed when the attempt finishes.
	done chan struct{}

	// err is the attempt's outcome. Valid only after done is closed.
	err error
}

// manager is the concrete implementation of the Manager interface.
// It holds no process-wide state: construct one at startup, pass it
// by reference, Close it on teardown.
type manager struct {
	// cfg holds the module configuration.
	cfg Config

	// baseDir is the resolved cache directory.
	baseDir string

	// registry is the immutable artifact catalog.
	registry *Registry

	// store is the single shared mutable resource.
	store Store

	// bundle loads seed artifact bytes.
	bundle BundledAssets

	// cipher seals user records. Nil when no record key is configured.
	cipher *RecordCipher

	// logger receives diagnostic messages. May be nil.
	logger Logger

	// dl performs downloads.
	dl *downloader

	// lifeCtx scopes background downloads to the manager's lifetime,
	// so they are not torn down with the request-scoped context that
	// launched them.
	lifeCtx context.Context

	// lifeCancel stops background work on Close.
	lifeCancel context.CancelFunc

	// seedsReady flips once EnsureSeedArtifacts has completed, gating
	// background acquisition.
	seedsReady atomic.Bool

	// mu guards inflight.
	mu sync.Mutex

	// inflight maps artifact id to its single active attempt.
	inflight map[string]*inflight

	// subMu guards subs and nextSubID.
	subMu sync.Mutex

	// subs maps artifact id to registered progress observers.
	subs map[string]map[int]func(ProgressEvent)

	// nextSubID issues observer handles.
	nextSubID int
}

// Ensure manager implements Manager.
var _ Manager = (*manager)(nil)

// snapshotManifest persists the manifest into the store, keyed by
// version. Best-effort: a failed snapshot is logged, not fatal.
func (m *manager) snapshotManifest(mf Manifest) {
	payload, err := encodeManifest(mf)
	if err == nil {
		err = m.store.PutManifestSnapshot(context.Background(), mf.Version, payload)
	}
	if err != nil && m.logger != nil {
		m.logger.Warn("failed to snapshot manifest", "version", mf.Version, "error", err)
	}
}

// EnsureSeedArtifacts materializes seed artifacts from the bundle.
func (m *manager) EnsureSeedArtifacts(ctx context.Context) error {
	for _, desc := range m.registry.ListSeed() {
		ready, err := m.store.IsReady(ctx, desc.ID)
		if err != nil {
			return err
		}
		if ready {
			continue
		}

		blob, err := m.bundle.LoadBundledBytes(desc.ID)
		if err != nil {
			return fmt.Errorf("modelcache: loading seed artifact %s: %w", desc.ID, err)
		}
		if !Verify(blob, desc.Checksum) {
			return fmt.Errorf("%w: seed artifact %s", ErrIntegrity, desc.ID)
		}
		if err := m.store.PutArtifact(ctx, desc, blob, true); err != nil {
			return fmt.Errorf("modelcache: storing seed artifact %s: %w", desc.ID, err)
		}
		if m.logger != nil {
			m.logger.Info("seed artifact materialized", "artifact", desc.ID, "bytes", len(blob))
		}
	}
	m.seedsReady.Store(true)
	return nil
}

// StartBackgroundAcquisition acquires the recommended artifact
// asynchronously. Never returns an error: background acquisition is
// best-effort and must not block or interrupt the caller.
func (m *manager) StartBackgroundAcquisition(ctx context.Context, profile CapabilityProfile) {
	if !m.seedsReady.Load() {
		if m.logger != nil {
			m.logger.Warn("background acquisition skipped: seed artifacts not ensured")
		}
		return
	}

	tier := ClassifyTier(profile)
	desc := m.registry.Recommend(tier)
	if desc.ID == "" || desc.IsSeed {
		if m.logger != nil {
			m.logger.Debug("recommended artifact needs no acquisition", "tier", tier.String(), "artifact", desc.ID)
		}
		return
	}

	ready, err := m.store.IsReady(ctx, desc.ID)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("background acquisition skipped", "artifact", desc.ID, "error", err)
		}
		return
	}
	if ready {
		return
	}

	usage, err := m.store.EstimateUsage(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("background acquisition skipped", "artifact", desc.ID, "error", err)
		}
		return
	}
	if usage.QuotaBytes > 0 && usage.UsedBytes+desc.SizeBytes > usage.QuotaBytes {
		if m.logger != nil {
			m.logger.Warn("insufficient storage headroom for background acquisition",
				"artifact", desc.ID, "needed", desc.SizeBytes,
				"used", usage.UsedBytes, "quota", usage.QuotaBytes)
		}
		return
	}

	fl, started := m.join(desc.ID)
	if !started {
		// An attempt is already in flight; its progress stream serves
		// this request too.
		return
	}
	go func() {
		// The caller's ctx may be request-scoped; the download runs on
		// the manager's lifetime instead.
		fl.err = m.runDownload(m.lifeCtx, desc)
		if fl.err != nil && m.logger != nil {
			m.logger.Warn("background acquisition failed", "artifact", desc.ID, "error", fl.err)
		}
		m.finish(desc.ID, fl)
	}()
}

// Fetch downloads an artifact in the foreground.
func (m *manager) Fetch(ctx context.Context, id string) error {
	desc, err := m.registry.Resolve(id)
	if err != nil {
		return err
	}

	ready, err := m.store.IsReady(ctx, id)
	if err != nil {
		return err
	}
	if ready {
		return nil
	}
	if desc.IsSeed {
		return fmt.Errorf("%w: seed artifact %s must be materialized via EnsureSeedArtifacts", ErrInvalidArtifact, id)
	}

	fl, started := m.join(id)
	if !started {
		select {
		case <-fl.done:
			return fl.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fl.err = m.runDownload(ctx, desc)
	m.finish(id, fl)
	return fl.err
}

// join returns the attempt for id, starting one if none is active.
// started reports whether the caller owns the new attempt.
func (m *manager) join(id string) (fl *inflight, started bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fl, ok := m.inflight[id]; ok {
		return fl, false
	}
	fl = &inflight{done: make(chan struct{})}
	m.inflight[id] = fl
	return fl, true
}

// finish publishes the attempt's outcome and releases the in-flight
// slot.
func (m *manager) finish(id string, fl *inflight) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
	close(fl.done)
}

// runDownload holds the cross-process lock for the artifact while the
// downloader runs, and fans progress out to subscribers.
func (m *manager) runDownload(ctx context.Context, desc ArtifactDescriptor) error {
	lockDir := filepath.Join(m.baseDir, "locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating lock dir: %v", ErrStorage, err)
	}
	lock, err := newFileLock(filepath.Join(lockDir, desc.ID+".lock"), DefaultLockTimeout)
	if err != nil {
		return fmt.Errorf("%w: creating download lock: %v", ErrStorage, err)
	}
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: another process is downloading %s: %v", ErrStorage, desc.ID, err)
	}
	defer lock.Unlock()

	return m.dl.download(ctx, desc, func(ev ProgressEvent) { m.publish(ev) })
}

// publish delivers an event to the observers registered for its
// artifact id. Delivery is synchronous from the download goroutine,
// preserving non-decreasing byte order.
func (m *manager) publish(ev ProgressEvent) {
	m.subMu.Lock()
	observers := make([]func(ProgressEvent), 0, len(m.subs[ev.ArtifactID]))
	for _, fn := range m.subs[ev.ArtifactID] {
		observers = append(observers, fn)
	}
	m.subMu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// Subscribe registers a progress observer for one artifact id.
func (m *manager) Subscribe(artifactID string, observer func(ProgressEvent)) (cancel func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	if m.subs[artifactID] == nil {
		m.subs[artifactID] = make(map[int]func(ProgressEvent))
	}
	m.subs[artifactID][id] = observer

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs[artifactID], id)
		if len(m.subs[artifactID]) == 0 {
			delete(m.subs, artifactID)
		}
	}
}

// AcquireForInference returns a blob verified at the moment of
// hand-off. The re-check is mandatory even for artifacts already
// marked verified at write time, guarding against store corruption
// between write and read.
func (m *manager) AcquireForInference(ctx context.Context, id string) ([]byte, error) {
	ready, err := m.store.IsReady(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("%w: artifact %q is not ready", ErrNotFound, id)
	}

	desc, err := m.store.GetArtifactMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	blob, err := m.store.GetArtifactBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !Verify(blob, desc.Checksum) {
		return nil, fmt.Errorf("%w: artifact %s failed hand-off verification", ErrIntegrity, id)
	}
	return blob, nil
}

// Status reports the cache state of every registry artifact.
func (m *manager) Status(ctx context.Context) (CacheStatus, error) {
	usage, err := m.store.EstimateUsage(ctx)
	if err != nil {
		return CacheStatus{}, err
	}

	m.mu.Lock()
	active := make(map[string]bool, len(m.inflight))
	for id := range m.inflight {
		active[id] = true
	}
	m.mu.Unlock()

	status := CacheStatus{Usage: usage}
	for _, desc := range m.registry.List() {
		ready, err := m.store.IsReady(ctx, desc.ID)
		if err != nil {
			return CacheStatus{}, err
		}
		st := ArtifactStatus{Descriptor: desc, Ready: ready, InFlight: active[desc.ID]}
		if state, err := m.store.GetDownloadState(ctx, desc.ID); err == nil {
			st.CheckpointBytes = state.BytesDownloaded
		} else if !errors.Is(err, ErrNotFound) {
			return CacheStatus{}, err
		}
		status.Artifacts = append(status.Artifacts, st)
	}
	return status, nil
}

// SaveRecord seals plaintext and stores it. Plaintext never reaches
// the store.
func (m *manager) SaveRecord(ctx context.Context, id string, plaintext []byte) (string, error) {
	if m.cipher == nil {
		return "", errors.New("modelcache: no record key configured")
	}
	if id == "" {
		id = uuid.NewString()
	}
	rec, err := m.cipher.Seal(plaintext)
	if err != nil {
		return "", err
	}
	if err := m.store.PutEncryptedRecord(ctx, id, rec, time.Now()); err != nil {
		return "", err
	}
	return id, nil
}

// LoadRecord returns the decrypted contents of a stored record.
func (m *manager) LoadRecord(ctx context.Context, id string) ([]byte, error) {
	if m.cipher == nil {
		return nil, errors.New("modelcache: no record key configured")
	}
	rec, err := m.store.GetEncryptedRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.cipher.Open(rec)
}

// ListRecords returns stored record summaries, newest first.
func (m *manager) ListRecords(ctx context.Context) ([]RecordInfo, error) {
	return m.store.ListEncryptedRecords(ctx)
}

// DeleteRecord removes a stored record.
func (m *manager) DeleteRecord(ctx context.Context, id string) error {
	return m.store.DeleteEncryptedRecord(ctx, id)
}

// PruneCheckpoints deletes every partial-download checkpoint.
func (m *manager) PruneCheckpoints(ctx context.Context) error {
	for _, desc := range m.registry.List() {
		if err := m.store.ClearDownloadState(ctx, desc.ID); err != nil {
			return err
		}
	}
	return nil
}

// Close stops background work and releases the store handle.
func (m *manager) Close() error {
	m.lifeCancel()
	return m.store.Close()
}
