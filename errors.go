package modelcache

import "errors"

// Sentinel errors for cache operations.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrNotFound indicates the artifact or record does not exist,
	// either in the registry or in the local store.
	ErrNotFound = errors.New("modelcache: not found")

	// ErrIntegrity indicates a checksum mismatch at a verification
	// point: seed materialization, post-download, or hand-off re-check.
	ErrIntegrity = errors.New("modelcache: checksum verification failed")

	// ErrQuotaExceeded indicates a store write was rejected because it
	// would exceed the configured storage quota. Distinct from
	// ErrStorage so callers can abort rather than retry.
	ErrQuotaExceeded = errors.New("modelcache: storage quota exceeded")

	// ErrTransfer indicates a network or protocol failure during a
	// download.
	ErrTransfer = errors.New("modelcache: transfer failed")

	// ErrInvalidArtifact indicates a descriptor is missing required
	// fields for the requested operation, e.g. no source URL for a
	// non-seed fetch.
	ErrInvalidArtifact = errors.New("modelcache: invalid artifact descriptor")

	// ErrStorage indicates the storage backend failed.
	ErrStorage = errors.New("modelcache: storage error")

	// ErrInvalidManifest indicates the registry manifest is malformed
	// or violates a descriptor invariant.
	ErrInvalidManifest = errors.New("modelcache: invalid manifest")
)
