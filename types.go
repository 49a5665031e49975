package modelcache

import (
	"fmt"
	"time"
)

// ArtifactKind classifies what an artifact is used for.
type ArtifactKind string

// Known artifact kinds.
const (
	// KindGeneration marks a text-generation model.
	KindGeneration ArtifactKind = "generation"

	// KindTranscription marks a speech-to-text model.
	KindTranscription ArtifactKind = "transcription"
)

// ArtifactDescriptor describes one artifact known to the registry.
// Descriptors are immutable after registry construction.
type ArtifactDescriptor struct {
	// ID uniquely identifies the artifact.
	ID string

	// Name is the human-readable artifact name.
	Name string

	// Kind is the artifact kind: generation or transcription.
	Kind ArtifactKind

	// Version is the artifact version string.
	Version string

	// SizeBytes is the expected size of the artifact in bytes.
	// Always greater than zero for a valid descriptor.
	SizeBytes int64

	// Quantization is the quantization tag, e.g. "q4", "fp16".
	Quantization string

	// Capabilities is the set of capability tags, e.g. "low", "high".
	Capabilities []string

	// License is an SPDX-like license identifier.
	License string

	// Redistributable reports whether the artifact may be bundled and
	// redistributed with the application.
	Redistributable bool

	// Checksum is the SHA-256 checksum of the artifact contents as 64
	// lowercase hex characters.
	Checksum string

	// Signature is an optional detached signature over the artifact.
	Signature string

	// SourceURL is the download URL. Required for non-seed artifacts,
	// absent for seed artifacts.
	SourceURL string

	// IsSeed marks an artifact bundled at build time, available
	// offline from first run.
	IsSeed bool
}

// Validate checks the descriptor invariants:
//   - ID must be non-empty and SizeBytes positive
//   - Checksum must be 64 lowercase hex characters
//   - seed artifacts must not carry a SourceURL
//   - non-seed artifacts must carry one, redistributable or not
func (d ArtifactDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidArtifact)
	}
	if d.Kind != KindGeneration && d.Kind != KindTranscription {
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidArtifact, d.ID, d.Kind)
	}
	if d.SizeBytes <= 0 {
		return fmt.Errorf("%w: %s: non-positive size", ErrInvalidArtifact, d.ID)
	}
	if !isHexChecksum(d.Checksum) {
		return fmt.Errorf("%w: %s: checksum is not 64 hex chars", ErrInvalidArtifact, d.ID)
	}
	if d.IsSeed && d.SourceURL != "" {
		return fmt.Errorf("%w: %s: seed artifact must not have a source URL", ErrInvalidArtifact, d.ID)
	}
	if !d.IsSeed && d.SourceURL == "" {
		return fmt.Errorf("%w: %s: non-seed artifact requires a source URL", ErrInvalidArtifact, d.ID)
	}
	return nil
}

// isHexChecksum reports whether s is a 64-character lowercase or
// uppercase hex string. Case is normalized at comparison time by
// Verify, so both cases are accepted here.
func isHexChecksum(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// CapabilityProfile is a read-only snapshot of host resources, produced
// by an external collaborator. It is consumed only to pick a capability
// tier and is never mutated by this package.
type CapabilityProfile struct {
	// HasParallelExec reports whether the host supports parallel
	// execution (threads / SIMD).
	HasParallelExec bool

	// HasAccelerator reports whether a GPU or comparable accelerator
	// is present.
	HasAccelerator bool

	// MemoryBytes is the estimated usable memory in bytes.
	MemoryBytes int64

	// CPUCores is the logical core count.
	CPUCores int

	// Mobile reports whether the host is a mobility-constrained device.
	Mobile bool
}

// Tier is a coarse classification of host capability driving which
// artifact is recommended.
type Tier int

// Capability tiers, from least to most capable.
const (
	TierLow Tier = iota
	TierMid
	TierHigh
)

// String returns the tier name: "low", "mid", or "high".
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMid:
		return "mid"
	case TierHigh:
		return "high"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// DownloadStatus is the state reported by a ProgressEvent.
type DownloadStatus string

// Progress event states. Complete and StatusError are terminal: exactly
// one of them ends every download attempt.
const (
	StatusPending     DownloadStatus = "pending"
	StatusDownloading DownloadStatus = "downloading"
	StatusVerifying   DownloadStatus = "verifying"
	StatusComplete    DownloadStatus = "complete"
	StatusError       DownloadStatus = "error"
)

// ProgressEvent reports download progress to observers. Events are
// transient and never persisted. For a given artifact, BytesDownloaded
// is non-decreasing across consecutive events within one attempt.
type ProgressEvent struct {
	// ArtifactID identifies the artifact being downloaded.
	ArtifactID string `json:"modelId"`

	// BytesDownloaded is the cumulative bytes received, including any
	// resumed prefix.
	BytesDownloaded int64 `json:"bytesDownloaded"`

	// TotalBytes is the expected total size of the artifact.
	TotalBytes int64 `json:"totalBytes"`

	// Percentage is 100 * BytesDownloaded / TotalBytes, clamped to
	// [0, 100].
	Percentage float64 `json:"percentage"`

	// Status is the current download state.
	Status DownloadStatus `json:"status"`

	// Err carries the error message for StatusError events.
	Err string `json:"error,omitempty"`
}

// newProgressEvent builds an event with the percentage derived from the
// byte counts, clamped to [0, 100].
func newProgressEvent(id string, status DownloadStatus, downloaded, total int64) ProgressEvent {
	var pct float64
	if total > 0 {
		pct = 100 * float64(downloaded) / float64(total)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return ProgressEvent{
		ArtifactID:      id,
		BytesDownloaded: downloaded,
		TotalBytes:      total,
		Percentage:      pct,
		Status:          status,
	}
}

// ByteRange describes a contiguous range of bytes already durably
// written by a download checkpoint.
type ByteRange struct {
	// Offset is the starting byte offset of the range.
	Offset int64 `json:"offset"`

	// Length is the number of bytes in the range.
	Length int64 `json:"length"`
}

// DownloadState is the durable checkpoint of one in-flight transfer.
// It survives process restart so a resumed attempt can continue from
// BytesDownloaded rather than byte zero. Deleted on success or on
// checksum failure, kept on cancellation.
type DownloadState struct {
	// ArtifactID identifies the artifact being downloaded.
	ArtifactID string `json:"artifactId"`

	// BytesDownloaded is the number of bytes durably checkpointed.
	BytesDownloaded int64 `json:"bytesDownloaded"`

	// TotalBytes is the expected total size of the transfer.
	TotalBytes int64 `json:"totalBytes"`

	// Chunks is the ordered sequence of byte ranges already durably
	// written.
	Chunks []ByteRange `json:"chunks"`
}

// EncryptedRecord is a sealed user-generated record. The store only
// ever holds this form; plaintext never leaves the Manager's call
// scope.
type EncryptedRecord struct {
	// IV is the AEAD nonce used to seal the record.
	IV []byte

	// Ciphertext is the sealed payload including the auth tag.
	Ciphertext []byte

	// Salt is the per-record HKDF salt used to derive the record key.
	Salt []byte
}

// RecordInfo summarizes a stored encrypted record without exposing its
// contents.
type RecordInfo struct {
	// ID identifies the record.
	ID string

	// CreatedAt is when the record was stored.
	CreatedAt time.Time

	// SizeBytes is the ciphertext size.
	SizeBytes int64
}

// StorageUsage reports the store's space accounting.
type StorageUsage struct {
	// UsedBytes is the total bytes held by all collections.
	UsedBytes int64

	// QuotaBytes is the configured quota. Zero means unlimited.
	QuotaBytes int64
}

// ArtifactStatus reports the cache state of one registry artifact.
type ArtifactStatus struct {
	// Descriptor is the registry descriptor.
	Descriptor ArtifactDescriptor

	// Ready reports whether a verified blob is present.
	Ready bool

	// InFlight reports whether a download attempt is active.
	InFlight bool

	// CheckpointBytes is the durably checkpointed byte count of a
	// partial download, zero if none.
	CheckpointBytes int64
}

// CacheStatus is the Manager's overall cache report.
type CacheStatus struct {
	// Artifacts lists the state of every registry artifact.
	Artifacts []ArtifactStatus

	// Usage is the store's space accounting.
	Usage StorageUsage
}

// Config configures the cache module.
type Config struct {
	// AppName determines the storage directory name.
	// Example: "smartrefferal" → ~/.local/share/smartrefferal/cache/
	AppName string

	// DataDir overrides the default data directory.
	// If empty, uses the platform-appropriate default.
	// Can also be set via environment variable: <APPNAME>_CACHE_DIR
	DataDir string

	// QuotaBytes caps the store's total size. Zero means unlimited.
	QuotaBytes int64

	// BundleDir is the directory holding seed artifacts bundled at
	// build time, one file per artifact id. Used when no BundledAssets
	// collaborator is supplied via WithBundle.
	BundleDir string
}
