// Package modelcache manages acquisition, integrity verification, and
// encrypted local persistence of model artifacts for the SmartRefferal
// offline application.
//
// The package serves two primary use cases:
//
//  1. Programmatic API via the Manager interface - the application uses
//     NewManager to create a Manager that ensures seed artifacts are
//     present, acquires recommended artifacts in the background, and
//     hands verified blobs to inference runtimes.
//
//  2. Embeddable CLI via NewCommand - parent CLI tools can attach a
//     complete "models" subcommand tree to their Cobra root command,
//     providing commands like "smartrefferal models fetch",
//     "smartrefferal models status", etc.
//
// # Integrity
//
// Every artifact is verified against its registry-declared SHA-256
// checksum: once when it is written into the cache, and again every
// time it is handed to a consumer. A blob is never visible to a
// consumer unless its checksum matched at the moment of hand-off.
//
// # Resumable Downloads
//
// Downloads stream into the secure store through periodic durable
// checkpoints. An interrupted transfer resumes from the last
// checkpointed byte offset rather than restarting from zero, and peak
// memory stays proportional to the checkpoint interval, not to the
// artifact size.
//
// # Encryption
//
// User-generated records are sealed with XChaCha20-Poly1305 under a
// per-record key derived via HKDF-SHA256 from an application-supplied
// master key. The store only ever holds ciphertext.
//
// # Storage
//
// The cache lives in a platform-appropriate directory:
//   - Linux: $XDG_DATA_HOME/<app>/cache/ or ~/.local/share/<app>/cache/
//   - macOS: ~/Library/Application Support/<app>/cache/
//   - Windows: %APPDATA%\<app>\cache\
//
// The location can be overridden via Config.DataDir or the
// <APPNAME>_CACHE_DIR environment variable.
package modelcache
