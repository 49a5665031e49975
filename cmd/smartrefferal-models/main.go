// Command smartrefferal-models is the CLI harness for the modelcache
// package. It manages the SmartRefferal model cache from the terminal.
//
// Configuration is loaded from environment variables:
//   - SMARTREFFERAL_MANIFEST: path to the registry manifest JSON (required)
//   - SMARTREFFERAL_BUNDLE_DIR: directory of bundled seed artifacts (optional)
//   - SMARTREFFERAL_CACHE_DIR: override for the cache directory (optional)
//   - SMARTREFFERAL_RECORD_KEY: 64 hex chars, master key for user records (optional)
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	modelcache "github.com/idrisaljumah/SmartRefferal"
)

// CLI exit codes for standardized error reporting.
const (
	// ExitSuccess indicates the operation completed successfully.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError = 1

	// ExitInvalidArgs indicates invalid command line arguments or
	// configuration.
	ExitInvalidArgs = 2

	// ExitNotFound indicates the artifact or record was not found.
	ExitNotFound = 3

	// ExitIntegrity indicates checksum verification failed.
	ExitIntegrity = 4

	// ExitTransfer indicates a network or protocol failure.
	ExitTransfer = 5

	// ExitQuota indicates the storage quota was exceeded.
	ExitQuota = 6

	// ExitStorage indicates a storage operation failed.
	ExitStorage = 7
)

func main() {
	manifestPath := os.Getenv("SMARTREFFERAL_MANIFEST")
	if manifestPath == "" {
		fmt.Fprintln(os.Stderr, "Error: SMARTREFFERAL_MANIFEST environment variable is required")
		os.Exit(ExitInvalidArgs)
	}

	manifest, err := modelcache.LoadManifestFile(manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitInvalidArgs)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
	defer logger.Sync()

	cfg := modelcache.Config{
		AppName:   "smartrefferal",
		BundleDir: os.Getenv("SMARTREFFERAL_BUNDLE_DIR"),
		// DataDir can be set via SMARTREFFERAL_CACHE_DIR (handled by the cache layer)
	}

	opts := []modelcache.ManagerOption{
		modelcache.WithLogger(modelcache.NewZapLogger(logger)),
	}
	if keyHex := os.Getenv("SMARTREFFERAL_RECORD_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error: SMARTREFFERAL_RECORD_KEY must be hex")
			os.Exit(ExitInvalidArgs)
		}
		opts = append(opts, modelcache.WithRecordKey(key))
	}

	cmd := modelcache.NewCommand(cfg, manifest, opts...)
	if err := cmd.Execute(); err != nil {
		os.Exit(exitCodeFromError(err))
	}
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	case errors.Is(err, modelcache.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, modelcache.ErrIntegrity):
		return ExitIntegrity
	case errors.Is(err, modelcache.ErrTransfer):
		return ExitTransfer
	case errors.Is(err, modelcache.ErrQuotaExceeded):
		return ExitQuota
	case errors.Is(err, modelcache.ErrStorage):
		return ExitStorage
	case errors.Is(err, modelcache.ErrInvalidArtifact), errors.Is(err, modelcache.ErrInvalidManifest):
		return ExitInvalidArgs
	default:
		return ExitGeneralError
	}
}
