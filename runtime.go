package modelcache

import (
	"context"
	"fmt"
	"sync"
)

// Runtime is the capability handed a verified artifact blob. Concrete
// variants (a native binding, a mock) are interchangeable; the
// Manager's contract does not depend on which one is bound.
type Runtime interface {
	// Init loads a verified artifact blob into the runtime.
	Init(blob []byte) error

	// Generate produces text for a prompt. Only valid after Init.
	Generate(ctx context.Context, prompt string) (string, error)

	// Free releases runtime resources. Safe to call multiple times.
	Free()
}

// MockRuntime is a Runtime variant for tests and development builds
// without a native inference backend. Generate echoes the prompt with
// the loaded blob size.
type MockRuntime struct {
	mu   sync.Mutex
	size int
	init bool
}

// Ensure MockRuntime implements Runtime.
var _ Runtime = (*MockRuntime)(nil)

func (r *MockRuntime) Init(blob []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(blob) == 0 {
		return fmt.Errorf("modelcache: empty model blob")
	}
	r.size = len(blob)
	r.init = true
	return nil
}

func (r *MockRuntime) Generate(ctx context.Context, prompt string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.init {
		return "", fmt.Errorf("modelcache: runtime not initialized")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[mock %d bytes] %s", r.size, prompt), nil
}

func (r *MockRuntime) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init = false
	r.size = 0
}

// RunInference acquires a verified blob for the artifact and runs one
// generation through the runtime. The runtime is freed before
// returning.
func RunInference(ctx context.Context, mgr Manager, rt Runtime, artifactID, prompt string) (string, error) {
	blob, err := mgr.AcquireForInference(ctx, artifactID)
	if err != nil {
		return "", err
	}
	if err := rt.Init(blob); err != nil {
		return "", fmt.Errorf("modelcache: initializing runtime for %s: %w", artifactID, err)
	}
	defer rt.Free()
	return rt.Generate(ctx, prompt)
}
