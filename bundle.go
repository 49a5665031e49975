package modelcache

import (
	"fmt"
	"os"
	"path/filepath"
)

// BundledAssets loads seed artifact bytes shipped with the application
// at build time. The Manager calls it once per seed artifact on first
// run.
type BundledAssets interface {
	// LoadBundledBytes returns the bundled bytes for an artifact id.
	LoadBundledBytes(id string) ([]byte, error)
}

// DirBundle serves bundled assets from a directory, one file per
// artifact id.
type DirBundle struct {
	// dir is the bundle directory.
	dir string
}

// Ensure DirBundle implements BundledAssets.
var _ BundledAssets = (*DirBundle)(nil)

// NewDirBundle creates a bundle over the given directory.
func NewDirBundle(dir string) *DirBundle {
	return &DirBundle{dir: dir}
}

// LoadBundledBytes reads the file named after the artifact id.
func (b *DirBundle) LoadBundledBytes(id string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: bundled asset %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: reading bundled asset %s: %v", ErrStorage, id, err)
	}
	return data, nil
}
