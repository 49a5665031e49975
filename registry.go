package modelcache

import (
	"fmt"
	"sort"
)

// Registry is the immutable catalog of known artifacts for the process
// lifetime. It never touches storage and has no side effects.
type Registry struct {
	// byID indexes descriptors by artifact id.
	byID map[string]ArtifactDescriptor

	// order preserves manifest order for stable listings.
	order []string
}

// NewRegistry builds a registry from a parsed manifest.
func NewRegistry(m Manifest) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]ArtifactDescriptor, len(m.Models)),
		order: make([]string, 0, len(m.Models)),
	}
	for _, desc := range m.Models {
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.byID[desc.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate artifact id %q", ErrInvalidManifest, desc.ID)
		}
		r.byID[desc.ID] = desc
		r.order = append(r.order, desc.ID)
	}
	return r, nil
}

// Resolve returns the descriptor for id. Returns ErrNotFound for an
// unknown id.
func (r *Registry) Resolve(id string) (ArtifactDescriptor, error) {
	desc, ok := r.byID[id]
	if !ok {
		return ArtifactDescriptor{}, fmt.Errorf("%w: artifact %q", ErrNotFound, id)
	}
	return desc, nil
}

// List returns all descriptors in manifest order.
func (r *Registry) List() []ArtifactDescriptor {
	out := make([]ArtifactDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ListSeed returns the seed artifacts in manifest order.
func (r *Registry) ListSeed() []ArtifactDescriptor {
	var out []ArtifactDescriptor
	for _, id := range r.order {
		if desc := r.byID[id]; desc.IsSeed {
			out = append(out, desc)
		}
	}
	return out
}

// Recommend picks the generation artifact best suited to a capability
// tier. It is a pure function of the tier and the catalog.
//
// Selection: among generation artifacts, prefer one whose capability
// tags contain the tier name. If no artifact is tagged for the tier,
// fall back on size: the smallest artifact for low, the largest for
// high, and the median for mid. The fallback keeps recommendation
// total even for manifests without tier tags.
func (r *Registry) Recommend(tier Tier) ArtifactDescriptor {
	var candidates []ArtifactDescriptor
	for _, id := range r.order {
		if desc := r.byID[id]; desc.Kind == KindGeneration {
			candidates = append(candidates, desc)
		}
	}
	if len(candidates) == 0 {
		return ArtifactDescriptor{}
	}

	for _, desc := range candidates {
		for _, tag := range desc.Capabilities {
			if tag == tier.String() {
				return desc
			}
		}
	}

	sorted := make([]ArtifactDescriptor, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SizeBytes < sorted[j].SizeBytes
	})
	switch tier {
	case TierLow:
		return sorted[0]
	case TierHigh:
		return sorted[len(sorted)-1]
	default:
		return sorted[len(sorted)/2]
	}
}
