package modelcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryManifest() Manifest {
	sum := strings.Repeat("a", 64)
	return Manifest{
		Version: "1",
		Models: []ArtifactDescriptor{
			{ID: "seed-gen", Kind: KindGeneration, Version: "1", SizeBytes: 50, Quantization: "q4",
				Capabilities: []string{"low"}, Checksum: sum, IsSeed: true},
			{ID: "mid-gen", Kind: KindGeneration, Version: "1", SizeBytes: 200, Quantization: "q4",
				Capabilities: []string{"mid"}, Checksum: sum, SourceURL: "https://e.com/mid"},
			{ID: "big-gen", Kind: KindGeneration, Version: "1", SizeBytes: 900, Quantization: "q8",
				Capabilities: []string{"high"}, Checksum: sum, SourceURL: "https://e.com/big"},
			{ID: "stt", Kind: KindTranscription, Version: "1", SizeBytes: 100, Quantization: "fp16",
				Capabilities: []string{"mid"}, Checksum: sum, SourceURL: "https://e.com/stt"},
		},
	}
}

func TestRegistryResolve(t *testing.T) {
	r, err := NewRegistry(registryManifest())
	require.NoError(t, err)

	desc, err := r.Resolve("mid-gen")
	require.NoError(t, err)
	assert.Equal(t, "mid-gen", desc.ID)

	_, err = r.Resolve("unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryList(t *testing.T) {
	r, err := NewRegistry(registryManifest())
	require.NoError(t, err)

	ids := func(descs []ArtifactDescriptor) []string {
		var out []string
		for _, d := range descs {
			out = append(out, d.ID)
		}
		return out
	}

	// Manifest order is preserved.
	assert.Equal(t, []string{"seed-gen", "mid-gen", "big-gen", "stt"}, ids(r.List()))
	assert.Equal(t, []string{"seed-gen"}, ids(r.ListSeed()))
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	m := registryManifest()
	m.Models = append(m.Models, m.Models[0])
	_, err := NewRegistry(m)
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestRegistryRecommend(t *testing.T) {
	t.Run("prefers tier-tagged artifacts", func(t *testing.T) {
		r, err := NewRegistry(registryManifest())
		require.NoError(t, err)

		assert.Equal(t, "seed-gen", r.Recommend(TierLow).ID)
		assert.Equal(t, "mid-gen", r.Recommend(TierMid).ID)
		assert.Equal(t, "big-gen", r.Recommend(TierHigh).ID)
	})

	t.Run("falls back on size when no tags match", func(t *testing.T) {
		m := registryManifest()
		for i := range m.Models {
			m.Models[i].Capabilities = nil
		}
		r, err := NewRegistry(m)
		require.NoError(t, err)

		// Generation sizes: 50, 200, 900. Transcription is excluded.
		assert.Equal(t, "seed-gen", r.Recommend(TierLow).ID)
		assert.Equal(t, "mid-gen", r.Recommend(TierMid).ID)
		assert.Equal(t, "big-gen", r.Recommend(TierHigh).ID)
	})

	t.Run("no generation artifacts", func(t *testing.T) {
		m := registryManifest()
		m.Models = m.Models[3:]
		r, err := NewRegistry(m)
		require.NoError(t, err)

		assert.Empty(t, r.Recommend(TierHigh).ID)
	})
}
