package modelcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validDescriptor() ArtifactDescriptor {
	return ArtifactDescriptor{
		ID:              "model-a",
		Name:            "Model A",
		Kind:            KindGeneration,
		Version:         "1.0.0",
		SizeBytes:       1024,
		Quantization:    "q4",
		Capabilities:    []string{"low"},
		License:         "apache-2.0",
		Redistributable: true,
		Checksum:        strings.Repeat("a", 64),
		SourceURL:       "https://example.com/model-a.bin",
	}
}

func TestArtifactDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ArtifactDescriptor)
		wantErr bool
	}{
		{"valid non-seed", func(d *ArtifactDescriptor) {}, false},
		{"valid seed", func(d *ArtifactDescriptor) {
			d.IsSeed = true
			d.SourceURL = ""
		}, false},
		{"missing id", func(d *ArtifactDescriptor) { d.ID = "" }, true},
		{"unknown kind", func(d *ArtifactDescriptor) { d.Kind = "embedding" }, true},
		{"zero size", func(d *ArtifactDescriptor) { d.SizeBytes = 0 }, true},
		{"negative size", func(d *ArtifactDescriptor) { d.SizeBytes = -1 }, true},
		{"short checksum", func(d *ArtifactDescriptor) { d.Checksum = "abc123" }, true},
		{"non-hex checksum", func(d *ArtifactDescriptor) { d.Checksum = strings.Repeat("z", 64) }, true},
		{"uppercase checksum accepted", func(d *ArtifactDescriptor) { d.Checksum = strings.Repeat("A", 64) }, false},
		{"seed with url", func(d *ArtifactDescriptor) { d.IsSeed = true }, true},
		{"non-seed without url", func(d *ArtifactDescriptor) { d.SourceURL = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := validDescriptor()
			tt.mutate(&desc)
			err := desc.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArtifact)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "low", TierLow.String())
	assert.Equal(t, "mid", TierMid.String())
	assert.Equal(t, "high", TierHigh.String())
	assert.Equal(t, "tier(9)", Tier(9).String())
}

func TestNewProgressEvent(t *testing.T) {
	t.Run("derives percentage", func(t *testing.T) {
		ev := newProgressEvent("m", StatusDownloading, 250, 1000)
		assert.Equal(t, 25.0, ev.Percentage)
		assert.Equal(t, int64(250), ev.BytesDownloaded)
		assert.Equal(t, int64(1000), ev.TotalBytes)
		assert.Equal(t, StatusDownloading, ev.Status)
	})

	t.Run("clamps above 100", func(t *testing.T) {
		ev := newProgressEvent("m", StatusDownloading, 1500, 1000)
		assert.Equal(t, 100.0, ev.Percentage)
	})

	t.Run("zero total yields zero percentage", func(t *testing.T) {
		ev := newProgressEvent("m", StatusPending, 100, 0)
		assert.Equal(t, 0.0, ev.Percentage)
	})
}
