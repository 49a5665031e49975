package modelcache

import (
	"encoding/json"
	"fmt"
	"os"
)

// Manifest is the parsed registry bootstrap document.
type Manifest struct {
	// Version identifies the manifest revision.
	Version string

	// LastUpdated is the manifest publication time in epoch
	// milliseconds.
	LastUpdated int64

	// Models is the ordered list of artifact descriptors.
	Models []ArtifactDescriptor
}

// Wire kind values used by the manifest schema.
const (
	wireKindLLM = "llm"
	wireKindSTT = "stt"
)

// wireManifest mirrors the manifest JSON schema.
type wireManifest struct {
	Version     string      `json:"version"`
	LastUpdated int64       `json:"lastUpdated"`
	Models      []wireModel `json:"models"`
}

// wireModel mirrors one descriptor entry in the manifest JSON.
type wireModel struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Version         string   `json:"version"`
	Size            int64    `json:"size"`
	Quantization    string   `json:"quantization"`
	Capabilities    []string `json:"capabilities"`
	License         string   `json:"license"`
	Redistributable bool     `json:"redistributable"`
	Checksum        string   `json:"checksum"`
	Signature       string   `json:"signature,omitempty"`
	URL             string   `json:"url,omitempty"`
	IsSeed          bool     `json:"isSeed"`
}

// ParseManifest parses and validates a registry manifest. Every
// descriptor must satisfy its invariants; the first violation fails the
// whole manifest with ErrInvalidManifest.
func ParseManifest(data []byte) (Manifest, error) {
	var wm wireManifest
	if err := json.Unmarshal(data, &wm); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if wm.Version == "" {
		return Manifest{}, fmt.Errorf("%w: missing version", ErrInvalidManifest)
	}

	m := Manifest{
		Version:     wm.Version,
		LastUpdated: wm.LastUpdated,
		Models:      make([]ArtifactDescriptor, 0, len(wm.Models)),
	}

	seen := make(map[string]bool, len(wm.Models))
	for _, entry := range wm.Models {
		kind, err := kindFromWire(entry.Type)
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, entry.ID, err)
		}
		desc := ArtifactDescriptor{
			ID:              entry.ID,
			Name:            entry.Name,
			Kind:            kind,
			Version:         entry.Version,
			SizeBytes:       entry.Size,
			Quantization:    entry.Quantization,
			Capabilities:    entry.Capabilities,
			License:         entry.License,
			Redistributable: entry.Redistributable,
			Checksum:        entry.Checksum,
			Signature:       entry.Signature,
			SourceURL:       entry.URL,
			IsSeed:          entry.IsSeed,
		}
		if err := desc.Validate(); err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		if seen[desc.ID] {
			return Manifest{}, fmt.Errorf("%w: duplicate artifact id %q", ErrInvalidManifest, desc.ID)
		}
		seen[desc.ID] = true
		m.Models = append(m.Models, desc)
	}

	return m, nil
}

// LoadManifestFile reads and parses a manifest from disk.
func LoadManifestFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: reading manifest: %v", ErrStorage, err)
	}
	return ParseManifest(data)
}

// encodeManifest serializes a manifest back to its wire form, used
// when persisting a snapshot into the store.
func encodeManifest(m Manifest) ([]byte, error) {
	wm := wireManifest{
		Version:     m.Version,
		LastUpdated: m.LastUpdated,
		Models:      make([]wireModel, 0, len(m.Models)),
	}
	for _, desc := range m.Models {
		wireType := wireKindLLM
		if desc.Kind == KindTranscription {
			wireType = wireKindSTT
		}
		wm.Models = append(wm.Models, wireModel{
			ID:              desc.ID,
			Name:            desc.Name,
			Type:            wireType,
			Version:         desc.Version,
			Size:            desc.SizeBytes,
			Quantization:    desc.Quantization,
			Capabilities:    desc.Capabilities,
			License:         desc.License,
			Redistributable: desc.Redistributable,
			Checksum:        desc.Checksum,
			Signature:       desc.Signature,
			URL:             desc.SourceURL,
			IsSeed:          desc.IsSeed,
		})
	}
	data, err := json.Marshal(wm)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding manifest: %v", ErrStorage, err)
	}
	return data, nil
}

// kindFromWire maps a manifest wire type to an ArtifactKind.
func kindFromWire(t string) (ArtifactKind, error) {
	switch t {
	case wireKindLLM:
		return KindGeneration, nil
	case wireKindSTT:
		return KindTranscription, nil
	default:
		return "", fmt.Errorf("unknown model type %q", t)
	}
}
