// Package plugin hosts the components that interpret file bytes: the
// wazero-backed WASM runtime for installed plugins and the registry that
// matches plugins to file paths.
package plugin

import (
	"context"
	"path"
	"sync"

	"github.com/untoldecay/lix/internal/types"
)

// Manifest identifies a plugin component.
type Manifest struct {
	Key               string `json:"key"`
	Runtime           string `json:"runtime"`
	APIVersion        string `json:"api_version"`
	DetectChangesGlob string `json:"detect_changes_glob"`
	Entry             string `json:"entry"`
}

// DetectRequest is the input of detect_changes.
type DetectRequest struct {
	FileID              string  `json:"file_id"`
	VersionID           string  `json:"version_id"`
	BeforePath          *string `json:"before_path,omitempty"`
	AfterPath           *string `json:"after_path,omitempty"`
	DataIsAuthoritative bool    `json:"data_is_authoritative"`
	BeforeData          []byte  `json:"before_data,omitempty"`
	AfterData           []byte  `json:"after_data,omitempty"`
}

// EntityChange is one change handed to apply_changes.
type EntityChange struct {
	EntityID        string  `json:"entity_id"`
	SchemaKey       string  `json:"schema_key"`
	SchemaVersion   string  `json:"schema_version"`
	SnapshotContent *string `json:"snapshot_content"`
}

// Plugin is one loaded component.
type Plugin interface {
	Manifest() Manifest
	DetectChanges(ctx context.Context, req DetectRequest) ([]types.DetectedFileChange, error)
	ApplyChanges(ctx context.Context, fileSnapshot []byte, changes []EntityChange) ([]byte, error)
}

// Host is the plugin registry. Loaded components are cached per key and
// the cache entry is replaced on reinstall.
type Host struct {
	mu      sync.Mutex
	plugins map[string]Plugin
	runtime *wasmRuntime
}

// NewHost returns an empty host.
func NewHost() *Host {
	return &Host{plugins: map[string]Plugin{}}
}

// RegisterBuiltin installs an in-process plugin (no component binary).
func (h *Host) RegisterBuiltin(p Plugin) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plugins[p.Manifest().Key] = p
}

// Install loads a WASM component and caches it under the manifest key,
// replacing any previous instance of the same key.
func (h *Host) Install(ctx context.Context, manifest Manifest, component []byte) error {
	if manifest.Key == "" {
		return &types.LixError{Message: "plugin manifest is missing a key"}
	}
	h.mu.Lock()
	if h.runtime == nil {
		h.runtime = newWASMRuntime()
	}
	runtime := h.runtime
	prev := h.plugins[manifest.Key]
	h.mu.Unlock()

	if prev != nil {
		if wp, ok := prev.(*wasmPlugin); ok {
			wp.close(ctx)
		}
	}

	loaded, err := runtime.load(ctx, manifest, component)
	if err != nil {
		return types.WrapPlugin(manifest.Key, err)
	}

	h.mu.Lock()
	h.plugins[manifest.Key] = loaded
	h.mu.Unlock()
	return nil
}

// Get returns the plugin registered under key, or nil.
func (h *Host) Get(key string) Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.plugins[key]
}

// Match returns every plugin whose detect glob matches the file path, in
// stable key order.
func (h *Host) Match(filePath string) []Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := make([]string, 0, len(h.plugins))
	for key := range h.plugins {
		keys = append(keys, key)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}

	var out []Plugin
	for _, key := range keys {
		p := h.plugins[key]
		glob := p.Manifest().DetectChangesGlob
		if glob == "" {
			continue
		}
		if matchGlob(glob, filePath) {
			out = append(out, p)
		}
	}
	return out
}

// matchGlob matches manifest globs against absolute file paths. A leading
// **/ (or a bare *.ext pattern) matches in any directory.
func matchGlob(glob, filePath string) bool {
	base := path.Base(filePath)
	trimmed := filePath
	if len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	if ok, _ := path.Match(glob, trimmed); ok {
		return true
	}
	if ok, _ := path.Match(glob, filePath); ok {
		return true
	}
	if rest, found := cutPrefix(glob, "**/"); found {
		if ok, _ := path.Match(rest, base); ok {
			return true
		}
	}
	if ok, _ := path.Match(glob, base); ok {
		return true
	}
	return false
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return s, false
}
