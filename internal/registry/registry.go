// SPDX-License-Identifier: MIT

// Package registry caches the camera list loaded by internal/config and
// exposes lookup, enabled-camera enumeration, and reload-with-diff so
// supervisors can react to configuration changes without re-parsing YAML
// on every access.
package registry

import (
	"fmt"
	"sync"

	"github.com/camguard/camguard/internal/camerr"
	"github.com/camguard/camguard/internal/config"
)

// ConfigLoader loads a Config from whatever source the caller wired up
// (koanf.go's layered loader in production, a fixed in-memory Config in
// tests).
type ConfigLoader interface {
	Load() (*config.Config, error)
}

// ConfigLoaderFunc adapts a plain function to ConfigLoader.
type ConfigLoaderFunc func() (*config.Config, error)

// Load implements ConfigLoader.
func (f ConfigLoaderFunc) Load() (*config.Config, error) { return f() }

// Change describes a single camera's transition across a reload.
type Change struct {
	CameraID   string
	Kind       ChangeKind
	URLChanged bool // OQ-3: source_hash differs from the prior epoch
}

// ChangeKind classifies a Change.
type ChangeKind int

const (
	// ChangeAdded means the camera id is new in this epoch.
	ChangeAdded ChangeKind = iota
	// ChangeRemoved means the camera id is gone in this epoch.
	ChangeRemoved
	// ChangeUpdated means the camera id persists but a field differs.
	ChangeUpdated
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Registry is the cached, reload-aware view over the configured camera
// list. Read access (Get/List/Enabled) never touches disk; only Reload
// re-invokes the ConfigLoader (read_config/reload_config's cache split,
// carried from the Python original).
type Registry struct {
	loader ConfigLoader

	mu      sync.RWMutex
	byID    map[string]config.CameraDescriptor
	order   []string // preserves config file order for List
	hashes  map[string]string
	cfg     *config.Config
	loaded  bool
}

// New creates a Registry backed by loader. The camera list is not loaded
// until the first Reload call.
func New(loader ConfigLoader) *Registry {
	return &Registry{loader: loader}
}

// Reload re-invokes the ConfigLoader and replaces the cached camera list,
// returning the set of Changes relative to the previous epoch (empty slice
// on the very first load). A camera whose rtsp_url changed is reported with
// URLChanged=true regardless of ChangeKind, so callers can decide whether to
// restart an active session (OQ-3).
func (r *Registry) Reload() ([]Change, error) {
	cfg, err := r.loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	newByID := make(map[string]config.CameraDescriptor, len(cfg.Cameras))
	newHashes := make(map[string]string, len(cfg.Cameras))
	newOrder := make([]string, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		newByID[cam.ID] = cam
		newHashes[cam.ID] = cam.SourceHash()
		newOrder = append(newOrder, cam.ID)
	}

	r.mu.Lock()
	oldByID := r.byID
	oldHashes := r.hashes
	wasLoaded := r.loaded

	r.cfg = cfg
	r.byID = newByID
	r.hashes = newHashes
	r.order = newOrder
	r.loaded = true
	r.mu.Unlock()

	if !wasLoaded {
		return nil, nil
	}

	var changes []Change
	for id, cam := range newByID {
		old, existed := oldByID[id]
		if !existed {
			changes = append(changes, Change{CameraID: id, Kind: ChangeAdded, URLChanged: true})
			continue
		}
		urlChanged := oldHashes[id] != newHashes[id]
		if urlChanged || old != cam {
			changes = append(changes, Change{CameraID: id, Kind: ChangeUpdated, URLChanged: urlChanged})
		}
	}
	for id := range oldByID {
		if _, still := newByID[id]; !still {
			changes = append(changes, Change{CameraID: id, Kind: ChangeRemoved})
		}
	}

	return changes, nil
}

// Get returns the camera descriptor for id, or ErrCameraNotFound.
func (r *Registry) Get(id string) (config.CameraDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cam, ok := r.byID[id]
	if !ok {
		return config.CameraDescriptor{}, camerr.ErrCameraNotFound
	}
	return cam, nil
}

// List returns every camera descriptor in configuration-file order.
func (r *Registry) List() []config.CameraDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.CameraDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Enabled returns every camera descriptor with Enabled == true, in
// configuration-file order. This is the set the Streaming Supervisor's
// admission sweep and the global health monitor's enqueue pass both draw
// from — disabled cameras are never auto-streamed regardless of
// AllowRecordingWhenDisabled (OQ-1).
func (r *Registry) Enabled() []config.CameraDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.CameraDescriptor, 0, len(r.order))
	for _, id := range r.order {
		if cam := r.byID[id]; cam.Enabled {
			out = append(out, cam)
		}
	}
	return out
}

// Config returns the full configuration tree from the most recent Reload.
func (r *Registry) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// AllowRecording reports whether camera id may be recorded right now: an
// enabled camera is always allowed, a disabled one only if
// AllowRecordingWhenDisabled is set (OQ-1). Returns ErrCameraNotFound for an
// unknown id.
func (r *Registry) AllowRecording(id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cam, ok := r.byID[id]
	if !ok {
		return false, camerr.ErrCameraNotFound
	}
	if cam.Enabled {
		return true, nil
	}
	return r.cfg != nil && r.cfg.AllowRecordingWhenDisabled, nil
}
