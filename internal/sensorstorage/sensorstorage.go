// Package sensorstorage implements the agent's per-sensor persistent
// key-value map (C2): Manager.Get(name) returns a Map shared, across the
// process boundary, with the isolated SensorWorker that owns it.
//
// Per §9 Design Notes' resolution of "Cross-process shared map", this
// does not replicate the source's in-process proxy dictionary shared via
// multiprocessing.managers.SyncManager. Instead the sensor-mode child
// process sends storage_get/storage_put requests over the same framed
// stdio channel used for results (SPEC_FULL.md §12.2), and the Manager
// living in the Supervisor process is the only thing that ever touches
// the underlying spool bucket directly, serializing concurrent requests
// under a per-key lock.
package sensorstorage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Backend is the persistence the Manager reads from and flushes to; the
// Supervisor wires this to *spool.Spool.
type Backend interface {
	GetStorage(key string) ([]byte, error)
	UpsertStorage(key string, value []byte) error
}

// Map is a per-sensor dict-like JSON value store, keyed by arbitrary
// strings with JSON-serializable values.
type Map struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

// Get returns the raw JSON for key and whether it was present.
func (m *Map) Get(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// Set stores value (which must already be valid JSON) under key.
func (m *Map) Set(key string, value json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]json.RawMessage)
	}
	m.data[key] = value
}

func (m *Map) snapshot() map[string]json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// Snapshot returns a copy of the full key/value set, for serving a
// sensor-mode child's storage_get request (SPEC_FULL.md §12.2).
func (m *Map) Snapshot() map[string]json.RawMessage { return m.snapshot() }

// Manager owns every live per-sensor Map for the agent's lifetime and
// flushes them to the backend on shutdown.
type Manager struct {
	backend Backend
	log     *slog.Logger

	mu   sync.Mutex
	maps map[string]*Map
}

// NewManager creates a Manager backed by the given persistence layer.
func NewManager(backend Backend, log *slog.Logger) *Manager {
	return &Manager{backend: backend, log: log, maps: make(map[string]*Map)}
}

// Name builds the storage key convention from spec §4.2: "kind:config_id".
func Name(sensorKind, configID string) string {
	return fmt.Sprintf("%s:%s", sensorKind, configID)
}

// Get returns the live Map for name, loading it from the backend on first
// access. A corrupt JSON blob resets the storage to empty rather than
// propagating an error — grounded in
// original_source/whmonit/client/agent.py StorageManager.get_storage,
// which is explicitly defensive here: a bad blob must not crash the
// agent.
func (m *Manager) Get(name string) *Map {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.maps[name]; ok {
		return existing
	}

	mp := &Map{}
	if raw, err := m.backend.GetStorage(name); err != nil {
		m.log.Warn("sensorstorage: failed to load from backend, starting empty", "name", name, "error", err)
	} else if raw != nil {
		var decoded map[string]json.RawMessage
		if err := json.Unmarshal(raw, &decoded); err != nil {
			m.log.Warn("sensorstorage: corrupt blob, resetting to empty", "name", name, "error", err)
		} else {
			mp.data = decoded
		}
	}

	m.maps[name] = mp
	return mp
}

// Shutdown serializes every live Map as JSON and upserts it into the
// backend, then drops the in-memory cache.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, mp := range m.maps {
		encoded, err := json.Marshal(mp.snapshot())
		if err != nil {
			m.log.Error("sensorstorage: failed to marshal for flush", "name", name, "error", err)
			continue
		}
		if err := m.backend.UpsertStorage(name, encoded); err != nil {
			m.log.Error("sensorstorage: failed to flush", "name", name, "error", err)
		}
	}
	m.maps = make(map[string]*Map)
	return nil
}
