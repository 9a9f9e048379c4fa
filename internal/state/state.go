// Package state persists the operational state of the sprinkler: on/off,
// rain delay, last launch times, one-time schedules. The state is not part
// of the configuration: it is produced by the engine itself and must survive
// restarts. It lives in a local backup file and, when sharing is enabled, in
// the depot under state/sprinkler.json; a depot publication supersedes the
// local copy.
package state

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/depot"
	"github.com/hausgrid/sprinklerd/internal/events"
	"github.com/hausgrid/sprinklerd/internal/metrics"
)

// DefaultFile is the standard location of the state backup file.
const DefaultFile = "/etc/house/sprinklerbkp.json"

// FactoryFile seeds the state when no backup exists yet.
const FactoryFile = "/usr/local/share/house/public/sprinkler/backup.json"

const depotGroup = "state"
const depotKey = "sprinkler.json"

// Saving is retried for this long before giving up.
const saveRetryWindow = 10 * time.Second

// Worker contributes a module's fragment to the saved document.
type Worker func(doc map[string]any)

// Listener is notified when an external state update was applied.
type Listener func()

// Manager owns the persistent state document.
type Manager struct {
	mu sync.Mutex

	path     string
	factory  string
	useLocal bool
	host     string

	depot *depot.Client
	rec   *events.Recorder

	root      any
	workers   []Worker
	listeners []Listener

	dirtyAt time.Time
	share   bool
	lastRun time.Time
}

// New creates a state manager. The depot client may be nil (local only).
func New(path, factory string, useLocal bool, host string, dep *depot.Client, rec *events.Recorder) *Manager {
	if path == "" {
		path = DefaultFile
	}
	if factory == "" {
		factory = FactoryFile
	}
	return &Manager{
		path:     path,
		factory:  factory,
		useLocal: useLocal,
		host:     host,
		depot:    dep,
		rec:      rec,
		share:    true,
	}
}

// Load reads the backup file (or the factory default, forcing the creation
// of a real backup file) and subscribes to depot updates.
func (m *Manager) Load() {
	name := m.path
	text, err := os.ReadFile(name)
	if err != nil {
		name = m.factory
		text, err = os.ReadFile(name)
		m.Changed() // Force creation of the backup file.
	}
	if err == nil {
		var root any
		if jerr := json.Unmarshal(text, &root); jerr != nil {
			m.rec.Event("SYSTEM", "BACKUP", "ERROR", "%v", jerr)
		} else {
			m.mu.Lock()
			m.root = root
			m.mu.Unlock()
			m.rec.Event("SYSTEM", "BACKUP", "LOAD", "FILE %s", name)
		}
	}
	if m.depot != nil {
		m.depot.Subscribe(depotGroup, depotKey, m.external)
	}
}

// external applies a depot publication: it replaces the in-memory state,
// is written through to the local file, and wakes the restore listeners.
func (m *Manager) external(name string, timestamp time.Time, data []byte) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		m.rec.Event("SYSTEM", "BACKUP", "ERROR", "%v", err)
		return
	}
	m.rec.Event("SYSTEM", "BACKUP", "LOAD", "FROM DEPOT %s", name)

	m.mu.Lock()
	m.root = root
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if m.useLocal {
		if err := os.WriteFile(m.path, data, 0o644); err != nil {
			m.rec.Trace("BACKUP", "cannot write %s: %v", m.path, err)
		}
	}
	for _, l := range listeners {
		l()
	}
}

// Register adds a worker contributing keys to the saved document.
func (m *Manager) Register(w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
}

// Listen adds a restore listener.
func (m *Manager) Listen(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Changed flags the state dirty. Saving is deferred to a later wall-clock
// second so that clustered changes produce a single save. The flag carries
// the wall-clock second of the change.
func (m *Manager) Changed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirtyAt.IsZero() {
		m.dirtyAt = time.Now().Truncate(time.Second)
	}
}

// Share enables or disables publication to the depot. The intent is to share
// only while the sprinkler is on: the depot records which instance is the
// active one, not that some instance is off.
func (m *Manager) Share(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.share = on
}

// Host returns this instance's identity.
func (m *Manager) Host() string { return m.host }

// RestoredHost returns the host that wrote the current state document.
func (m *Manager) RestoredHost() string { return m.GetString(".host") }

// Get returns an integer (or boolean, as 0/1) from the state document.
func (m *Manager) Get(path string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := config.Wrap(m.root).Get(path)
	if node.AsBool() {
		return 1
	}
	return int64(node.AsInt())
}

// GetString returns a string from the state document, or "".
func (m *Manager) GetString(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return config.Wrap(m.root).Get(path).AsString()
}

// Root returns the state document for structured traversal.
func (m *Manager) Root() config.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return config.Wrap(m.root)
}

// format composes the saved document from the given workers. Runs without
// the manager lock: workers take their own module locks.
func (m *Manager) format(workers []Worker) ([]byte, error) {
	doc := map[string]any{"host": m.host}
	for _, w := range workers {
		w(doc)
	}
	return json.Marshal(doc)
}

// Periodic saves dirty state, at most once per second, retrying for up to
// ten seconds before giving up.
func (m *Manager) Periodic(now time.Time) {
	now = now.Truncate(time.Second)
	m.mu.Lock()
	if now.Equal(m.lastRun) {
		m.mu.Unlock()
		return
	}
	m.lastRun = now

	if m.dirtyAt.IsZero() {
		m.mu.Unlock()
		return
	}
	if m.dirtyAt.Before(now.Add(-saveRetryWindow)) {
		// Retried long enough; clear the flag to avoid a retry storm.
		m.dirtyAt = time.Time{}
		m.mu.Unlock()
		metrics.StateSaves.WithLabelValues("abandoned").Inc()
		return
	}
	if !m.dirtyAt.Before(now) {
		m.mu.Unlock()
		return
	}

	workers := append([]Worker(nil), m.workers...)
	share := m.share
	dep := m.depot
	m.mu.Unlock()

	data, err := m.format(workers)
	if err != nil {
		m.rec.Trace("BACKUP", "format: %v", err)
		return
	}

	if share && dep != nil {
		m.rec.Event("SYSTEM", "BACKUP", "SAVE", "TO DEPOT %s/%s", depotGroup, depotKey)
		dep.Put(depotGroup, depotKey, data)
	}
	saved := true
	if m.useLocal {
		if err := os.WriteFile(m.path, data, 0o644); err != nil {
			m.rec.Trace("BACKUP", "cannot write %s: %v", m.path, err)
			saved = false
		}
	}
	if saved {
		m.mu.Lock()
		m.dirtyAt = time.Time{}
		m.mu.Unlock()
		metrics.StateSaves.WithLabelValues("ok").Inc()
	} else {
		metrics.StateSaves.WithLabelValues("error").Inc()
	}
}
