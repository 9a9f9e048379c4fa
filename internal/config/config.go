// Package config holds the watering configuration: a JSON document loaded
// from disk (or the factory defaults), queried by dotted path. The document
// is immutable between reloads; applying a new one rebuilds every dependent
// table through the engine refresh.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hausgrid/sprinklerd/internal/events"
)

// DefaultFile is the standard location of the watering configuration.
const DefaultFile = "/etc/house/sprinkler.json"

// FactoryDefaultsFile is used when no configuration was installed yet.
const FactoryDefaultsFile = "/usr/local/share/house/public/sprinkler/defaults.json"

// Store owns the parsed configuration document.
type Store struct {
	mu sync.RWMutex

	path        string
	factoryPath string
	useLocal    bool
	rec         *events.Recorder

	raw         []byte
	root        any
	fromFactory bool
}

// New creates a store reading from path, falling back to factoryPath.
// When useLocal is false, configuration updates are not written to disk.
func New(path, factoryPath string, useLocal bool, rec *events.Recorder) *Store {
	if path == "" {
		path = DefaultFile
	}
	if factoryPath == "" {
		factoryPath = FactoryDefaultsFile
	}
	return &Store{path: path, factoryPath: factoryPath, useLocal: useLocal, rec: rec}
}

// Path returns the name of the active configuration file.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fromFactory {
		return s.factoryPath
	}
	return s.path
}

// Load reads the configuration file, or the factory defaults when the
// regular file is absent. A parse failure leaves the previous document in
// place.
func (s *Store) Load() error {
	name := s.path
	fromFactory := false
	text, err := os.ReadFile(name)
	if err != nil {
		name = s.factoryPath
		fromFactory = true
		text, err = os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("config not accessible: %w", err)
		}
	}

	var root any
	if err := json.Unmarshal(text, &root); err != nil {
		s.rec.Event("SYSTEM", "CONFIG", "FAILED", "FILE %s: %v", name, err)
		return fmt.Errorf("parse %s: %w", name, err)
	}

	s.mu.Lock()
	s.raw = text
	s.root = root
	s.fromFactory = fromFactory
	s.mu.Unlock()

	s.rec.Event("SYSTEM", "CONFIG", "LOAD", "FILE %s", name)
	return nil
}

// Apply replaces the live configuration with the provided text, and updates
// the configuration file when local storage is enabled. On error the
// previous configuration is preserved.
func (s *Store) Apply(text []byte) error {
	if len(text) < 10 || text[0] != '{' {
		s.rec.Trace("CONFIG", "invalid config string (length %d)", len(text))
		return fmt.Errorf("invalid config string")
	}
	var root any
	if err := json.Unmarshal(text, &root); err != nil {
		s.rec.Trace("CONFIG", "JSON error %v", err)
		return err
	}

	if s.useLocal {
		if err := os.WriteFile(s.path, text, 0o644); err != nil {
			s.rec.Trace("CONFIG", "cannot save to %s: %v", s.path, err)
			return fmt.Errorf("cannot save to file: %w", err)
		}
	}

	s.mu.Lock()
	s.raw = append([]byte(nil), text...)
	s.root = root
	s.fromFactory = false
	s.mu.Unlock()
	s.rec.Event("SYSTEM", "CONFIG", "UPDATED", "FILE %s", s.path)
	return nil
}

// Raw returns the stored configuration text, byte for byte.
func (s *Store) Raw() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw
}

// Root returns the root node of the document.
func (s *Store) Root() Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Node{s.root}
}

// ─── Node accessors ─────────────────────────────────────────────────────────

// Node wraps one value of the configuration tree. The zero Node is nil and
// all accessors return zero values on it, so lookups never need guarding.
type Node struct {
	v any
}

// Wrap makes a Node out of any decoded JSON value. Other modules use this to
// run the same dotted-path accessors over documents they parsed themselves.
func Wrap(v any) Node { return Node{v} }

// IsNil reports whether the node holds no value.
func (n Node) IsNil() bool { return n.v == nil }

// Get resolves a dotted path like ".adjust.min" relative to this node.
// An empty path (or ".") returns the node itself.
func (n Node) Get(path string) Node {
	cur := n.v
	for _, key := range strings.Split(path, ".") {
		if key == "" {
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return Node{}
		}
		cur, ok = obj[key]
		if !ok {
			return Node{}
		}
	}
	return Node{cur}
}

// Exists reports whether the path resolves to any value.
func (n Node) Exists(path string) bool { return !n.Get(path).IsNil() }

// String returns the string at path, or "".
func (n Node) String(path string) string {
	if s, ok := n.Get(path).v.(string); ok {
		return s
	}
	return ""
}

// Int returns the integer at path, or 0. Booleans and non-numbers are 0.
func (n Node) Int(path string) int {
	if f, ok := n.Get(path).v.(float64); ok {
		return int(f)
	}
	return 0
}

// Positive returns the integer at path clamped to >= 0.
func (n Node) Positive(path string) int {
	v := n.Int(path)
	if v < 0 {
		return 0
	}
	return v
}

// Bool returns the boolean at path, or false.
func (n Node) Bool(path string) bool {
	if b, ok := n.Get(path).v.(bool); ok {
		return b
	}
	return false
}

// Array returns the elements of the array at path, or nil.
func (n Node) Array(path string) []Node {
	arr, ok := n.Get(path).v.([]any)
	if !ok {
		return nil
	}
	out := make([]Node, len(arr))
	for i, v := range arr {
		out[i] = Node{v}
	}
	return out
}

// AsInt returns the node's own value as an integer.
func (n Node) AsInt() int {
	if f, ok := n.v.(float64); ok {
		return int(f)
	}
	return 0
}

// AsBool returns the node's own value as a boolean.
func (n Node) AsBool() bool {
	if b, ok := n.v.(bool); ok {
		return b
	}
	return false
}

// AsString returns the node's own value as a string.
func (n Node) AsString() string {
	if s, ok := n.v.(string); ok {
		return s
	}
	return ""
}
