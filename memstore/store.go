// Package memstore is a namespaced key-value store shared across a run,
// visible to predicates and templates as `memory`. Mutations are serialized;
// the store optionally persists to disk as JSON or CSV with typed values.
package memstore

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// DefaultNamespace holds keys set without an explicit namespace.
const DefaultNamespace = "default"

// Persistence formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("memory key not found")

// Store is a namespaced KV store. Safe for concurrent use; each mutation
// holds the write lock, so at most one write is in flight.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: map[string]map[string]any{}}
}

func (s *Store) ns(namespace string) string {
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}

// Get returns the value for key in namespace.
func (s *Store) Get(namespace, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.data[s.ns(namespace)]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Has reports whether key exists in namespace.
func (s *Store) Has(namespace, key string) bool {
	_, ok := s.Get(namespace, key)
	return ok
}

// Set stores value under key in namespace.
func (s *Store) Set(namespace, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ns(namespace)
	if s.data[n] == nil {
		s.data[n] = map[string]any{}
	}
	s.data[n][key] = value
}

// Append adds value to the list stored under key, creating the list when
// absent and promoting a scalar to a one-element list.
func (s *Store) Append(namespace, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ns(namespace)
	if s.data[n] == nil {
		s.data[n] = map[string]any{}
	}
	switch cur := s.data[n][key].(type) {
	case nil:
		s.data[n][key] = []any{value}
	case []any:
		s.data[n][key] = append(cur, value)
	default:
		s.data[n][key] = []any{cur, value}
	}
}

// Increment adds delta to the numeric value under key and returns the new
// value. A missing or non-numeric value counts as zero.
func (s *Store) Increment(namespace, key string, delta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ns(namespace)
	if s.data[n] == nil {
		s.data[n] = map[string]any{}
	}
	cur := 0.0
	switch t := s.data[n][key].(type) {
	case float64:
		cur = t
	case int:
		cur = float64(t)
	case int64:
		cur = float64(t)
	}
	cur += delta
	s.data[n][key] = cur
	return cur
}

// Delete removes key from namespace.
func (s *Store) Delete(namespace, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.data[s.ns(namespace)]; ok {
		delete(m, key)
	}
}

// Clear removes every key in namespace.
func (s *Store) Clear(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, s.ns(namespace))
}

// List returns the sorted keys of namespace.
func (s *Store) List(namespace string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.data[s.ns(namespace)]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ListNamespaces returns the sorted non-empty namespaces.
func (s *Store) ListNamespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for n, m := range s.data {
		if len(m) > 0 {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// GetAll returns a copy of every key/value in namespace.
func (s *Store) GetAll(namespace string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.data[s.ns(namespace)]
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Snapshot returns a deep-enough copy of all namespaces for serialization.
func (s *Store) Snapshot() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]any, len(s.data))
	for n, m := range s.data {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[n] = cp
	}
	return out
}

// Save persists the store to path in the given format (json or csv).
func (s *Store) Save(path, format string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	switch format {
	case FormatCSV:
		return s.saveCSV(path)
	case FormatJSON, "":
		return s.saveJSON(path)
	default:
		return fmt.Errorf("unknown memory format %q", format)
	}
}

// Load rehydrates the store from path. Missing files are not an error.
func (s *Store) Load(path, format string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	switch format {
	case FormatCSV:
		return s.loadCSV(path)
	case FormatJSON, "":
		return s.loadJSON(path)
	default:
		return fmt.Errorf("unknown memory format %q", format)
	}
}

func (s *Store) saveJSON(path string) error {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *Store) loadJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read memory: %w", err)
	}
	var loaded map[string]map[string]any
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("decode memory: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = loaded
	if s.data == nil {
		s.data = map[string]map[string]any{}
	}
	return nil
}

// CSV layout: namespace,key,type,value — value JSON-encoded so arrays,
// objects, and primitive types round-trip preserving type.
func (s *Store) saveCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create memory csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"namespace", "key", "type", "value"}); err != nil {
		return err
	}
	snap := s.Snapshot()
	namespaces := make([]string, 0, len(snap))
	for n := range snap {
		namespaces = append(namespaces, n)
	}
	sort.Strings(namespaces)
	for _, n := range namespaces {
		keys := make([]string, 0, len(snap[n]))
		for k := range snap[n] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := snap[n][k]
			encoded, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode memory value %s/%s: %w", n, k, err)
			}
			if err := w.Write([]string{n, k, typeName(v), string(encoded)}); err != nil {
				return err
			}
		}
	}
	w.Flush()
	return w.Error()
}

func (s *Store) loadCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open memory csv: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return fmt.Errorf("read memory csv: %w", err)
	}
	data := map[string]map[string]any{}
	for i, rec := range records {
		if i == 0 || len(rec) < 4 {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(rec[3]), &v); err != nil {
			return fmt.Errorf("decode memory value %s/%s: %w", rec[0], rec[1], err)
		}
		if data[rec[0]] == nil {
			data[rec[0]] = map[string]any{}
		}
		data[rec[0]][rec[1]] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "object"
	}
}

// ScopeObject returns the method-like accessor map exposed to predicates and
// templates as `memory`. A bare key uses the default namespace; "ns:key"
// addresses another namespace.
func (s *Store) ScopeObject() map[string]any {
	split := func(key string) (string, string) {
		for i := 0; i < len(key); i++ {
			if key[i] == ':' {
				return key[:i], key[i+1:]
			}
		}
		return DefaultNamespace, key
	}
	return map[string]any{
		"get": func(key string) any {
			ns, k := split(key)
			v, _ := s.Get(ns, k)
			return v
		},
		"has": func(key string) bool {
			ns, k := split(key)
			return s.Has(ns, k)
		},
		"set": func(key string, value any) {
			ns, k := split(key)
			s.Set(ns, k, value)
		},
		"append": func(key string, value any) {
			ns, k := split(key)
			s.Append(ns, k, value)
		},
		"increment": func(key string, delta float64) float64 {
			ns, k := split(key)
			return s.Increment(ns, k, delta)
		},
		"delete": func(key string) {
			ns, k := split(key)
			s.Delete(ns, k)
		},
		"list":           func(namespace string) []string { return s.List(namespace) },
		"listNamespaces": func() []string { return s.ListNamespaces() },
		"getAll":         func(namespace string) map[string]any { return s.GetAll(namespace) },
	}
}
