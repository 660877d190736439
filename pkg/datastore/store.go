// Package datastore holds the versioned configuration store that migrations transform.
//
// Settings are addressed by dotted keys such as "settings.kubernetes.max-pods". A key is either a
// leaf holding a JSON value or a prefix of other keys, never both.
package datastore

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrInvalidKey  = errors.New("invalid key")
	ErrKeyConflict = errors.New("key conflicts with an existing key")
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExists   = errors.New("key already exists")
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateKey checks that key is a non-empty dotted path of [A-Za-z0-9_-] segments.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, ".") {
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Store is a configuration key tree tagged with the version it was last migrated to.
type Store struct {
	Version  *semver.Version           `json:"version"`
	Data     map[string]any            `json:"data"`
	Metadata map[string]map[string]any `json:"metadata,omitempty"`
}

// New returns an empty store at version.
func New(version *semver.Version) *Store {
	return &Store{
		Version:  version,
		Data:     make(map[string]any),
		Metadata: make(map[string]map[string]any),
	}
}

func (s *Store) init() {
	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]map[string]any)
	}
}

// Get returns the value of a leaf key.
func (s *Store) Get(key string) (any, bool) {
	v, ok := s.Data[key]
	return v, ok
}

// Has reports whether key is a leaf or a prefix of other keys.
func (s *Store) Has(key string) bool {
	if _, ok := s.Data[key]; ok {
		return true
	}
	return len(s.Keys(key)) > 0
}

// Keys returns the sorted leaf keys below prefix. An empty prefix returns every key.
func (s *Store) Keys(prefix string) []string {
	var keys []string
	for k := range s.Data {
		if prefix == "" || strings.HasPrefix(k, prefix+".") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Set stores value at key, replacing an existing leaf.
func (s *Store) Set(key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.checkConflict(key); err != nil {
		return err
	}
	s.init()
	s.Data[key] = deepCopy(value)
	return nil
}

func (s *Store) checkConflict(key string) error {
	if len(s.Keys(key)) > 0 {
		return fmt.Errorf("%w: %s has children", ErrKeyConflict, key)
	}
	parts := strings.Split(key, ".")
	for i := 1; i < len(parts); i++ {
		parent := strings.Join(parts[:i], ".")
		if _, ok := s.Data[parent]; ok {
			return fmt.Errorf("%w: %s is a value", ErrKeyConflict, parent)
		}
	}
	return nil
}

// Delete removes a leaf key and its metadata. It reports whether the key existed.
func (s *Store) Delete(key string) bool {
	if _, ok := s.Data[key]; !ok {
		return false
	}
	delete(s.Data, key)
	delete(s.Metadata, key)
	return true
}

// Rename moves a leaf key, or every key below a prefix, to a new name.
func (s *Store) Rename(from, to string) error {
	if err := ValidateKey(to); err != nil {
		return err
	}
	if from == to {
		return nil
	}

	moves := make(map[string]string)
	if _, ok := s.Data[from]; ok {
		moves[from] = to
	}
	for _, k := range s.Keys(from) {
		moves[k] = to + strings.TrimPrefix(k, from)
	}
	if len(moves) == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, from)
	}
	if s.Has(to) {
		return fmt.Errorf("%w: %s", ErrKeyExists, to)
	}

	work := s.Clone()
	for old := range moves {
		delete(work.Data, old)
		delete(work.Metadata, old)
	}
	for old, renamed := range moves {
		if err := work.checkConflict(renamed); err != nil {
			return err
		}
		work.Data[renamed] = s.Data[old]
		if m, ok := s.Metadata[old]; ok {
			work.Metadata[renamed] = m
		}
	}
	s.Data = work.Data
	s.Metadata = work.Metadata
	return nil
}

// SetMetadata attaches a metadata value to key.
func (s *Store) SetMetadata(key, name string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.init()
	if s.Metadata[key] == nil {
		s.Metadata[key] = make(map[string]any)
	}
	s.Metadata[key][name] = deepCopy(value)
	return nil
}

// GetMetadata returns a metadata value of key.
func (s *Store) GetMetadata(key, name string) (any, bool) {
	v, ok := s.Metadata[key][name]
	return v, ok
}

// DeleteMetadata removes a metadata value of key and drops the key's metadata once it is empty.
func (s *Store) DeleteMetadata(key, name string) {
	m, ok := s.Metadata[key]
	if !ok {
		return
	}
	delete(m, name)
	if len(m) == 0 {
		delete(s.Metadata, key)
	}
}

// Clone returns a deep copy of s.
func (s *Store) Clone() *Store {
	c := &Store{
		Data:     make(map[string]any, len(s.Data)),
		Metadata: make(map[string]map[string]any, len(s.Metadata)),
	}
	if s.Version != nil {
		v := *s.Version
		c.Version = &v
	}
	for k, v := range s.Data {
		c.Data[k] = deepCopy(v)
	}
	for k, m := range s.Metadata {
		cm := make(map[string]any, len(m))
		for name, v := range m {
			cm[name] = deepCopy(v)
		}
		c.Metadata[k] = cm
	}
	return c
}

// Equal reports whether both stores hold the same data and metadata. Versions are ignored.
func (s *Store) Equal(o *Store) bool {
	return reflect.DeepEqual(nonNil(s.Data), nonNil(o.Data)) &&
		reflect.DeepEqual(nonNilMeta(s.Metadata), nonNilMeta(o.Metadata))
}

// Tree returns the data as nested maps.
func (s *Store) Tree() map[string]any {
	root := make(map[string]any)
	for _, k := range s.Keys("") {
		node := root
		parts := strings.Split(k, ".")
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = deepCopy(s.Data[k])
	}
	return root
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilMeta(m map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(m))
	for k, v := range m {
		if len(v) > 0 {
			out[k] = v
		}
	}
	return out
}

// Normalize returns a deep copy of v in the form JSON decoding produces: every number becomes a
// float64 and typed slices become []any.
func Normalize(v any) any {
	return deepCopy(v)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = deepCopy(e)
		}
		return s
	case []string:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = e
		}
		return s
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = e
		}
		return m
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
