package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Collection names one of the three record groups of the terminal.
type Collection string

const (
	Items  Collection = "items"
	Orders Collection = "orders"
	Meta   Collection = "meta"
)

// Collections lists every collection in a stable order.
var Collections = []Collection{Items, Orders, Meta}

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable matches every backend failure (quota, corruption, closed db).
	ErrUnavailable = errors.New("store unavailable")
)

// UnavailableError wraps a backend failure for one operation.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// Write is one put or delete inside a Commit.
type Write struct {
	Collection Collection      `json:"collection"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
	Delete     bool            `json:"delete,omitempty"`
}

// Dump is a full copy of the store, keyed by collection then record key.
type Dump map[Collection]map[string]json.RawMessage

// Store is the durability layer. Every method is atomic on its own; Commit
// applies all of its writes or none of them.
type Store interface {
	Get(col Collection, key string) ([]byte, error)
	GetAll(col Collection) ([][]byte, error)
	Put(col Collection, key string, value []byte) error
	Delete(col Collection, key string) error
	Commit(writes []Write) error
	Range(fn func(col Collection, key string, value []byte) error) error
	LoadAll(dump Dump) error
	Close() error
}

const keySep = "/"

func encodeKey(col Collection, key string) []byte {
	return []byte(string(col) + keySep + key)
}

func decodeKey(raw []byte) (Collection, string, bool) {
	col, key, ok := strings.Cut(string(raw), keySep)
	if !ok {
		return "", "", false
	}
	return Collection(col), key, true
}

// prefixBounds returns [lower, upper) covering every key of col.
func prefixBounds(col Collection) ([]byte, []byte) {
	lower := []byte(string(col) + keySep)
	upper := append([]byte(string(col)), keySep[0]+1)
	return lower, upper
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[Collection]map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[Collection]map[string][]byte)}
}

func (s *InMemoryStore) Get(col Collection, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[col][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *InMemoryStore) GetAll(col Collection) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data[col]))
	for k := range s.data[col] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, append([]byte(nil), s.data[col][k]...))
	}
	return out, nil
}

func (s *InMemoryStore) Put(col Collection, key string, value []byte) error {
	return s.Commit([]Write{{Collection: col, Key: key, Value: value}})
}

func (s *InMemoryStore) Delete(col Collection, key string) error {
	return s.Commit([]Write{{Collection: col, Key: key, Delete: true}})
}

func (s *InMemoryStore) Commit(writes []Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		if w.Delete {
			delete(s.data[w.Collection], w.Key)
			continue
		}
		m, ok := s.data[w.Collection]
		if !ok {
			m = make(map[string][]byte)
			s.data[w.Collection] = m
		}
		m[w.Key] = append([]byte(nil), w.Value...)
	}
	return nil
}

func (s *InMemoryStore) Range(fn func(col Collection, key string, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for col, m := range s.data {
		for k, v := range m {
			if err := fn(col, k, v); err != nil {
				return errors.Wrap(err, "range callback failed")
			}
		}
	}
	return nil
}

// LoadAll replaces the store contents with the provided snapshot.
func (s *InMemoryStore) LoadAll(dump Dump) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[Collection]map[string][]byte, len(dump))
	for col, recs := range dump {
		m := make(map[string][]byte, len(recs))
		for k, v := range recs {
			m[k] = append([]byte(nil), v...)
		}
		s.data[col] = m
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
