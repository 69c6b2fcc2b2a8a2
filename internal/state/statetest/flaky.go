// Package statetest provides store doubles for tests.
package statetest

import (
	"sync"

	"github.com/pkg/errors"

	"mogipos/internal/state"
)

// ErrInjected is the cause of every failure produced by FlakyStore.
var ErrInjected = errors.New("injected failure")

// FlakyStore wraps a store and fails selected operations with an
// unavailable error.
type FlakyStore struct {
	state.Store

	mu      sync.Mutex
	failing map[string]bool
	Commits int
}

func NewFlaky(inner state.Store) *FlakyStore {
	return &FlakyStore{Store: inner, failing: make(map[string]bool)}
}

// Fail makes op ("get", "getall", "put", "delete", "commit") fail until Heal.
func (f *FlakyStore) Fail(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[op] = true
}

func (f *FlakyStore) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = make(map[string]bool)
}

func (f *FlakyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[op] {
		return &state.UnavailableError{Op: op, Err: ErrInjected}
	}
	return nil
}

func (f *FlakyStore) Get(col state.Collection, key string) ([]byte, error) {
	if err := f.check("get"); err != nil {
		return nil, err
	}
	return f.Store.Get(col, key)
}

func (f *FlakyStore) GetAll(col state.Collection) ([][]byte, error) {
	if err := f.check("getall"); err != nil {
		return nil, err
	}
	return f.Store.GetAll(col)
}

func (f *FlakyStore) Put(col state.Collection, key string, value []byte) error {
	if err := f.check("put"); err != nil {
		return err
	}
	return f.Store.Put(col, key, value)
}

func (f *FlakyStore) Delete(col state.Collection, key string) error {
	if err := f.check("delete"); err != nil {
		return err
	}
	return f.Store.Delete(col, key)
}

func (f *FlakyStore) Commit(writes []state.Write) error {
	if err := f.check("commit"); err != nil {
		return err
	}
	f.mu.Lock()
	f.Commits++
	f.mu.Unlock()
	return f.Store.Commit(writes)
}
