package state

import (
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// PebbleStore implements Store using PebbleDB. Every write is synced: a
// finalized sale must survive a power cut at the counter.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		// Small working set: a terminal holds a catalog and a day's orders.
		MemTableSize:             16 << 20,
		MaxConcurrentCompactions: func() int { return 1 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, unavailable("pebble open", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func (p *PebbleStore) Get(col Collection, key string) ([]byte, error) {
	v, closer, err := p.db.Get(encodeKey(col, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("pebble get", err)
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (p *PebbleStore) GetAll(col Collection) ([][]byte, error) {
	lower, upper := prefixBounds(col)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, unavailable("pebble iter", err)
	}
	defer it.Close()
	var out [][]byte
	for it.First(); it.Valid(); it.Next() {
		out = append(out, append([]byte(nil), it.Value()...))
	}
	if err := it.Error(); err != nil {
		return nil, unavailable("pebble iter", err)
	}
	return out, nil
}

func (p *PebbleStore) Put(col Collection, key string, value []byte) error {
	if err := p.db.Set(encodeKey(col, key), value, pebble.Sync); err != nil {
		return unavailable("pebble set", err)
	}
	return nil
}

func (p *PebbleStore) Delete(col Collection, key string) error {
	if err := p.db.Delete(encodeKey(col, key), pebble.Sync); err != nil {
		return unavailable("pebble delete", err)
	}
	return nil
}

// Commit writes every entry through a single batch.
func (p *PebbleStore) Commit(writes []Write) error {
	wb := p.db.NewBatch()
	defer wb.Close()
	for _, w := range writes {
		var err error
		if w.Delete {
			err = wb.Delete(encodeKey(w.Collection, w.Key), nil)
		} else {
			err = wb.Set(encodeKey(w.Collection, w.Key), w.Value, nil)
		}
		if err != nil {
			return unavailable("pebble batch", err)
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return unavailable("pebble commit", err)
	}
	return nil
}

func (p *PebbleStore) Range(fn func(col Collection, key string, value []byte) error) error {
	it, err := p.db.NewIter(nil)
	if err != nil {
		return unavailable("pebble iter", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		col, key, ok := decodeKey(it.Key())
		if !ok {
			continue
		}
		v := append([]byte(nil), it.Value()...)
		if err := fn(col, key, v); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return unavailable("pebble iter", err)
	}
	return nil
}

// LoadAll replaces every key with the snapshot in one batch.
func (p *PebbleStore) LoadAll(dump Dump) error {
	var toDelete [][]byte
	it, err := p.db.NewIter(nil)
	if err != nil {
		return unavailable("pebble iter", err)
	}
	for it.First(); it.Valid(); it.Next() {
		toDelete = append(toDelete, append([]byte(nil), it.Key()...))
	}
	if err := it.Close(); err != nil {
		return unavailable("pebble iter", err)
	}

	wb := p.db.NewBatch()
	defer wb.Close()
	for _, k := range toDelete {
		if err := wb.Delete(k, nil); err != nil {
			return unavailable("pebble batch", err)
		}
	}
	for col, recs := range dump {
		for k, v := range recs {
			if err := wb.Set(encodeKey(col, k), v, nil); err != nil {
				return unavailable("pebble batch", err)
			}
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return unavailable("pebble commit", err)
	}
	return nil
}
