package state

import (
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).
		WithLogger(nil).
		WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, unavailable("badger open", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func (b *BadgerStore) Get(col Collection, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKey(col, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("badger get", err)
	}
	return out, nil
}

func (b *BadgerStore) GetAll(col Collection) ([][]byte, error) {
	prefix, _ := prefixBounds(col)
	var out [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("badger iter", err)
	}
	return out, nil
}

func (b *BadgerStore) Put(col Collection, key string, value []byte) error {
	return b.Commit([]Write{{Collection: col, Key: key, Value: value}})
}

func (b *BadgerStore) Delete(col Collection, key string) error {
	return b.Commit([]Write{{Collection: col, Key: key, Delete: true}})
}

// Commit applies the writes inside one read-write transaction.
func (b *BadgerStore) Commit(writes []Write) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			k := encodeKey(w.Collection, w.Key)
			if w.Delete {
				if err := txn.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(k, append([]byte(nil), w.Value...)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("badger commit", err)
	}
	return nil
}

func (b *BadgerStore) Range(fn func(col Collection, key string, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			col, key, ok := decodeKey(item.KeyCopy(nil))
			if !ok {
				continue
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return unavailable("badger iter", err)
			}
			if err := fn(col, key, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll replaces every key with the snapshot in one transaction.
func (b *BadgerStore) LoadAll(dump Dump) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		// Collect keys first to avoid mutating while iterating.
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var keysToDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keysToDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for col, recs := range dump {
			for k, v := range recs {
				if err := txn.Set(encodeKey(col, k), append([]byte(nil), v...)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("badger load", err)
	}
	return nil
}
