package state

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Record is anything stored under its own key.
type Record interface {
	RecordKey() string
}

// GetJSON decodes the record at key into out. It returns ErrNotFound when
// the key is absent.
func GetJSON(s Store, col Collection, key string, out any) error {
	v, err := s.Get(col, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(v, out); err != nil {
		return unavailable("decode "+string(col)+"/"+key, err)
	}
	return nil
}

// List decodes every record of a collection in key order.
func List[T any](s Store, col Collection) ([]T, error) {
	raw, err := s.GetAll(col)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, v := range raw {
		var rec T
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, unavailable("decode "+string(col), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// PutRecord upserts rec under its own key.
func PutRecord(s Store, col Collection, rec Record) error {
	w, err := RecordWrite(col, rec)
	if err != nil {
		return err
	}
	return s.Put(w.Collection, w.Key, w.Value)
}

// RecordWrite encodes rec as a Write for Commit.
func RecordWrite(col Collection, rec Record) (Write, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return Write{}, errors.Wrapf(err, "encode %s/%s", col, rec.RecordKey())
	}
	return Write{Collection: col, Key: rec.RecordKey(), Value: b}, nil
}

// DeleteWrite removes key from col as part of a Commit.
func DeleteWrite(col Collection, key string) Write {
	return Write{Collection: col, Key: key, Delete: true}
}

// Snapshot copies the whole store into a Dump.
func Snapshot(s Store) (Dump, error) {
	dump := make(Dump, len(Collections))
	err := s.Range(func(col Collection, key string, value []byte) error {
		m, ok := dump[col]
		if !ok {
			m = make(map[string]json.RawMessage)
			dump[col] = m
		}
		m[key] = append(json.RawMessage(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dump, nil
}
