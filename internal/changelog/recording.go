package changelog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mogipos/internal/metrics"
	"mogipos/internal/state"
)

// RecordingStore journals every successful mutation of the wrapped store.
// The store stays authoritative: a journal failure is logged and counted
// but never fails the write that already landed.
type RecordingStore struct {
	state.Store
	w       Writer
	log     logrus.FieldLogger
	metrics *metrics.Registry
	timeout time.Duration
	now     func() time.Time
}

func NewRecordingStore(inner state.Store, w Writer, logger logrus.FieldLogger, mreg *metrics.Registry) *RecordingStore {
	return &RecordingStore{
		Store:   inner,
		w:       w,
		log:     logger.WithField("component", "changelog"),
		metrics: mreg,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

func (r *RecordingStore) Put(col state.Collection, key string, value []byte) error {
	if err := r.Store.Put(col, key, value); err != nil {
		return err
	}
	r.record("put", []state.Write{{Collection: col, Key: key, Value: append([]byte(nil), value...)}})
	return nil
}

func (r *RecordingStore) Delete(col state.Collection, key string) error {
	if err := r.Store.Delete(col, key); err != nil {
		return err
	}
	r.record("delete", []state.Write{{Collection: col, Key: key, Delete: true}})
	return nil
}

func (r *RecordingStore) Commit(writes []state.Write) error {
	if err := r.Store.Commit(writes); err != nil {
		return err
	}
	if len(writes) > 0 {
		r.record("commit", writes)
	}
	return nil
}

func (r *RecordingStore) record(kind string, writes []state.Write) {
	e := Entry{
		Kind:   kind,
		Key:    string(writes[0].Collection) + "/" + writes[0].Key,
		Writes: writes,
		TS:     r.now().UnixMilli(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.w.Append(ctx, e); err != nil {
		r.log.WithError(err).WithField("key", e.Key).Error("changelog append failed")
		if r.metrics != nil {
			r.metrics.ChangelogFailed.Inc()
		}
		return
	}
	if r.metrics != nil {
		r.metrics.ChangelogAppended.Inc()
	}
}
