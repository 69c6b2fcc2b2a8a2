package restore

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"mogipos/internal/changelog"
	"mogipos/internal/manifest"
	"mogipos/internal/metrics"
	"mogipos/internal/snapshot"
	"mogipos/internal/state"
)

const defaultIdle = 5 * time.Second

// Result counts what a replay did. Offset is the number of changelog
// entries consumed in total, including the ones the snapshot already held.
type Result struct {
	SnapshotID string
	Applied    int
	Skipped    int
	Offset     int64
}

// Replayer re-applies changelog entries after fromOffset.
type Replayer func(ctx context.Context, fromOffset int64) (Result, error)

type Restorer struct {
	store     state.Store
	snapshots *snapshot.FilesystemSnapshotter
	manifests manifest.Reader
	log       logrus.FieldLogger
	metrics   *metrics.Registry
	idle      time.Duration
}

func NewRestorer(st state.Store, snaps *snapshot.FilesystemSnapshotter, mr manifest.Reader, logger logrus.FieldLogger, mreg *metrics.Registry) *Restorer {
	return &Restorer{
		store:     st,
		snapshots: snaps,
		manifests: mr,
		log:       logger.WithField("component", "restore"),
		metrics:   mreg,
		idle:      defaultIdle,
	}
}

// RestoreFromSnapshot replaces the store contents with the snapshot. A
// missing snapshot leaves the store alone and reports false.
func (r *Restorer) RestoreFromSnapshot(snapshotID string) (bool, error) {
	if snapshotID == "" {
		return false, nil
	}
	dump, err := r.snapshots.ReadSnapshot(snapshotID)
	if os.IsNotExist(errors.Cause(err)) {
		r.log.WithField("snapshot", snapshotID).Warn("snapshot not found, skipping")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := r.store.LoadAll(dump); err != nil {
		return false, errors.Wrap(err, "load snapshot")
	}
	n := 0
	for _, recs := range dump {
		n += len(recs)
	}
	r.log.WithFields(logrus.Fields{"snapshot": snapshotID, "records": n}).Info("snapshot loaded")
	return true, nil
}

// apply re-commits the writes of one entry. Entries carry full record
// values, so applying one twice converges to the same state.
func (r *Restorer) apply(e changelog.Entry) (bool, error) {
	if len(e.Writes) == 0 {
		return false, nil
	}
	if err := r.store.Commit(e.Writes); err != nil {
		return false, err
	}
	if r.metrics != nil {
		r.metrics.ReplayApplied.Inc()
	}
	return true, nil
}

// ReplayChangelog applies the JSON-lines journal at path, skipping the
// first fromOffset lines. A missing journal is an empty one.
func (r *Restorer) ReplayChangelog(ctx context.Context, path string, fromOffset int64) (Result, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return Result{Offset: fromOffset}, nil
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "open changelog")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	var res Result
	var lineNum int64
	for scanner.Scan() {
		lineNum++
		if lineNum <= fromOffset {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var e changelog.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return res, errors.Wrapf(err, "unmarshal line %d", lineNum)
		}
		ok, err := r.apply(e)
		if err != nil {
			return res, errors.Wrapf(err, "apply line %d", lineNum)
		}
		if ok {
			res.Applied++
		} else {
			res.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return res, errors.Wrap(err, "scan changelog")
	}
	res.Offset = lineNum
	if res.Offset < fromOffset {
		res.Offset = fromOffset
	}
	return res, nil
}

// messageReader abstracts kafka.Reader for testability.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func newPartitionReader(brokers []string, topic string) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		Partition:   changelog.JournalPartition,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
}

// ReplayChangelogKafka consumes entries from partition 0 of topic. fromOffset
// is a message index, matching the line offsets of the file journal. The
// replay ends once the topic has been idle for the idle timeout.
func (r *Restorer) ReplayChangelogKafka(ctx context.Context, brokers []string, topic string, fromOffset int64) (Result, error) {
	rd := newPartitionReader(brokers, topic)
	defer rd.Close()
	return r.replayFrom(ctx, rd, fromOffset)
}

func (r *Restorer) replayFrom(ctx context.Context, rd messageReader, fromOffset int64) (Result, error) {
	var res Result
	var idx int64
	for {
		m, err := readIdle(ctx, rd, r.idle)
		if errors.Is(err, errIdle) {
			break
		}
		if err != nil {
			return res, errors.Wrap(err, "read kafka")
		}
		idx++
		if idx <= fromOffset {
			continue
		}
		var e changelog.Entry
		if err := json.Unmarshal(m.Value, &e); err != nil {
			return res, errors.Wrapf(err, "unmarshal entry %d", idx)
		}
		ok, err := r.apply(e)
		if err != nil {
			return res, errors.Wrapf(err, "apply entry %d", idx)
		}
		if ok {
			res.Applied++
		} else {
			res.Skipped++
		}
	}
	res.Offset = idx
	if res.Offset < fromOffset {
		res.Offset = fromOffset
	}
	return res, nil
}

var errIdle = errors.New("reader idle")

func readIdle(ctx context.Context, rd messageReader, idle time.Duration) (kafka.Message, error) {
	readCtx, cancel := context.WithTimeout(ctx, idle)
	defer cancel()
	m, err := rd.ReadMessage(readCtx)
	if err != nil && ctx.Err() == nil && readCtx.Err() != nil {
		return kafka.Message{}, errIdle
	}
	return m, err
}

func (r *Restorer) FileReplayer(path string) Replayer {
	return func(ctx context.Context, from int64) (Result, error) {
		return r.ReplayChangelog(ctx, path, from)
	}
}

func (r *Restorer) KafkaReplayer(brokers []string, topic string) Replayer {
	return func(ctx context.Context, from int64) (Result, error) {
		return r.ReplayChangelogKafka(ctx, brokers, topic, from)
	}
}

// RestoreAndReplay loads the latest snapshot and replays the journal after
// it. With no manifest at all the store is emptied and the whole journal is
// replayed.
func (r *Restorer) RestoreAndReplay(ctx context.Context, replay Replayer) (Result, error) {
	var from int64
	m, err := r.manifests.ReadLatest(ctx)
	switch {
	case errors.Is(err, manifest.ErrNoManifest):
		r.log.Warn("no manifest published, replaying the whole changelog")
		if err := r.store.LoadAll(state.Dump{}); err != nil {
			return Result{}, errors.Wrap(err, "reset store")
		}
	case err != nil:
		return Result{}, errors.Wrap(err, "read manifest")
	default:
		if _, err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
			return Result{}, errors.Wrap(err, "restore snapshot")
		}
		from = m.LastChangelogOffset
		if r.metrics != nil {
			r.metrics.LastSnapshotAgeSec.Set(m.Age(time.Now()).Seconds())
		}
	}

	res, err := replay(ctx, from)
	res.SnapshotID = m.SnapshotID
	if err != nil {
		return res, errors.Wrap(err, "replay changelog")
	}
	r.log.WithFields(logrus.Fields{
		"snapshot": m.SnapshotID,
		"from":     from,
		"applied":  res.Applied,
		"skipped":  res.Skipped,
	}).Info("restore complete")
	return res, nil
}

// KafkaReader reads the latest manifest record from a compacted Kafka topic.
type KafkaReader struct {
	open func() messageReader
	key  []byte
	idle time.Duration
}

func NewKafkaReader(brokers []string, topic string, key string) *KafkaReader {
	return &KafkaReader{
		open: func() messageReader { return newPartitionReader(brokers, topic) },
		key:  []byte(key),
		idle: defaultIdle,
	}
}

// ReadLatest scans the topic from the start and keeps the last record for
// the key, which is fine for a compacted topic.
func (k *KafkaReader) ReadLatest(ctx context.Context) (manifest.Manifest, error) {
	rd := k.open()
	defer rd.Close()

	var last manifest.Manifest
	for {
		m, err := readIdle(ctx, rd, k.idle)
		if errors.Is(err, errIdle) {
			break
		}
		if err != nil {
			return manifest.Manifest{}, errors.Wrap(err, "read kafka")
		}
		if string(m.Key) != string(k.key) {
			continue
		}
		var man manifest.Manifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return manifest.Manifest{}, errors.Wrap(err, "unmarshal kafka manifest")
		}
		last = man
	}
	if last.SnapshotID == "" {
		return manifest.Manifest{}, manifest.ErrNoManifest
	}
	return last, nil
}
