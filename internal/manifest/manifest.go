package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"mogipos/internal/changelog"
)

const (
	// LatestFile is the filesystem manifest name inside the snapshot dir.
	LatestFile = "manifest.latest.json"
	// DefaultKey is the record key of the manifest on the compacted topic.
	DefaultKey = "pos-manifest-latest"
)

// ErrNoManifest means no snapshot was ever published.
var ErrNoManifest = errors.New("no manifest published")

// Manifest points at the newest snapshot and the changelog offset it covers.
type Manifest struct {
	SnapshotID           string `json:"snapshotId"`
	LastChangelogOffset  int64  `json:"lastChangelogOffset"`
	CreatedAtEpochSecond int64  `json:"createdAt"`
}

// Age is the time elapsed since the manifest was published.
func (m Manifest) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(m.CreatedAtEpochSecond, 0))
}

type Publisher interface {
	PublishLatest(ctx context.Context, snapshotID string, lastChangelogOffset int64) error
}

type Reader interface {
	ReadLatest(ctx context.Context) (Manifest, error)
}

// MultiPublisher writes to multiple publishers sequentially.
type MultiPublisherImpl struct {
	pubs []Publisher
}

func MultiPublisher(pubs ...Publisher) Publisher {
	return &MultiPublisherImpl{pubs: pubs}
}

func (m *MultiPublisherImpl) PublishLatest(ctx context.Context, snapshotID string, lastChangelogOffset int64) error {
	for _, p := range m.pubs {
		if err := p.PublishLatest(ctx, snapshotID, lastChangelogOffset); err != nil {
			return err
		}
	}
	return nil
}

func newManifest(snapshotID string, offset int64) Manifest {
	return Manifest{
		SnapshotID:           snapshotID,
		LastChangelogOffset:  offset,
		CreatedAtEpochSecond: time.Now().UTC().Unix(),
	}
}

type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

func (f *FilesystemManifest) PublishLatest(_ context.Context, snapshotID string, lastChangelogOffset int64) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}
	m := newManifest(snapshotID, lastChangelogOffset)
	b, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	file := filepath.Join(f.baseDir, LatestFile)
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "write")
	}
	return errors.Wrap(os.Rename(tmp, file), "rename")
}

func (f *FilesystemManifest) ReadLatest(_ context.Context) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, LatestFile))
	if os.IsNotExist(err) {
		return Manifest{}, ErrNoManifest
	}
	if err != nil {
		return Manifest{}, errors.Wrap(err, "read manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errors.Wrap(err, "unmarshal manifest")
	}
	return m, nil
}

// KafkaManifest publishes manifest.latest as a compacted Kafka record.
type KafkaManifest struct {
	writer kafkaMessageWriter
	key    []byte
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaManifest creates a Kafka manifest publisher.
// bootstrap can be comma-separated brokers.
func NewKafkaManifest(bootstrap string, topic string, key string) *KafkaManifest {
	return &KafkaManifest{writer: &kafka.Writer{
		Addr:         kafka.TCP(changelog.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     changelog.PinnedBalancer(),
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, key: []byte(key)}
}

// NewKafkaManifestWith is only for tests to inject a fake writer.
func NewKafkaManifestWith(w kafkaMessageWriter, key string) *KafkaManifest {
	return &KafkaManifest{writer: w, key: []byte(key)}
}

func (k *KafkaManifest) PublishLatest(ctx context.Context, snapshotID string, lastChangelogOffset int64) error {
	m := newManifest(snapshotID, lastChangelogOffset)
	b, err := json.Marshal(&m)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: k.key, Value: b})
}
