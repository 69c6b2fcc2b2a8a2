package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"mogipos/internal/changelog"
)

func TestPublishAndReadLatest(t *testing.T) {
	ctx := context.Background()
	m := NewFilesystemManifest(t.TempDir())
	if err := m.PublishLatest(ctx, "snap-123", 42); err != nil {
		t.Fatalf("PublishLatest error: %v", err)
	}
	got, err := m.ReadLatest(ctx)
	if err != nil {
		t.Fatalf("ReadLatest error: %v", err)
	}
	if got.SnapshotID != "snap-123" || got.LastChangelogOffset != 42 || got.CreatedAtEpochSecond == 0 {
		t.Fatalf("unexpected manifest: %+v", got)
	}
	if got.Age(time.Now()) > time.Minute {
		t.Fatalf("manifest too old: %v", got.Age(time.Now()))
	}
}

func TestReadLatest_Missing(t *testing.T) {
	_, err := NewFilesystemManifest(t.TempDir()).ReadLatest(context.Background())
	if !errors.Is(err, ErrNoManifest) {
		t.Fatalf("want ErrNoManifest, got %v", err)
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaManifest_PublishLatest_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	km := NewKafkaManifestWith(fk, DefaultKey)
	if err := km.PublishLatest(context.Background(), "snap-abc", 99); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != DefaultKey {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
	var m Manifest
	if err := json.Unmarshal(fk.msgs[0].Value, &m); err != nil || m.LastChangelogOffset != 99 {
		t.Fatalf("bad value: %s (%v)", fk.msgs[0].Value, err)
	}
}

func TestKafkaManifest_RoutesToJournalPartition(t *testing.T) {
	km := NewKafkaManifest("localhost:9092", "pos-manifest", DefaultKey)
	w, ok := km.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("unexpected writer type %T", km.writer)
	}
	defer w.Close()
	got := w.Balancer.Balance(kafka.Message{Key: []byte(DefaultKey)}, 0, 1, 2, 3, 4, 5)
	if got != changelog.JournalPartition {
		t.Fatalf("manifest routed to partition %d", got)
	}
}

func TestKafkaManifest_PublishLatest_Fail(t *testing.T) {
	km := NewKafkaManifestWith(&fakeKafkaWriter{fail: true}, DefaultKey)
	if err := km.PublishLatest(context.Background(), "snap-abc", 99); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMultiPublisher_StopsAtFirstError(t *testing.T) {
	ok := &fakeKafkaWriter{}
	bad := &fakeKafkaWriter{fail: true}
	after := &fakeKafkaWriter{}
	mp := MultiPublisher(NewKafkaManifestWith(ok, DefaultKey), NewKafkaManifestWith(bad, DefaultKey), NewKafkaManifestWith(after, DefaultKey))
	if err := mp.PublishLatest(context.Background(), "snap", 1); err == nil {
		t.Fatalf("expected error")
	}
	if len(ok.msgs) != 1 || len(after.msgs) != 0 {
		t.Fatalf("unexpected fan out: %d %d", len(ok.msgs), len(after.msgs))
	}
}
