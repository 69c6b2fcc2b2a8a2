package restore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"mogipos/internal/changelog"
	"mogipos/internal/config"
	"mogipos/internal/logging"
	"mogipos/internal/manifest"
	"mogipos/internal/metrics"
	"mogipos/internal/snapshot"
	"mogipos/internal/state"
)

func put(t *testing.T, st state.Store, col state.Collection, key, value string) {
	t.Helper()
	if err := st.Put(col, key, []byte(value)); err != nil {
		t.Fatalf("put %s/%s: %v", col, key, err)
	}
}

func mustGet(t *testing.T, st state.Store, col state.Collection, key string) string {
	t.Helper()
	v, err := st.Get(col, key)
	if err != nil {
		t.Fatalf("get %s/%s: %v", col, key, err)
	}
	return string(v)
}

// Snapshot, manifest and journal written through a RecordingStore restore
// into an empty store.
func TestRestoreAndReplay_EndToEnd(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	snapDir := filepath.Join(base, "snapshots")
	logDir := filepath.Join(base, "changelog")

	fw, err := changelog.NewFileWriter(logDir, config.ChangelogFile)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	live := changelog.NewRecordingStore(state.NewInMemoryStore(), fw, logging.Discard(), nil)

	put(t, live, state.Items, "drip", `{"id":"drip","price":300}`)
	put(t, live, state.Meta, "seq", `{"key":"seq","value":1}`)

	snaps := snapshot.NewFilesystemSnapshotter(snapDir)
	mf := manifest.NewFilesystemManifest(snapDir)
	if err := snaps.WriteSnapshot("snap-1", live); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if err := mf.PublishLatest(ctx, "snap-1", fw.Offset()); err != nil {
		t.Fatalf("publish manifest: %v", err)
	}

	if err := live.Commit([]state.Write{
		{Collection: state.Orders, Key: "o1", Value: json.RawMessage(`{"id":"o1","orderNo":"0001"}`)},
		{Collection: state.Meta, Key: "seq", Value: json.RawMessage(`{"key":"seq","value":2}`)},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := live.Delete(state.Items, "drip"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	target := state.NewInMemoryStore()
	put(t, target, state.Items, "stale", `{}`)
	mreg := metrics.NewRegistry()
	r := NewRestorer(target, snaps, mf, logging.Discard(), mreg)
	res, err := r.RestoreAndReplay(ctx, r.FileReplayer(fw.Path()))
	if err != nil {
		t.Fatalf("RestoreAndReplay error: %v", err)
	}
	if res.Applied != 2 || res.Skipped != 0 || res.Offset != 4 || res.SnapshotID != "snap-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := mustGet(t, target, state.Meta, "seq"); got != `{"key":"seq","value":2}` {
		t.Fatalf("counter not replayed: %s", got)
	}
	mustGet(t, target, state.Orders, "o1")
	if _, err := target.Get(state.Items, "drip"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("delete not replayed: %v", err)
	}
	if _, err := target.Get(state.Items, "stale"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("snapshot load must replace existing keys: %v", err)
	}
	if got := testutil.ToFloat64(mreg.ReplayApplied); got != 2 {
		t.Fatalf("want 2 replayed, got %v", got)
	}
}

func TestRestoreAndReplay_NoManifestReplaysEverything(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	fw, err := changelog.NewFileWriter(base, config.ChangelogFile)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	live := changelog.NewRecordingStore(state.NewInMemoryStore(), fw, logging.Discard(), nil)
	put(t, live, state.Items, "tea", `{"id":"tea"}`)

	target := state.NewInMemoryStore()
	r := NewRestorer(target, snapshot.NewFilesystemSnapshotter(base), manifest.NewFilesystemManifest(base), logging.Discard(), nil)
	res, err := r.RestoreAndReplay(ctx, r.FileReplayer(fw.Path()))
	if err != nil {
		t.Fatalf("RestoreAndReplay error: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	mustGet(t, target, state.Items, "tea")
}

func TestRestoreFromSnapshot_Missing(t *testing.T) {
	st := state.NewInMemoryStore()
	put(t, st, state.Items, "drip", `{}`)
	r := NewRestorer(st, snapshot.NewFilesystemSnapshotter(t.TempDir()), nil, logging.Discard(), nil)
	ok, err := r.RestoreFromSnapshot("snap-missing")
	if err != nil || ok {
		t.Fatalf("want (false, nil), got (%v, %v)", ok, err)
	}
	mustGet(t, st, state.Items, "drip")
}

func TestReplayChangelog_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pos.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewRestorer(state.NewInMemoryStore(), nil, nil, logging.Discard(), nil)
	if _, err := r.ReplayChangelog(context.Background(), path, 0); err == nil {
		t.Fatalf("expected error")
	}
}

// fakeReader serves queued messages then blocks until the context ends.
type fakeReader struct {
	msgs []kafka.Message
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) Close() error { return nil }

func entryMsg(t *testing.T, key, value string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(changelog.Entry{
		Kind:   "put",
		Key:    "items/" + key,
		Writes: []state.Write{{Collection: state.Items, Key: key, Value: json.RawMessage(value)}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Key: []byte("items/" + key), Value: b}
}

func TestReplayFromKafka_SkipsUpToOffset(t *testing.T) {
	st := state.NewInMemoryStore()
	r := NewRestorer(st, nil, nil, logging.Discard(), nil)
	r.idle = 20 * time.Millisecond
	rd := &fakeReader{msgs: []kafka.Message{
		entryMsg(t, "a", `{"id":"a"}`),
		entryMsg(t, "b", `{"id":"b"}`),
		entryMsg(t, "c", `{"id":"c"}`),
	}}
	res, err := r.replayFrom(context.Background(), rd, 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Applied != 2 || res.Offset != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := st.Get(state.Items, "a"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("entry before offset applied: %v", err)
	}
	mustGet(t, st, state.Items, "c")
}

func TestKafkaReader_KeepsLastManifestForKey(t *testing.T) {
	rec := func(key string, m manifest.Manifest) kafka.Message {
		b, _ := json.Marshal(m)
		return kafka.Message{Key: []byte(key), Value: b}
	}
	rd := &fakeReader{msgs: []kafka.Message{
		rec(manifest.DefaultKey, manifest.Manifest{SnapshotID: "snap-1", LastChangelogOffset: 3}),
		rec("other", manifest.Manifest{SnapshotID: "nope"}),
		rec(manifest.DefaultKey, manifest.Manifest{SnapshotID: "snap-2", LastChangelogOffset: 7}),
	}}
	kr := &KafkaReader{open: func() messageReader { return rd }, key: []byte(manifest.DefaultKey), idle: 20 * time.Millisecond}
	m, err := kr.ReadLatest(context.Background())
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if m.SnapshotID != "snap-2" || m.LastChangelogOffset != 7 {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	empty := &KafkaReader{open: func() messageReader { return &fakeReader{} }, key: []byte(manifest.DefaultKey), idle: 20 * time.Millisecond}
	if _, err := empty.ReadLatest(context.Background()); !errors.Is(err, manifest.ErrNoManifest) {
		t.Fatalf("want ErrNoManifest, got %v", err)
	}
}
