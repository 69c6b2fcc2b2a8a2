package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"mogipos/internal/state"
)

// StateFile is the name of the dump inside a snapshot directory.
const StateFile = "state.json"

type Snapshotter interface {
	WriteSnapshot(snapshotID string, st state.Store) error
}

// NewID names a snapshot after its creation time.
func NewID(now time.Time) string {
	return fmt.Sprintf("snap-%d", now.UTC().UnixMilli())
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) Dir() string { return f.baseDir }

// WriteSnapshot dumps every collection to <base>/<id>/state.json. The file
// is written under a temporary name and renamed so a crash never leaves a
// truncated snapshot behind.
func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, st state.Store) error {
	dir := filepath.Join(f.baseDir, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}
	dump, err := state.Snapshot(st)
	if err != nil {
		return errors.Wrap(err, "dump store")
	}

	tmp := filepath.Join(dir, StateFile+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create")
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		out.Close()
		return errors.Wrap(err, "encode")
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errors.Wrap(err, "sync")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "close")
	}
	return errors.Wrap(os.Rename(tmp, filepath.Join(dir, StateFile)), "rename")
}

// ReadSnapshot loads a dump written by WriteSnapshot. A missing snapshot
// returns an error satisfying os.IsNotExist via errors.Cause.
func (f *FilesystemSnapshotter) ReadSnapshot(snapshotID string) (state.Dump, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, snapshotID, StateFile))
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}
	var dump state.Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}
	return dump, nil
}
