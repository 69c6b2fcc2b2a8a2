// Package app wires the terminal's components from a Config.
package app

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mogipos/internal/catalog"
	"mogipos/internal/changelog"
	"mogipos/internal/config"
	"mogipos/internal/ledger"
	"mogipos/internal/manifest"
	"mogipos/internal/metrics"
	"mogipos/internal/report"
	"mogipos/internal/restore"
	"mogipos/internal/snapshot"
	"mogipos/internal/state"
	"mogipos/internal/transport"
)

type App struct {
	Config  config.Config
	Log     logrus.FieldLogger
	Metrics *metrics.Registry

	// Base is the raw backend; Store journals every write made through it.
	Base    state.Store
	Store   state.Store
	Journal changelog.Writer

	Catalog   *catalog.Manager
	Ledger    *ledger.Ledger
	Reporter  *report.Reporter
	Snapshots *snapshot.FilesystemSnapshotter
	Manifests manifest.Publisher

	closers []io.Closer
}

// OpenStore opens the configured backend under cfg.DataDir.
func OpenStore(cfg config.Config) (state.Store, error) {
	switch cfg.StateBackend {
	case "memory":
		return state.NewInMemoryStore(), nil
	case "badger":
		return state.NewBadgerStore(filepath.Join(cfg.DataDir, "badger"))
	default:
		return state.NewPebbleStore(filepath.Join(cfg.DataDir, "pebble"))
	}
}

func openJournal(ctx context.Context, cfg config.Config) (changelog.Writer, []io.Closer, error) {
	var (
		writers []changelog.Writer
		closers []io.Closer
	)
	if cfg.ChangelogSink == "file" || cfg.ChangelogSink == "both" {
		fw, err := changelog.NewFileWriter(cfg.ChangelogDir, config.ChangelogFile)
		if err != nil {
			return nil, nil, errors.Wrap(err, "file changelog")
		}
		writers = append(writers, fw)
	}
	if cfg.ChangelogSink == "kafka" || cfg.ChangelogSink == "both" {
		if cfg.KafkaTxID != "" {
			tw, err := changelog.NewTxKafkaWriter(ctx, cfg.KafkaBootstrap, cfg.TopicChangelog, cfg.KafkaTxID)
			if err != nil {
				return nil, nil, errors.Wrap(err, "kafka changelog")
			}
			writers = append(writers, tw)
			closers = append(closers, tw)
		} else {
			kw := changelog.NewKafkaWriter(cfg.KafkaBootstrap, cfg.TopicChangelog)
			writers = append(writers, kw)
			closers = append(closers, kw)
		}
	}
	switch len(writers) {
	case 0:
		return nil, nil, nil
	case 1:
		return writers[0], closers, nil
	default:
		return changelog.NewMultiWriter(writers...), closers, nil
	}
}

func openManifests(cfg config.Config) manifest.Publisher {
	var pubs []manifest.Publisher
	if cfg.ManifestSink == "file" || cfg.ManifestSink == "both" {
		pubs = append(pubs, manifest.NewFilesystemManifest(cfg.SnapshotDir))
	}
	if cfg.ManifestSink == "kafka" || cfg.ManifestSink == "both" {
		pubs = append(pubs, manifest.NewKafkaManifest(cfg.KafkaBootstrap, cfg.TopicSnapshots, manifest.DefaultKey))
	}
	if len(pubs) == 1 {
		return pubs[0]
	}
	return manifest.MultiPublisher(pubs...)
}

// New opens the store and journal and builds every service on top.
func New(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := OpenStore(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	a := &App{
		Config:    cfg,
		Log:       logger,
		Metrics:   metrics.NewRegistry(),
		Base:      base,
		Store:     base,
		Snapshots: snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir),
	}
	a.closers = append(a.closers, base)

	journal, closers, err := openJournal(ctx, cfg)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	a.closers = append(closers, a.closers...)
	if journal != nil {
		a.Journal = journal
		a.Store = changelog.NewRecordingStore(base, journal, logger, a.Metrics)
	}
	a.Manifests = openManifests(cfg)

	a.Catalog = catalog.NewManager(a.Store, logger, a.Metrics)
	a.Ledger = ledger.New(a.Store, a.Catalog, ledger.WithMetrics(a.Metrics), ledger.WithLogger(logger))
	a.Reporter = report.NewReporter(a.Store)
	return a, nil
}

// Init seeds the default catalog when configured and brings the order
// counter in line with the stored orders.
func (a *App) Init(ctx context.Context) error {
	if a.Config.SeedCatalog {
		if _, err := a.Catalog.SeedDefaults(ctx); err != nil {
			return err
		}
	}
	seq, err := a.Ledger.Reconcile(ctx)
	if err != nil {
		return err
	}
	a.Log.WithField("next", seq).Info("order counter ready")
	return nil
}

func (a *App) Handler() http.Handler {
	return transport.NewServer(a.Store, a.Catalog, a.Ledger, a.Reporter, a.Metrics, a.Log).Router()
}

// journalOffset is the file journal position, or 0 when no writer tracks
// one. Replay from 0 still converges because entries carry full values.
func (a *App) journalOffset() int64 {
	if o, ok := a.Journal.(changelog.Offsetter); ok && o.Offset() > 0 {
		return o.Offset()
	}
	return 0
}

// TakeSnapshot writes a snapshot of the raw store and publishes a manifest
// pointing at it.
func (a *App) TakeSnapshot(ctx context.Context) (string, error) {
	id := snapshot.NewID(time.Now())
	offset := a.journalOffset()
	if err := a.Snapshots.WriteSnapshot(id, a.Base); err != nil {
		return "", errors.Wrap(err, "write snapshot")
	}
	if err := a.Manifests.PublishLatest(ctx, id, offset); err != nil {
		return "", errors.Wrap(err, "publish manifest")
	}
	a.Metrics.SnapshotsWritten.Inc()
	a.Metrics.LastSnapshotAgeSec.Set(0)
	a.Log.WithFields(logrus.Fields{"snapshot": id, "offset": offset}).Info("snapshot written")
	return id, nil
}

// RunSnapshots takes a snapshot every SnapshotInterval until ctx ends. It
// returns immediately when the interval is zero.
func (a *App) RunSnapshots(ctx context.Context) {
	if a.Config.SnapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.Config.SnapshotInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.TakeSnapshot(ctx); err != nil {
				a.Log.WithError(err).Error("periodic snapshot failed")
				a.Metrics.LastSnapshotAgeSec.Set(time.Since(last).Seconds())
				continue
			}
			last = time.Now()
		}
	}
}

// Restore rebuilds the raw store from the latest snapshot and the journal.
// source selects where the manifest and journal are read from: file or kafka.
func (a *App) Restore(ctx context.Context, source string) (restore.Result, error) {
	var (
		reader manifest.Reader
		r      *restore.Restorer
	)
	switch source {
	case "file":
		reader = manifest.NewFilesystemManifest(a.Config.SnapshotDir)
	case "kafka":
		reader = restore.NewKafkaReader(a.Config.Brokers(), a.Config.TopicSnapshots, manifest.DefaultKey)
	default:
		return restore.Result{}, errors.Errorf("restore source %q: want file|kafka", source)
	}
	r = restore.NewRestorer(a.Base, a.Snapshots, reader, a.Log, a.Metrics)

	replay := r.FileReplayer(filepath.Join(a.Config.ChangelogDir, config.ChangelogFile))
	if source == "kafka" {
		replay = r.KafkaReplayer(a.Config.Brokers(), a.Config.TopicChangelog)
	}
	res, err := r.RestoreAndReplay(ctx, replay)
	if err != nil {
		return res, err
	}
	if _, err := a.Ledger.Reconcile(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Close releases the journal writers then the store.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
