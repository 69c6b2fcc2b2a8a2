package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg              *prometheus.Registry
	OrdersFinalized  prometheus.Counter
	OrdersAmended    prometheus.Counter
	FinalizeRejected *prometheus.CounterVec
	SalesYen         prometheus.Counter
	StockClamped     prometheus.Counter
	StoreErrors      prometheus.Counter
	FinalizeLatency  prometheus.Histogram

	// journal and recovery
	ChangelogAppended  prometheus.Counter
	ChangelogFailed    prometheus.Counter
	ReplayApplied      prometheus.Counter
	SnapshotsWritten   prometheus.Counter
	LastSnapshotAgeSec prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	finalized := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_orders_finalized_total"})
	amended := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_orders_amended_total"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_finalize_rejected_total"}, []string{"reason"})
	sales := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_sales_yen_total"})
	clamped := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_stock_clamped_total"})
	storeErrs := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_store_errors_total"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pos_finalize_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})

	appended := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_changelog_appended_total"})
	appendFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_changelog_failed_total"})
	replayed := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_replay_applied_total"})
	snapshots := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_snapshots_written_total"})
	snapAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pos_last_snapshot_age_seconds"})

	r.MustRegister(finalized, amended, rejected, sales, clamped, storeErrs, latency,
		appended, appendFailed, replayed, snapshots, snapAge)
	return &Registry{
		reg:                r,
		OrdersFinalized:    finalized,
		OrdersAmended:      amended,
		FinalizeRejected:   rejected,
		SalesYen:           sales,
		StockClamped:       clamped,
		StoreErrors:        storeErrs,
		FinalizeLatency:    latency,
		ChangelogAppended:  appended,
		ChangelogFailed:    appendFailed,
		ReplayApplied:      replayed,
		SnapshotsWritten:   snapshots,
		LastSnapshotAgeSec: snapAge,
	}
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
