package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 进程级指标，标签只用固定的小集合（transport / reason），不按文档 ID 打标签
var (
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_sync_sessions_created_total",
		Help: "Sync sessions created by the document registry",
	})
	SessionsTornDown = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_sync_sessions_torn_down_total",
		Help: "Sync sessions removed from the registry, by reason (released, destroyed, closed)",
	}, []string{"reason"})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_sync_sessions_active",
		Help: "Sync sessions currently registered",
	})
	KindMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_sync_kind_mismatch_total",
		Help: "Acquire calls that named a different kind than the registered session",
	})
	InboundDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_sync_inbound_dropped_total",
		Help: "Inbound messages discarded by the router or a session, by reason",
	}, []string{"reason"})
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_sync_send_failures_total",
		Help: "Outbound send failures, by transport",
	}, []string{"transport"})
	Flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_sync_flushes_total",
		Help: "Local update payloads emitted by sessions",
	})
	SeedsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_sync_seeds_consumed_total",
		Help: "Seed blobs taken from the seed store and applied to new documents",
	})
	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_sync_cache_entries",
		Help: "Entries currently held by on-demand document caches",
	})
	JournalDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_sync_journal_dropped_total",
		Help: "Update events dropped by the journal after exhausting retries",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsCreated, SessionsTornDown, SessionsActive, KindMismatches,
		InboundDropped, SendFailures, Flushes, SeedsConsumed, CacheEntries, JournalDropped,
	)
}
