package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage backend metrics
	EntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dsm_entries_total",
			Help: "Total number of stored entries by backend",
		},
		[]string{"backend"},
	)

	BytesStored = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dsm_bytes_stored",
			Help: "Total bytes stored by backend",
		},
		[]string{"backend"},
	)

	EntriesExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsm_entries_expired_total",
			Help: "Total number of entries pruned due to TTL expiration",
		},
		[]string{"backend"},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsm_evictions_total",
			Help: "Total number of entries evicted by the memory backend",
		},
		[]string{"policy"},
	)

	StorageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dsm_storage_op_duration_seconds",
			Help:    "Duration of storage backend operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Gossip / epidemic engine metrics
	GossipSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsm_gossip_sends_total",
			Help: "Total number of gossip payloads sent",
		},
		[]string{"status"},
	)

	AntiEntropyCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsm_anti_entropy_cycles_total",
			Help: "Total number of anti-entropy cycles completed",
		},
	)

	AntiEntropyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dsm_anti_entropy_duration_seconds",
			Help:    "Time taken for an anti-entropy cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadRepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsm_read_repairs_total",
			Help: "Total number of read-repair write-backs performed",
		},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dsm_reconciliation_duration_seconds",
			Help:    "Time taken to reconcile a conflicting entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsm_reconciliations_total",
			Help: "Total number of reconciliations by policy",
		},
		[]string{"policy"},
	)

	ConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsm_conflicts_total",
			Help: "Total number of recorded conflicts",
		},
	)

	// Topology / routing metrics
	KnownPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dsm_known_peers_total",
			Help: "Total number of peers known to the local topology",
		},
	)

	SuspectedPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dsm_suspected_peers_total",
			Help: "Total number of peers currently suspected by the failure detector",
		},
	)

	RouteCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsm_route_cache_hits_total",
			Help: "Total number of routing-table cache hits",
		},
	)

	RouteCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsm_route_cache_misses_total",
			Help: "Total number of routing-table cache misses",
		},
	)

	TopologyPeersByConnection = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsm_topology_peers_admitted_total",
			Help: "Total number of peers admitted into each connection set",
		},
		[]string{"connection_type"},
	)

	TopologyPeersEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsm_topology_peers_evicted_total",
			Help: "Total number of peers evicted from a structural bucket",
		},
		[]string{"reason"},
	)

	// Cluster metrics
	ClustersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dsm_clusters_total",
			Help: "Total number of clusters the local node currently tracks",
		},
	)

	OverlapNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dsm_overlap_nodes_total",
			Help: "Total number of nodes belonging to more than one cluster",
		},
	)

	// SMT metrics
	SMTRootUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsm_smt_root_updates_total",
			Help: "Total number of times the SMT root changed",
		},
	)

	SMTRebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dsm_smt_rebuild_duration_seconds",
			Help:    "Time taken to rebuild the sparse merkle tree after an insert",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Vault metrics
	VaultsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dsm_vaults_active",
			Help: "Total number of vaults currently in the Active state",
		},
	)

	VaultUnlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsm_vault_unlocks_total",
			Help: "Total number of vault unlock attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		EntriesTotal,
		BytesStored,
		EntriesExpiredTotal,
		EvictionsTotal,
		StorageOpDuration,
		GossipSendsTotal,
		AntiEntropyCyclesTotal,
		AntiEntropyDuration,
		ReadRepairsTotal,
		ReconciliationDuration,
		ReconciliationsTotal,
		ConflictsTotal,
		KnownPeersTotal,
		SuspectedPeersTotal,
		RouteCacheHitsTotal,
		RouteCacheMissesTotal,
		TopologyPeersByConnection,
		TopologyPeersEvictedTotal,
		ClustersTotal,
		OverlapNodesTotal,
		SMTRootUpdatesTotal,
		SMTRebuildDuration,
		VaultsActive,
		VaultUnlocksTotal,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics; the
// node's start command mounts it on its metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
