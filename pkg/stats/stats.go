// Package stats is the concrete backing of the statistics/introspection
// surface spec.md §1 names as an external collaborator ("the core consumes
// interfaces but they are not specified here"). The core still needs
// something to increment against in a working repository, so this package
// wires the counters the engine's own text calls out by name: tx_conflict
// (spec.md §4.7's state table), dump/compaction counts (§4.8), and quota
// stalls (§4.8, §7).
package stats

import "github.com/prometheus/client_golang/prometheus"

// Stats is a handle an Env creates once and threads through the
// transaction manager and scheduler.
type Stats struct {
	TxConflicts   prometheus.Counter
	TxCommits     prometheus.Counter
	TxRollbacks   prometheus.Counter
	Dumps         prometheus.Counter
	Compactions   prometheus.Counter
	Splits        prometheus.Counter
	Coalesces     prometheus.Counter
	QuotaStalls   prometheus.Counter
	TaskFailures  *prometheus.CounterVec
	UpsertSquash  prometheus.Counter
	RangeCount    prometheus.Gauge
	MemBytesInUse prometheus.Gauge
}

// New constructs and registers a fresh Stats against registry. Passing a
// nil registry (tests, or multiple Env instances in one process) skips
// registration but still returns working counters.
func New(registry prometheus.Registerer) *Stats {
	s := &Stats{
		TxConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boulder_tx_conflicts_total",
			Help: "Transactions that failed to prepare due to a read/write conflict.",
		}),
		TxCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boulder_tx_commits_total",
			Help: "Transactions that committed successfully.",
		}),
		TxRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boulder_tx_rollbacks_total",
			Help: "Transactions that rolled back after prepare.",
		}),
		Dumps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boulder_dumps_total",
			Help: "Sealed mems dumped to a new run.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boulder_compactions_total",
			Help: "Runs merged by a compaction task.",
		}),
		Splits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boulder_splits_total",
			Help: "Ranges split into two children.",
		}),
		Coalesces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boulder_coalesces_total",
			Help: "Ranges merged into a coalesced range.",
		}),
		QuotaStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boulder_quota_stalls_total",
			Help: "Writer stalls waiting for the memory quota to free up.",
		}),
		TaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boulder_task_failures_total",
			Help: "Scheduler task failures by kind (dump/compact/split/coalesce).",
		}, []string{"kind"}),
		UpsertSquash: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boulder_upsert_squash_total",
			Help: "UPSERT chains collapsed by the background squash fiber.",
		}),
		RangeCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boulder_range_count",
			Help: "Current number of ranges across all indexes.",
		}),
		MemBytesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boulder_mem_bytes_in_use",
			Help: "Bytes currently held by active and sealed mems.",
		}),
	}
	if registry != nil {
		registry.MustRegister(
			s.TxConflicts, s.TxCommits, s.TxRollbacks, s.Dumps, s.Compactions,
			s.Splits, s.Coalesces, s.QuotaStalls, s.TaskFailures, s.UpsertSquash,
			s.RangeCount, s.MemBytesInUse,
		)
	}
	return s
}
