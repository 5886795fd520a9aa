// Package reconcile implements the reconciliation engine: given two
// or more concurrent versions of an entry, it picks a winner under a
// selectable policy, merges vector clocks, and records a conflict for
// observability. See pkg/epidemic for the anti-entropy loop that
// feeds inputs into this engine.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/events"
	"github.com/cuemby/dsm-storage-node/pkg/log"
	"github.com/cuemby/dsm-storage-node/pkg/metrics"
	"github.com/cuemby/dsm-storage-node/pkg/types"
	"github.com/cuemby/dsm-storage-node/pkg/vclock"
)

// Policy selects how a winner is picked among concurrent versions.
type Policy string

const (
	LastWriteWins              Policy = "last_write_wins"
	HighestVectorClockCoverage Policy = "highest_vector_clock_coverage"
	HighestPriority            Policy = "highest_priority"
	DeterministicMerge         Policy = "deterministic_merge"
	Custom                     Policy = "custom"
)

const (
	DefaultMaxConcurrent = 32
	DefaultRingBufferLen = 1000
)

// Resolver is the caller-supplied function backing the Custom policy.
type Resolver func(inputs []types.EpidemicEntry) *types.EpidemicEntry

// Config controls concurrency, conflict history depth and policy
// selection.
type Config struct {
	MaxConcurrent int
	RingBufferLen int
	// DefaultPolicy applies when neither a per-id nor per-region
	// override exists.
	DefaultPolicy Policy
	// IDPolicy and RegionPolicy are consulted, in that priority order,
	// before falling back to DefaultPolicy — resolving spec.md's open
	// question about override granularity by supporting both.
	RegionPolicy map[string]Policy
	IDPolicy     map[string]Policy
	Custom       Resolver
}

// Delta is an operation transforming a source entry into the winner,
// returned alongside the winning entry for callers (e.g. the
// distributed facade) that want to apply it elsewhere.
type Delta struct {
	Op              DeltaOp
	Value           []byte
	Key             string
	BaseVectorClock vclock.Clock
	TargetClock     vclock.Clock
}

// DeltaOp identifies the kind of Delta.
type DeltaOp string

const (
	SetValue       DeltaOp = "set_value"
	UpdateMetadata DeltaOp = "update_metadata"
	DeleteMetadata DeltaOp = "delete_metadata"
)

// Apply applies d to base, succeeding only if d.BaseVectorClock is
// less-than-or-equal to base's clock (§4.4).
func Apply(base *types.EpidemicEntry, d Delta) error {
	const op = "reconcile.Apply"
	switch base.VectorClock.Compare(d.BaseVectorClock) {
	case vclock.Equal, vclock.HappensAfter:
		// base's clock already dominates or equals the delta's base,
		// i.e. d.BaseVectorClock <= base.VectorClock
	default:
		return dsmerr.New(dsmerr.InvalidOp, op, "delta base_vector_clock is not dominated by the entry's current clock")
	}
	switch d.Op {
	case SetValue:
		base.EncryptedPayload = d.Value
	case UpdateMetadata:
		if base.Metadata == nil {
			base.Metadata = map[string]string{}
		}
		base.Metadata[d.Key] = string(d.Value)
	case DeleteMetadata:
		delete(base.Metadata, d.Key)
	default:
		return dsmerr.New(dsmerr.Validation, op, "unknown delta operation")
	}
	base.VectorClock = d.TargetClock
	base.ComputeProofHash()
	return nil
}

// Record is a snapshot of one reconciliation's conflicting inputs and
// outcome, retained in the engine's bounded ring buffer.
type Record struct {
	BlindedID     string
	InputClocks   []vclock.Clock
	Policy        Policy
	ResolvedClock vclock.Clock
	Timestamp     time.Time
}

// Engine resolves conflicts among concurrent EpidemicEntry versions.
type Engine struct {
	cfg Config

	semaphore chan struct{}

	mu        sync.Mutex
	inflight  map[string]bool
	ring      []Record
	ringNext  int
	ringFull  bool

	conflicts *events.ConflictBroker
}

// New constructs a reconciliation Engine. conflicts, if non-nil, is
// published to on every multi-input reconciliation.
func New(cfg Config, conflicts *events.ConflictBroker) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.RingBufferLen <= 0 {
		cfg.RingBufferLen = DefaultRingBufferLen
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = LastWriteWins
	}
	return &Engine{
		cfg:       cfg,
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
		inflight:  make(map[string]bool),
		ring:      make([]Record, cfg.RingBufferLen),
		conflicts: conflicts,
	}
}

// policyFor resolves the effective policy for blindedID/region:
// per-id override, then per-region override, then the engine default.
func (e *Engine) policyFor(blindedID, region string) Policy {
	if p, ok := e.cfg.IDPolicy[blindedID]; ok {
		return p
	}
	if p, ok := e.cfg.RegionPolicy[region]; ok {
		return p
	}
	return e.cfg.DefaultPolicy
}

// Reconcile resolves inputs (all sharing blindedID) into a winner. It
// does not wait for capacity: when every semaphore slot is taken, or
// another reconciliation of the same id is in progress, it returns a
// ConcurrencyCap error at once.
func (e *Engine) Reconcile(blindedID string, inputs []types.EpidemicEntry) (*types.EpidemicEntry, *Delta, error) {
	const op = "reconcile.Reconcile"
	if len(inputs) == 0 {
		return nil, nil, dsmerr.New(dsmerr.Validation, op, "no inputs supplied")
	}

	e.mu.Lock()
	if e.inflight[blindedID] {
		e.mu.Unlock()
		return nil, nil, dsmerr.New(dsmerr.ConcurrencyCap, op, "reconciliation already in progress for this id")
	}
	e.inflight[blindedID] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, blindedID)
		e.mu.Unlock()
	}()

	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	default:
		return nil, nil, dsmerr.New(dsmerr.ConcurrencyCap, op, "reconciliation concurrency limit reached")
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
	}()

	policy := e.policyFor(blindedID, inputs[0].Region)
	metrics.ReconciliationsTotal.WithLabelValues(string(policy)).Inc()

	winner := pickWinner(policy, inputs, e.cfg.Custom)

	merged := inputs[0].VectorClock.Clone()
	maxVerify := 0
	for _, in := range inputs[1:] {
		merged = merged.Merge(in.VectorClock)
	}
	for _, in := range inputs {
		if in.VerificationCount > maxVerify {
			maxVerify = in.VerificationCount
		}
	}
	winner.VectorClock = merged
	winner.VerificationCount = maxVerify + 1
	winner.ComputeProofHash()

	if len(inputs) > 1 {
		metrics.ConflictsTotal.Inc()
		e.recordConflict(blindedID, inputs, policy, merged)
	}

	delta := &Delta{Op: SetValue, Value: winner.EncryptedPayload, BaseVectorClock: inputs[0].VectorClock, TargetClock: merged}
	return winner, delta, nil
}

func (e *Engine) recordConflict(blindedID string, inputs []types.EpidemicEntry, policy Policy, resolved vclock.Clock) {
	clocks := make([]vclock.Clock, len(inputs))
	for i, in := range inputs {
		clocks[i] = in.VectorClock
	}
	rec := Record{BlindedID: blindedID, InputClocks: clocks, Policy: policy, ResolvedClock: resolved, Timestamp: time.Now()}

	e.mu.Lock()
	e.ring[e.ringNext] = rec
	e.ringNext = (e.ringNext + 1) % len(e.ring)
	if e.ringNext == 0 {
		e.ringFull = true
	}
	e.mu.Unlock()

	if e.conflicts != nil {
		var remote vclock.Clock
		var remoteOrigin string
		if len(inputs) > 1 {
			remote = inputs[1].VectorClock
			remoteOrigin = inputs[1].ReceivedFrom
		}
		e.conflicts.Publish(events.Conflict{
			BlindedID:    blindedID,
			LocalClock:   inputs[0].VectorClock,
			RemoteClock:  remote,
			RemoteOrigin: remoteOrigin,
			Policy:       string(policy),
			Resolution:   blindedID,
			Timestamp:    rec.Timestamp,
		})
	}
}

// ConflictHistory returns the recorded conflicts, oldest first.
func (e *Engine) ConflictHistory() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ringFull {
		out := make([]Record, e.ringNext)
		copy(out, e.ring[:e.ringNext])
		return out
	}
	out := make([]Record, len(e.ring))
	copy(out, e.ring[e.ringNext:])
	copy(out[len(e.ring)-e.ringNext:], e.ring[:e.ringNext])
	return out
}

func pickWinner(policy Policy, inputs []types.EpidemicEntry, custom Resolver) *types.EpidemicEntry {
	switch policy {
	case HighestVectorClockCoverage:
		sorted := append([]types.EpidemicEntry(nil), inputs...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if len(sorted[i].VectorClock) != len(sorted[j].VectorClock) {
				return len(sorted[i].VectorClock) > len(sorted[j].VectorClock)
			}
			return sorted[i].Timestamp > sorted[j].Timestamp
		})
		w := sorted[0]
		return &w

	case HighestPriority:
		sorted := append([]types.EpidemicEntry(nil), inputs...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
		w := sorted[0]
		return &w

	case DeterministicMerge:
		return deterministicMerge(inputs)

	case Custom:
		if custom != nil {
			if w := custom(inputs); w != nil {
				return w
			}
		}
		log.Logger.Warn().Msg("custom reconciliation policy selected with no resolver; falling back to last_write_wins")
		fallthrough

	default: // LastWriteWins
		sorted := append([]types.EpidemicEntry(nil), inputs...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Timestamp != sorted[j].Timestamp {
				return sorted[i].Timestamp > sorted[j].Timestamp
			}
			if len(sorted[i].VectorClock) != len(sorted[j].VectorClock) {
				return len(sorted[i].VectorClock) > len(sorted[j].VectorClock)
			}
			return sorted[i].ReceivedFrom > sorted[j].ReceivedFrom
		})
		w := sorted[0]
		return &w
	}
}

// deterministicMerge picks the newest entry by timestamp as base,
// merges metadata value-by-value by majority vote across inputs
// (ties broken lexicographically greatest), takes the payload from
// base, and sets the timestamp to now.
func deterministicMerge(inputs []types.EpidemicEntry) *types.EpidemicEntry {
	sorted := append([]types.EpidemicEntry(nil), inputs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp > sorted[j].Timestamp })
	base := sorted[0]

	votes := make(map[string]map[string]int) // key -> value -> count
	for _, in := range inputs {
		for k, v := range in.Metadata {
			if votes[k] == nil {
				votes[k] = make(map[string]int)
			}
			votes[k][v]++
		}
	}
	merged := make(map[string]string, len(votes))
	for k, counts := range votes {
		best, bestCount := "", -1
		for v, c := range counts {
			if c > bestCount || (c == bestCount && v > best) {
				best, bestCount = v, c
			}
		}
		merged[k] = best
	}
	base.Metadata = merged
	base.Timestamp = time.Now().Unix()
	return &base
}
