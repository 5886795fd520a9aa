// Package vault implements the Deterministic Limbo Vault (DLV):
// encrypted content that can only be claimed once a declared
// fulfillment predicate accepts a supplied proof.
package vault

import (
	"sync"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/metrics"
)

// Status is the vault lifecycle state. Unlocked is transient: it
// only marks that a proof has been accepted and content may be
// claimed once. Claimed, Expired and Canceled are terminal.
type Status string

const (
	Active   Status = "active"
	Unlocked Status = "unlocked"
	Claimed  Status = "claimed"
	Expired  Status = "expired"
	Canceled Status = "canceled"
)

func (s Status) terminal() bool {
	return s == Claimed || s == Expired || s == Canceled
}

// Proof is supplied to TryUnlock: a reference-state index plus the
// real time associated with it, per original_source's
// FulfillmentProof shape — spec.md leaves "proof" underspecified
// beyond "includes a reference-state".
type Proof struct {
	StateIndex uint64
	RealTime   time.Time
}

// Fulfillment is a vault's unlock predicate.
type Fulfillment interface {
	Satisfies(proof Proof) bool
}

// TimeBased is the only fulfillment predicate spec.md names: it is
// satisfied once the proof's real time reaches expiry.
type TimeBased struct {
	Expiry time.Time
}

func (t TimeBased) Satisfies(proof Proof) bool {
	return !proof.RealTime.Before(t.Expiry)
}

// Vault is a single piece of opaque, time-locked content.
type Vault struct {
	ID          string
	Content     []byte
	Fulfillment Fulfillment
	Status      Status
	Metadata    map[string]string
	CreatedAt   time.Time
	UnlockedAt  time.Time
	// Deadline, if set, is a hard cutoff distinct from the
	// fulfillment predicate's own expiry: a vault never claimed by
	// Deadline transitions Active -> Expired regardless of whether
	// its fulfillment predicate would otherwise accept a proof.
	Deadline time.Time
}

// Manager owns the set of known vaults and enforces the status
// machine and claim ordering.
type Manager struct {
	mu     sync.Mutex
	vaults map[string]*Vault
}

// NewManager returns an empty vault manager.
func NewManager() *Manager {
	return &Manager{vaults: make(map[string]*Vault)}
}

// CreateVault stores a new Active vault. deadline is optional (zero
// value disables the hard-cutoff expiry check).
func (m *Manager) CreateVault(id string, content []byte, fulfillment Fulfillment, metadata map[string]string, deadline time.Time) error {
	const op = "vault.CreateVault"
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.vaults[id]; exists {
		return dsmerr.New(dsmerr.InvalidState, op, "vault id already exists")
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	m.vaults[id] = &Vault{
		ID:          id,
		Content:     content,
		Fulfillment: fulfillment,
		Status:      Active,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
		Deadline:    deadline,
	}
	metrics.VaultsActive.Inc()
	return nil
}

// TryUnlock reports whether the predicate accepts proof, transitioning
// the vault to Unlocked on success. It never exposes content.
func (m *Manager) TryUnlock(id string, proof Proof) (bool, error) {
	const op = "vault.TryUnlock"
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.vaults[id]
	if !ok {
		return false, dsmerr.New(dsmerr.NotFound, op, "unknown vault id")
	}
	if v.Status != Active {
		metrics.VaultUnlocksTotal.WithLabelValues("invalid_state").Inc()
		return false, dsmerr.New(dsmerr.InvalidState, op, "unlock attempted on a non-active vault")
	}
	if !v.Fulfillment.Satisfies(proof) {
		metrics.VaultUnlocksTotal.WithLabelValues("rejected").Inc()
		return false, nil
	}
	v.Status = Unlocked
	v.UnlockedAt = time.Now()
	metrics.VaultsActive.Dec()
	metrics.VaultUnlocksTotal.WithLabelValues("accepted").Inc()
	return true, nil
}

// ClaimContent returns the vault's content, permitted only once,
// immediately after a successful unlock. The claim itself transitions
// the vault to the terminal Claimed status, so a second call fails
// with InvalidOp even though the first claim succeeded.
func (m *Manager) ClaimContent(id string) ([]byte, error) {
	const op = "vault.ClaimContent"
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.vaults[id]
	if !ok {
		return nil, dsmerr.New(dsmerr.NotFound, op, "unknown vault id")
	}
	if v.Status != Unlocked {
		return nil, dsmerr.New(dsmerr.InvalidOp, op, "content claimed before a successful unlock, or already claimed")
	}
	v.Status = Claimed
	return v.Content, nil
}

// Cancel transitions an Active vault to Canceled. Canceling a vault in
// any other status is a no-op success: terminal states are sticky and
// an Unlocked vault stays claimable.
func (m *Manager) Cancel(id string) error {
	const op = "vault.Cancel"
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.vaults[id]
	if !ok {
		return dsmerr.New(dsmerr.NotFound, op, "unknown vault id")
	}
	if v.Status.terminal() || v.Status == Unlocked {
		return nil
	}
	v.Status = Canceled
	metrics.VaultsActive.Dec()
	return nil
}

// ExpireIfPast marks an Active vault Expired if its Deadline has
// passed without a successful unlock. Vaults with a zero Deadline
// never expire by this path.
func (m *Manager) ExpireIfPast(id string, now time.Time) error {
	const op = "vault.ExpireIfPast"
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.vaults[id]
	if !ok {
		return dsmerr.New(dsmerr.NotFound, op, "unknown vault id")
	}
	if v.Status != Active || v.Deadline.IsZero() {
		return nil
	}
	if now.After(v.Deadline) {
		v.Status = Expired
		metrics.VaultsActive.Dec()
	}
	return nil
}

// StatusOf returns the current status of a vault.
func (m *Manager) StatusOf(id string) (Status, error) {
	const op = "vault.StatusOf"
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[id]
	if !ok {
		return "", dsmerr.New(dsmerr.NotFound, op, "unknown vault id")
	}
	return v.Status, nil
}
