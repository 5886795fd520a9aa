// Package events provides the two storage-contract streams upper
// layers are allowed to depend on: changes (one per committed write)
// and conflicts (one per reconciliation conflict observed). Both are
// generic, non-blocking pub/sub brokers with a bounded per-subscriber
// buffer — a slow subscriber drops events rather than stalling the
// backend.
package events
