package entitlement

import (
	"context"
	"time"
)

// EffectKind identifies a single persisted mutation proposed by the reconciler.
type EffectKind string

const (
	EffectUpsertTransaction  EffectKind = "upsert_transaction"
	EffectUpsertSubscription EffectKind = "upsert_subscription"
	EffectSetEntitlement     EffectKind = "set_entitlement"
)

// Effect is one proposed persisted mutation. Exactly one of the payload
// fields is set, matching Kind.
type Effect struct {
	Kind         EffectKind
	Transaction  *Transaction
	Subscription *Subscription
	Entitlement  *Entitlement
}

// Mutation is the atomic unit handed to the store: the ledger reservation and
// the ordered effects commit together or not at all, so a role update can
// never be lost after the ledger advanced.
type Mutation struct {
	// LedgerKey and LedgerStatus drive the idempotency reservation.
	// An empty key skips the ledger (manual admin upgrades); the entitlement
	// timestamp guard still applies.
	LedgerKey    string
	LedgerStatus string

	// EventTime is the provider timestamp of the originating event. The
	// entitlement write only lands if this is newer than the stored
	// ReconciledAt, unless Force is set.
	EventTime time.Time

	// Force bypasses the staleness guard. Set for refunds: a payment
	// reversal downgrades regardless of subscription state.
	Force bool

	Effects []Effect
}

// Outcome reports what an Apply call did.
type Outcome int

const (
	// OutcomeApplied means the reservation was fresh or superseding and all
	// effects committed.
	OutcomeApplied Outcome = iota
	// OutcomeDuplicate means the ledger already holds this key with the same
	// status; nothing was written.
	OutcomeDuplicate
	// OutcomeRegression means the incoming status is ordered before the
	// recorded one (e.g. completed -> pending); nothing was written.
	OutcomeRegression
	// OutcomeStale means the entitlement snapshot was older than the stored
	// one; record upserts may still have landed, the role did not change.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRegression:
		return "regression"
	case OutcomeStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Store is the durable backing for entitlements, transactions, subscriptions
// and the idempotency ledger. It is the only shared mutable state in the
// system; Apply must be atomic so concurrent deliveries of the same event
// converge. All writes besides the initial pending-transaction insert go
// through Apply.
type Store interface {
	// GetEntitlement returns the user's entitlement or ErrEntitlementNotFound.
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)

	// GetTransaction returns a transaction or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// CreateTransaction inserts a pending transaction at checkout initiation.
	// Inserting an existing ID is a no-op so the client may retry.
	CreateTransaction(ctx context.Context, txn *Transaction) error

	// GetSubscription returns a subscription or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// LedgerStatus returns the last applied status for a key, or "" when the
	// key has never been seen. This is a non-authoritative pre-check; Apply
	// re-checks under its own transaction.
	LedgerStatus(ctx context.Context, key string) (string, error)

	// Apply atomically reserves the ledger key and executes the effects.
	Apply(ctx context.Context, m *Mutation) (Outcome, error)
}
