package entitlement

import (
	"encoding/json"
	"time"
)

// Role is the application-level access role granted to a user.
type Role string

const (
	// RoleUser is the free tier.
	RoleUser Role = "user"
	// RolePremium unlocks paid features.
	RolePremium Role = "premium-user"
)

// TransactionStatus is the lifecycle status of a payment attempt.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionRefunded  TransactionStatus = "refunded"
)

// SubscriptionStatus is the lifecycle status of an external subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionTrialing  SubscriptionStatus = "trialing"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Entitlement is the reconciled access state for one user.
// Role, expiry and subscription ID always move together: every write is a
// whole snapshot produced by the reconciler, never a single-field patch.
type Entitlement struct {
	UserID           string
	Role             Role
	PremiumExpiresAt *time.Time
	SubscriptionID   string

	// ReconciledAt is the provider timestamp of the event that produced
	// this snapshot. Incoming events older than this are stale.
	ReconciledAt time.Time
}

// IsPremium reports whether the user has premium access at the given time.
// This is the single authoritative derivation; it is never stored.
func (e *Entitlement) IsPremium(now time.Time) bool {
	if e == nil || e.Role != RolePremium {
		return false
	}
	return e.PremiumExpiresAt == nil || e.PremiumExpiresAt.After(now)
}

// Transaction is one payment attempt (one-time purchase or subscription
// invoice). The ID is the provider-assigned transaction/order identifier and
// doubles as the idempotency key for transaction events. Rows are never
// deleted.
type Transaction struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	CustomerID      string            `json:"customer_id,omitempty"`
	ProductID       string            `json:"product_id,omitempty"`
	VariantID       string            `json:"variant_id,omitempty"`
	SubscriptionID  string            `json:"subscription_id,omitempty"`
	Status          TransactionStatus `json:"status"`
	Total           int64             `json:"total"`
	Currency        string            `json:"currency,omitempty"`
	Refunded        bool              `json:"refunded"`
	ProviderPayload json.RawMessage   `json:"provider_payload,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Subscription mirrors the provider's view of one subscription. Upserted on
// every subscription-lifecycle event; EndsAt is set when cancellation is
// scheduled and access continues until then.
type Subscription struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	CustomerID string             `json:"customer_id,omitempty"`
	ProductID  string             `json:"product_id,omitempty"`
	VariantID  string             `json:"variant_id,omitempty"`
	Status     SubscriptionStatus `json:"status"`
	Cancelled  bool               `json:"cancelled"`
	RenewsAt   *time.Time         `json:"renews_at,omitempty"`
	EndsAt     *time.Time         `json:"ends_at,omitempty"`
	Price      int64              `json:"price,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// LedgerEntry records the last status applied for an idempotency key.
type LedgerEntry struct {
	Key           string
	LastStatus    string
	LastAppliedAt time.Time
}

// statusRank orders ledger statuses so a later lifecycle stage can supersede
// an earlier one but never the reverse. Unknown statuses rank with the
// middle tier so timestamp comparison in the reconciler decides.
func statusRank(status string) int {
	switch TransactionStatus(status) {
	case TransactionPending:
		return 0
	case TransactionRefunded:
		return 2
	default:
		return 1
	}
}

// LedgerDecision classifies an incoming status against the recorded one for a
// ledger key. Stores call this inside their Apply transaction so every backend
// resolves replays and out-of-order deliveries identically.
func LedgerDecision(recorded, incoming string) Outcome {
	switch {
	case recorded == "":
		return OutcomeApplied
	case recorded == incoming:
		return OutcomeDuplicate
	case statusRank(incoming) < statusRank(recorded):
		return OutcomeRegression
	default:
		return OutcomeApplied
	}
}
