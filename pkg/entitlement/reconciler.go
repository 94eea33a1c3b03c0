package entitlement

import (
	"fmt"
)

// DecisionCode classifies what the reconciler wants done with an event.
type DecisionCode int

const (
	// DecisionApply proposes a mutation.
	DecisionApply DecisionCode = iota
	// DecisionStale drops an event older than the last reconciled one.
	DecisionStale
	// DecisionIgnore acknowledges an event with no effects (unhandled kinds).
	DecisionIgnore
)

// Decision is the reconciler's output: a code and, for DecisionApply, the
// mutation to hand to the store.
type Decision struct {
	Code     DecisionCode
	Reason   string
	Mutation *Mutation
}

// Reconciler is the pure entitlement state machine. Given a normalized event
// and the current entitlement it decides the new entitlement and the ordered
// effects to persist. It performs no I/O and never writes; the store's Apply
// is the only mutation path.
type Reconciler struct{}

// NewReconciler creates a Reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Decide maps an event onto a proposed mutation.
//
// Subscription and transaction streams are reconciled independently; the more
// recent provider timestamp wins, so an out-of-order "cancelled" arriving
// after a later "resumed" no-ops as stale. Refunds bypass the staleness guard:
// payment reversal takes precedence over subscription status.
func (r *Reconciler) Decide(event *Event, current *Entitlement) (*Decision, error) {
	if event == nil {
		return nil, fmt.Errorf("nil event")
	}

	switch event.Class {
	case ClassUnhandled:
		return &Decision{Code: DecisionIgnore, Reason: "unhandled event type"}, nil
	case ClassSubscription:
		if event.Subscription == nil {
			return nil, fmt.Errorf("subscription event %q without subscription data", event.Type)
		}
		return r.decideSubscription(event, current), nil
	case ClassTransaction:
		if event.Transaction == nil {
			return nil, fmt.Errorf("transaction event %q without transaction data", event.Type)
		}
		return r.decideTransaction(event, current), nil
	default:
		return nil, fmt.Errorf("unknown event class %q", event.Class)
	}
}

func (r *Reconciler) decideSubscription(event *Event, current *Entitlement) *Decision {
	if stale(event, current) {
		return &Decision{Code: DecisionStale, Reason: "event older than last reconciled state"}
	}

	sub := event.Subscription
	next := &Entitlement{
		UserID:       event.UserID,
		ReconciledAt: event.OccurredAt,
	}

	switch sub.Status {
	case SubscriptionActive, SubscriptionTrialing:
		next.Role = RolePremium
		next.SubscriptionID = sub.ID
	case SubscriptionCancelled:
		if sub.EndsAt != nil {
			// Access continues until the scheduled end date.
			next.Role = RolePremium
			next.PremiumExpiresAt = sub.EndsAt
			next.SubscriptionID = sub.ID
		} else {
			next.Role = RoleUser
		}
	case SubscriptionPaused, SubscriptionExpired:
		next.Role = RoleUser
	default:
		// Unknown subscription status: record the row, leave the role alone.
		return &Decision{
			Code: DecisionApply,
			Mutation: &Mutation{
				LedgerKey:    event.LedgerKey(),
				LedgerStatus: event.LedgerStatus(),
				EventTime:    event.OccurredAt,
				Effects: []Effect{
					{Kind: EffectUpsertSubscription, Subscription: sub},
				},
			},
		}
	}

	return &Decision{
		Code: DecisionApply,
		Mutation: &Mutation{
			LedgerKey:    event.LedgerKey(),
			LedgerStatus: event.LedgerStatus(),
			EventTime:    event.OccurredAt,
			Effects: []Effect{
				{Kind: EffectUpsertSubscription, Subscription: sub},
				{Kind: EffectSetEntitlement, Entitlement: next},
			},
		},
	}
}

func (r *Reconciler) decideTransaction(event *Event, current *Entitlement) *Decision {
	txn := event.Transaction
	m := &Mutation{
		LedgerKey:    event.LedgerKey(),
		LedgerStatus: event.LedgerStatus(),
		EventTime:    event.OccurredAt,
		Effects: []Effect{
			{Kind: EffectUpsertTransaction, Transaction: txn},
		},
	}

	switch txn.Status {
	case TransactionPending, TransactionFailed:
		// Record the row; entitlement unchanged.
		return &Decision{Code: DecisionApply, Mutation: m}

	case TransactionCompleted:
		if stale(event, current) {
			return &Decision{Code: DecisionStale, Reason: "event older than last reconciled state"}
		}
		next := &Entitlement{
			UserID:       event.UserID,
			Role:         RolePremium,
			ReconciledAt: event.OccurredAt,
		}
		if txn.SubscriptionID != "" {
			next.SubscriptionID = txn.SubscriptionID
		} else if current != nil {
			next.SubscriptionID = current.SubscriptionID
		}
		m.Effects = append(m.Effects, Effect{Kind: EffectSetEntitlement, Entitlement: next})
		return &Decision{Code: DecisionApply, Mutation: m}

	case TransactionRefunded:
		txn.Refunded = true
		m.Force = true
		m.Effects = append(m.Effects, Effect{
			Kind: EffectSetEntitlement,
			Entitlement: &Entitlement{
				UserID:       event.UserID,
				Role:         RoleUser,
				ReconciledAt: event.OccurredAt,
			},
		})
		return &Decision{Code: DecisionApply, Mutation: m}

	default:
		return &Decision{Code: DecisionIgnore, Reason: fmt.Sprintf("unknown transaction status %q", txn.Status)}
	}
}

// stale reports whether the event's timestamp is not newer than the stored
// snapshot's. Events without a timestamp are never treated as stale.
func stale(event *Event, current *Entitlement) bool {
	if current == nil || event.OccurredAt.IsZero() {
		return false
	}
	return !event.OccurredAt.After(current.ReconciledAt)
}
