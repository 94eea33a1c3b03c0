package entitlement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func subEvent(eventType string, status entitlement.SubscriptionStatus, occurredAt time.Time) *entitlement.Event {
	return &entitlement.Event{
		Provider:   "lemonsqueezy",
		Type:       eventType,
		Class:      entitlement.ClassSubscription,
		UserID:     "user-1",
		OccurredAt: occurredAt,
		Subscription: &entitlement.Subscription{
			ID:     "sub-1",
			UserID: "user-1",
			Status: status,
		},
	}
}

func txnEvent(eventType string, status entitlement.TransactionStatus, occurredAt time.Time) *entitlement.Event {
	return &entitlement.Event{
		Provider:   "paddle",
		Type:       eventType,
		Class:      entitlement.ClassTransaction,
		UserID:     "user-1",
		OccurredAt: occurredAt,
		Transaction: &entitlement.Transaction{
			ID:     "txn-1",
			UserID: "user-1",
			Status: status,
		},
	}
}

func findEntitlementEffect(t *testing.T, m *entitlement.Mutation) *entitlement.Entitlement {
	t.Helper()
	for _, effect := range m.Effects {
		if effect.Kind == entitlement.EffectSetEntitlement {
			return effect.Entitlement
		}
	}
	t.Fatal("mutation has no set_entitlement effect")
	return nil
}

func TestReconciler_SubscriptionLifecycle(t *testing.T) {
	r := entitlement.NewReconciler()

	t.Run("active grants premium without expiry", func(t *testing.T) {
		decision, err := r.Decide(subEvent("subscription_created", entitlement.SubscriptionActive, baseTime), nil)
		require.NoError(t, err)
		require.Equal(t, entitlement.DecisionApply, decision.Code)

		next := findEntitlementEffect(t, decision.Mutation)
		assert.Equal(t, entitlement.RolePremium, next.Role)
		assert.Nil(t, next.PremiumExpiresAt)
		assert.Equal(t, "sub-1", next.SubscriptionID)
		assert.Equal(t, baseTime, next.ReconciledAt)
	})

	t.Run("trialing grants premium", func(t *testing.T) {
		decision, err := r.Decide(subEvent("subscription_created", entitlement.SubscriptionTrialing, baseTime), nil)
		require.NoError(t, err)
		require.Equal(t, entitlement.DecisionApply, decision.Code)
		assert.Equal(t, entitlement.RolePremium, findEntitlementEffect(t, decision.Mutation).Role)
	})

	t.Run("cancelled with end date keeps premium until then", func(t *testing.T) {
		endsAt := baseTime.Add(30 * 24 * time.Hour)
		event := subEvent("subscription_cancelled", entitlement.SubscriptionCancelled, baseTime)
		event.Subscription.EndsAt = &endsAt

		decision, err := r.Decide(event, nil)
		require.NoError(t, err)
		require.Equal(t, entitlement.DecisionApply, decision.Code)

		next := findEntitlementEffect(t, decision.Mutation)
		assert.Equal(t, entitlement.RolePremium, next.Role)
		require.NotNil(t, next.PremiumExpiresAt)
		assert.Equal(t, endsAt, *next.PremiumExpiresAt)

		assert.True(t, next.IsPremium(endsAt.Add(-time.Hour)))
		assert.False(t, next.IsPremium(endsAt.Add(time.Hour)))
	})

	t.Run("cancelled without end date downgrades immediately", func(t *testing.T) {
		decision, err := r.Decide(subEvent("subscription_cancelled", entitlement.SubscriptionCancelled, baseTime), nil)
		require.NoError(t, err)
		assert.Equal(t, entitlement.RoleUser, findEntitlementEffect(t, decision.Mutation).Role)
	})

	t.Run("paused and expired downgrade", func(t *testing.T) {
		for _, status := range []entitlement.SubscriptionStatus{entitlement.SubscriptionPaused, entitlement.SubscriptionExpired} {
			decision, err := r.Decide(subEvent("subscription_updated", status, baseTime), nil)
			require.NoError(t, err)
			assert.Equal(t, entitlement.RoleUser, findEntitlementEffect(t, decision.Mutation).Role)
		}
	})

	t.Run("unknown status records row without touching the role", func(t *testing.T) {
		decision, err := r.Decide(subEvent("subscription_updated", "weird-new-status", baseTime), nil)
		require.NoError(t, err)
		require.Equal(t, entitlement.DecisionApply, decision.Code)
		require.Len(t, decision.Mutation.Effects, 1)
		assert.Equal(t, entitlement.EffectUpsertSubscription, decision.Mutation.Effects[0].Kind)
	})

	t.Run("older event than reconciled state is stale", func(t *testing.T) {
		current := &entitlement.Entitlement{
			UserID:       "user-1",
			Role:         entitlement.RolePremium,
			ReconciledAt: baseTime,
		}
		decision, err := r.Decide(subEvent("subscription_cancelled", entitlement.SubscriptionCancelled, baseTime.Add(-time.Minute)), current)
		require.NoError(t, err)
		assert.Equal(t, entitlement.DecisionStale, decision.Code)
	})

	t.Run("equal timestamp is stale", func(t *testing.T) {
		current := &entitlement.Entitlement{UserID: "user-1", ReconciledAt: baseTime}
		decision, err := r.Decide(subEvent("subscription_updated", entitlement.SubscriptionActive, baseTime), current)
		require.NoError(t, err)
		assert.Equal(t, entitlement.DecisionStale, decision.Code)
	})
}

func TestReconciler_TransactionLifecycle(t *testing.T) {
	r := entitlement.NewReconciler()

	t.Run("pending records row only", func(t *testing.T) {
		decision, err := r.Decide(txnEvent("transaction.created", entitlement.TransactionPending, baseTime), nil)
		require.NoError(t, err)
		require.Equal(t, entitlement.DecisionApply, decision.Code)
		require.Len(t, decision.Mutation.Effects, 1)
		assert.Equal(t, entitlement.EffectUpsertTransaction, decision.Mutation.Effects[0].Kind)
	})

	t.Run("completed grants premium", func(t *testing.T) {
		decision, err := r.Decide(txnEvent("transaction.completed", entitlement.TransactionCompleted, baseTime), nil)
		require.NoError(t, err)

		next := findEntitlementEffect(t, decision.Mutation)
		assert.Equal(t, entitlement.RolePremium, next.Role)
		assert.Nil(t, next.PremiumExpiresAt)
	})

	t.Run("completed keeps current subscription link", func(t *testing.T) {
		current := &entitlement.Entitlement{
			UserID:         "user-1",
			Role:           entitlement.RolePremium,
			SubscriptionID: "sub-9",
			ReconciledAt:   baseTime.Add(-time.Hour),
		}
		decision, err := r.Decide(txnEvent("transaction.completed", entitlement.TransactionCompleted, baseTime), current)
		require.NoError(t, err)
		assert.Equal(t, "sub-9", findEntitlementEffect(t, decision.Mutation).SubscriptionID)
	})

	t.Run("refund downgrades and forces past the staleness guard", func(t *testing.T) {
		current := &entitlement.Entitlement{
			UserID:       "user-1",
			Role:         entitlement.RolePremium,
			ReconciledAt: baseTime.Add(time.Hour),
		}
		decision, err := r.Decide(txnEvent("transaction.refunded", entitlement.TransactionRefunded, baseTime), current)
		require.NoError(t, err)
		require.Equal(t, entitlement.DecisionApply, decision.Code)
		assert.True(t, decision.Mutation.Force)

		next := findEntitlementEffect(t, decision.Mutation)
		assert.Equal(t, entitlement.RoleUser, next.Role)
	})

	t.Run("stale completed is dropped", func(t *testing.T) {
		current := &entitlement.Entitlement{UserID: "user-1", ReconciledAt: baseTime}
		decision, err := r.Decide(txnEvent("transaction.completed", entitlement.TransactionCompleted, baseTime.Add(-time.Second)), current)
		require.NoError(t, err)
		assert.Equal(t, entitlement.DecisionStale, decision.Code)
	})
}

func TestReconciler_EdgeCases(t *testing.T) {
	r := entitlement.NewReconciler()

	t.Run("unhandled event is ignored", func(t *testing.T) {
		decision, err := r.Decide(entitlement.Unhandled("paddle", "address.updated"), nil)
		require.NoError(t, err)
		assert.Equal(t, entitlement.DecisionIgnore, decision.Code)
	})

	t.Run("nil event errors", func(t *testing.T) {
		_, err := r.Decide(nil, nil)
		assert.Error(t, err)
	})

	t.Run("subscription event without payload errors", func(t *testing.T) {
		_, err := r.Decide(&entitlement.Event{Class: entitlement.ClassSubscription, UserID: "user-1"}, nil)
		assert.Error(t, err)
	})
}
