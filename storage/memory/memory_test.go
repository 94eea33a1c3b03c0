package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonKindaTired/cvally/pkg/entitlement"
	"github.com/LeonKindaTired/cvally/storage/memory"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func entitlementMutation(key, status string, eventTime time.Time, role entitlement.Role) *entitlement.Mutation {
	return &entitlement.Mutation{
		LedgerKey:    key,
		LedgerStatus: status,
		EventTime:    eventTime,
		Effects: []entitlement.Effect{
			{Kind: entitlement.EffectSetEntitlement, Entitlement: &entitlement.Entitlement{
				UserID:       "user-1",
				Role:         role,
				ReconciledAt: eventTime,
			}},
		},
	}
}

func TestStorage_ApplyLedgerSemantics(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	t.Run("fresh key applies", func(t *testing.T) {
		outcome, err := store.Apply(ctx, entitlementMutation("txn-1", "completed", baseTime, entitlement.RolePremium))
		require.NoError(t, err)
		assert.Equal(t, entitlement.OutcomeApplied, outcome)

		status, err := store.LedgerStatus(ctx, "txn-1")
		require.NoError(t, err)
		assert.Equal(t, "completed", status)
	})

	t.Run("same status is duplicate", func(t *testing.T) {
		outcome, err := store.Apply(ctx, entitlementMutation("txn-1", "completed", baseTime.Add(time.Hour), entitlement.RoleUser))
		require.NoError(t, err)
		assert.Equal(t, entitlement.OutcomeDuplicate, outcome)

		// Nothing was written.
		ent, err := store.GetEntitlement(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.RolePremium, ent.Role)
	})

	t.Run("lower ranked status is regression", func(t *testing.T) {
		outcome, err := store.Apply(ctx, entitlementMutation("txn-1", "pending", baseTime.Add(2*time.Hour), entitlement.RoleUser))
		require.NoError(t, err)
		assert.Equal(t, entitlement.OutcomeRegression, outcome)
	})

	t.Run("higher ranked status supersedes", func(t *testing.T) {
		m := entitlementMutation("txn-1", "refunded", baseTime.Add(3*time.Hour), entitlement.RoleUser)
		m.Force = true
		outcome, err := store.Apply(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, entitlement.OutcomeApplied, outcome)

		status, err := store.LedgerStatus(ctx, "txn-1")
		require.NoError(t, err)
		assert.Equal(t, "refunded", status)
	})

	t.Run("empty key skips the ledger", func(t *testing.T) {
		outcome, err := store.Apply(ctx, entitlementMutation("", "", baseTime.Add(4*time.Hour), entitlement.RolePremium))
		require.NoError(t, err)
		assert.Equal(t, entitlement.OutcomeApplied, outcome)
	})
}

func TestStorage_ApplyStalenessGuard(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.Apply(ctx, entitlementMutation("k1", "active", baseTime, entitlement.RolePremium))
	require.NoError(t, err)

	t.Run("older snapshot is stale", func(t *testing.T) {
		outcome, err := store.Apply(ctx, entitlementMutation("k2", "cancelled", baseTime.Add(-time.Minute), entitlement.RoleUser))
		require.NoError(t, err)
		assert.Equal(t, entitlement.OutcomeStale, outcome)

		ent, err := store.GetEntitlement(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.RolePremium, ent.Role)
	})

	t.Run("stale ledger still advances", func(t *testing.T) {
		status, err := store.LedgerStatus(ctx, "k2")
		require.NoError(t, err)
		assert.Equal(t, "cancelled", status)
	})

	t.Run("force bypasses the guard", func(t *testing.T) {
		m := entitlementMutation("k3", "refunded", baseTime.Add(-time.Minute), entitlement.RoleUser)
		m.Force = true
		outcome, err := store.Apply(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, entitlement.OutcomeApplied, outcome)

		ent, err := store.GetEntitlement(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.RoleUser, ent.Role)
	})
}

func TestStorage_ApplyEffectOrdering(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	endsAt := baseTime.Add(30 * 24 * time.Hour)
	m := &entitlement.Mutation{
		LedgerKey:    "sub-1:subscription_cancelled",
		LedgerStatus: "cancelled",
		EventTime:    baseTime,
		Effects: []entitlement.Effect{
			{Kind: entitlement.EffectUpsertSubscription, Subscription: &entitlement.Subscription{
				ID:        "sub-1",
				UserID:    "user-1",
				Status:    entitlement.SubscriptionCancelled,
				Cancelled: true,
				EndsAt:    &endsAt,
			}},
			{Kind: entitlement.EffectSetEntitlement, Entitlement: &entitlement.Entitlement{
				UserID:           "user-1",
				Role:             entitlement.RolePremium,
				PremiumExpiresAt: &endsAt,
				SubscriptionID:   "sub-1",
				ReconciledAt:     baseTime,
			}},
		},
	}

	outcome, err := store.Apply(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeApplied, outcome)

	sub, err := store.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.True(t, sub.Cancelled)

	ent, err := store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, ent.PremiumExpiresAt)
	assert.Equal(t, endsAt, *ent.PremiumExpiresAt)
}

func TestStorage_CreateTransactionIdempotent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	txn := &entitlement.Transaction{
		ID:     "txn-1",
		UserID: "user-1",
		Status: entitlement.TransactionPending,
	}
	require.NoError(t, store.CreateTransaction(ctx, txn))

	// A webhook advances the transaction, then the client retries the create.
	_, err := store.Apply(ctx, &entitlement.Mutation{
		LedgerKey:    "txn-1",
		LedgerStatus: "completed",
		EventTime:    baseTime,
		Effects: []entitlement.Effect{
			{Kind: entitlement.EffectUpsertTransaction, Transaction: &entitlement.Transaction{
				ID:     "txn-1",
				UserID: "user-1",
				Status: entitlement.TransactionCompleted,
			}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateTransaction(ctx, txn))

	stored, err := store.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TransactionCompleted, stored.Status)
}

func TestStorage_NotFoundErrors(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.GetEntitlement(ctx, "nobody")
	assert.ErrorIs(t, err, entitlement.ErrEntitlementNotFound)

	_, err = store.GetTransaction(ctx, "nothing")
	assert.ErrorIs(t, err, entitlement.ErrTransactionNotFound)

	_, err = store.GetSubscription(ctx, "nothing")
	assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)

	status, err := store.LedgerStatus(ctx, "unseen")
	require.NoError(t, err)
	assert.Equal(t, "", status)
}

func TestStorage_ReturnsCopies(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.Apply(ctx, entitlementMutation("k1", "active", baseTime, entitlement.RolePremium))
	require.NoError(t, err)

	ent, err := store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	ent.Role = entitlement.RoleUser

	again, err := store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.RolePremium, again.Role)
}

func TestStorage_ConcurrentAppliesConverge(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	outcomes := make([]entitlement.Outcome, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = store.Apply(ctx, entitlementMutation("txn-1", "completed", baseTime, entitlement.RolePremium))
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, outcome := range outcomes {
		if outcome == entitlement.OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, entitlement.OutcomeDuplicate, outcome)
		}
	}
	assert.Equal(t, 1, applied)

	ent, err := store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.RolePremium, ent.Role)
}

func TestStorage_Clear(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.Apply(ctx, entitlementMutation("k1", "active", baseTime, entitlement.RolePremium))
	require.NoError(t, err)

	store.Clear()

	_, err = store.GetEntitlement(ctx, "user-1")
	assert.ErrorIs(t, err, entitlement.ErrEntitlementNotFound)
}
