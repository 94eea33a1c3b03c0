package paddle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonKindaTired/cvally/pkg/billing"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

func TestParseEvent_TransactionCompleted(t *testing.T) {
	provider := newTestProvider(t)

	payload := []byte(`{
		"event_id": "evt_01",
		"event_type": "transaction.completed",
		"occurred_at": "2025-06-01T12:00:00Z",
		"data": {
			"id": "txn_paddle_01",
			"status": "completed",
			"customer_id": "ctm_01",
			"subscription_id": "sub_01",
			"custom_data": {"user_id": "user-42", "transaction_id": "txn-local-9"},
			"details": {"totals": {"total": "1999", "currency_code": "USD"}},
			"items": [{"price": {"id": "pri_01", "product_id": "pro_01"}}],
			"created_at": "2025-06-01T11:59:00Z",
			"updated_at": "2025-06-01T12:00:00Z"
		}
	}`)

	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "paddle", event.Provider)
	assert.Equal(t, entitlement.ClassTransaction, event.Class)
	assert.Equal(t, "user-42", event.UserID)

	require.NotNil(t, event.Transaction)
	// The id passed through checkout custom data wins over Paddle's own.
	assert.Equal(t, "txn-local-9", event.Transaction.ID)
	assert.Equal(t, entitlement.TransactionCompleted, event.Transaction.Status)
	assert.Equal(t, "ctm_01", event.Transaction.CustomerID)
	assert.Equal(t, "sub_01", event.Transaction.SubscriptionID)
	assert.Equal(t, int64(1999), event.Transaction.Total)
	assert.Equal(t, "USD", event.Transaction.Currency)
	assert.Equal(t, "pro_01", event.Transaction.ProductID)
	assert.Equal(t, "txn-local-9", event.LedgerKey())
	assert.Equal(t, "2025-06-01 12:00:00 +0000 UTC", event.OccurredAt.String())
}

func TestParseEvent_TransactionWithoutCustomID(t *testing.T) {
	provider := newTestProvider(t)

	payload := []byte(`{
		"event_type": "transaction.created",
		"occurred_at": "2025-06-01T12:00:00Z",
		"data": {
			"id": "txn_paddle_02",
			"status": "ready",
			"custom_data": {"user_id": "user-42"},
			"created_at": "2025-06-01T11:59:00Z",
			"updated_at": "2025-06-01T12:00:00Z"
		}
	}`)

	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "txn_paddle_02", event.Transaction.ID)
	assert.Equal(t, entitlement.TransactionPending, event.Transaction.Status)
}

func TestParseEvent_TransactionRefunded(t *testing.T) {
	provider := newTestProvider(t)

	payload := []byte(`{
		"event_type": "transaction.refunded",
		"occurred_at": "2025-06-02T12:00:00Z",
		"data": {
			"id": "txn_paddle_01",
			"status": "completed",
			"custom_data": {"user_id": "user-42"}
		}
	}`)

	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TransactionRefunded, event.Transaction.Status)
	assert.True(t, event.Transaction.Refunded)
}

func TestParseEvent_SubscriptionActivated(t *testing.T) {
	provider := newTestProvider(t)

	payload := []byte(`{
		"event_type": "subscription.activated",
		"occurred_at": "2025-06-01T12:00:00Z",
		"data": {
			"id": "sub_01",
			"status": "active",
			"customer_id": "ctm_01",
			"custom_data": {"user_id": "user-42"},
			"items": [{"price": {"id": "pri_01", "product_id": "pro_01"}}],
			"current_billing_period": {"ends_at": "2025-07-01T12:00:00Z"},
			"created_at": "2025-06-01T12:00:00Z",
			"updated_at": "2025-06-01T12:00:00Z"
		}
	}`)

	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, entitlement.ClassSubscription, event.Class)
	require.NotNil(t, event.Subscription)
	assert.Equal(t, "sub_01", event.Subscription.ID)
	assert.Equal(t, entitlement.SubscriptionActive, event.Subscription.Status)
	assert.False(t, event.Subscription.Cancelled)
	require.NotNil(t, event.Subscription.RenewsAt)
	assert.Nil(t, event.Subscription.EndsAt)
	assert.Equal(t, "sub_01:subscription.activated", event.LedgerKey())
}

func TestParseEvent_SubscriptionCanceledScheduled(t *testing.T) {
	provider := newTestProvider(t)

	payload := []byte(`{
		"event_type": "subscription.updated",
		"occurred_at": "2025-06-15T12:00:00Z",
		"data": {
			"id": "sub_01",
			"status": "active",
			"custom_data": {"user_id": "user-42"},
			"scheduled_change": {"action": "cancel", "effective_at": "2025-07-01T12:00:00Z"},
			"updated_at": "2025-06-15T12:00:00Z"
		}
	}`)

	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)

	// Still active, but with the scheduled end date carried through so a
	// later cancellation keeps access until then.
	assert.Equal(t, entitlement.SubscriptionActive, event.Subscription.Status)
	require.NotNil(t, event.Subscription.EndsAt)
	assert.Equal(t, "2025-07-01 12:00:00 +0000 UTC", event.Subscription.EndsAt.UTC().String())
}

func TestParseEvent_SubscriptionCanceled(t *testing.T) {
	provider := newTestProvider(t)

	payload := []byte(`{
		"event_type": "subscription.canceled",
		"occurred_at": "2025-06-15T12:00:00Z",
		"data": {
			"id": "sub_01",
			"status": "canceled",
			"custom_data": {"user_id": "user-42"},
			"canceled_at": "2025-06-15T12:00:00Z",
			"current_billing_period": {"ends_at": "2025-07-01T12:00:00Z"},
			"updated_at": "2025-06-15T12:00:00Z"
		}
	}`)

	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, entitlement.SubscriptionCancelled, event.Subscription.Status)
	assert.True(t, event.Subscription.Cancelled)
	require.NotNil(t, event.Subscription.EndsAt)
	assert.Equal(t, "2025-07-01 12:00:00 +0000 UTC", event.Subscription.EndsAt.UTC().String())
}

func TestParseEvent_SubscriptionPastDueMapsToPaused(t *testing.T) {
	provider := newTestProvider(t)

	payload := []byte(`{
		"event_type": "subscription.past_due",
		"occurred_at": "2025-06-15T12:00:00Z",
		"data": {
			"id": "sub_01",
			"status": "past_due",
			"custom_data": {"user_id": "user-42"},
			"updated_at": "2025-06-15T12:00:00Z"
		}
	}`)

	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, entitlement.SubscriptionPaused, event.Subscription.Status)
}

func TestParseEvent_UnknownEventIsUnhandled(t *testing.T) {
	provider := newTestProvider(t)

	event, err := provider.ParseEvent([]byte(`{"event_type":"address.created","data":{"id":"add_01"}}`))
	require.NoError(t, err)
	assert.Equal(t, entitlement.ClassUnhandled, event.Class)
}

func TestParseEvent_Errors(t *testing.T) {
	provider := newTestProvider(t)

	t.Run("not json", func(t *testing.T) {
		_, err := provider.ParseEvent([]byte("{nope"))
		assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	})

	t.Run("missing user correlation", func(t *testing.T) {
		payload := []byte(`{
			"event_type": "transaction.completed",
			"data": {"id": "txn_01", "status": "completed", "custom_data": {}}
		}`)
		_, err := provider.ParseEvent(payload)
		assert.ErrorIs(t, err, billing.ErrMissingCorrelation)
	})

	t.Run("subscription event without data", func(t *testing.T) {
		_, err := provider.ParseEvent([]byte(`{"event_type":"subscription.activated","data":{}}`))
		assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	})
}
