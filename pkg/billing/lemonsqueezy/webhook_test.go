package lemonsqueezy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonKindaTired/cvally/pkg/billing"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

func subscriptionPayload(eventName, status string, extraAttrs string) []byte {
	return []byte(fmt.Sprintf(`{
		"meta": {
			"event_name": %q,
			"custom_data": {"user_id": "user-42"}
		},
		"data": {
			"type": "subscriptions",
			"id": "314159",
			"attributes": {
				"store_id": 1,
				"customer_id": 271828,
				"product_id": 11,
				"variant_id": 22,
				"product_name": "Pro Subscription",
				"status": %q,
				"created_at": "2025-06-01T10:00:00Z",
				"updated_at": "2025-06-01T12:00:00Z"%s
			}
		}
	}`, eventName, status, extraAttrs))
}

func TestParseEvent_SubscriptionCreated(t *testing.T) {
	provider := newTestProvider(t)

	event, err := provider.ParseEvent(subscriptionPayload("subscription_created", "active", ""))
	require.NoError(t, err)

	assert.Equal(t, "lemonsqueezy", event.Provider)
	assert.Equal(t, "subscription_created", event.Type)
	assert.Equal(t, entitlement.ClassSubscription, event.Class)
	assert.Equal(t, "user-42", event.UserID)
	assert.Equal(t, "2025-06-01 12:00:00 +0000 UTC", event.OccurredAt.String())

	require.NotNil(t, event.Subscription)
	assert.Equal(t, "314159", event.Subscription.ID)
	assert.Equal(t, "271828", event.Subscription.CustomerID)
	assert.Equal(t, "11", event.Subscription.ProductID)
	assert.Equal(t, "22", event.Subscription.VariantID)
	assert.Equal(t, entitlement.SubscriptionActive, event.Subscription.Status)

	assert.Equal(t, "314159:subscription_created", event.LedgerKey())
	assert.Equal(t, "active", event.LedgerStatus())
}

func TestParseEvent_SubscriptionItemID(t *testing.T) {
	provider := newTestProvider(t)

	payload := subscriptionPayload("subscription_updated", "active",
		`, "first_subscription_item": {"subscription_id": 999}`)
	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "999", event.Subscription.ID)
}

func TestParseEvent_SubscriptionStatusMapping(t *testing.T) {
	provider := newTestProvider(t)

	cases := map[string]entitlement.SubscriptionStatus{
		"active":    entitlement.SubscriptionActive,
		"on_trial":  entitlement.SubscriptionTrialing,
		"paused":    entitlement.SubscriptionPaused,
		"past_due":  entitlement.SubscriptionPaused,
		"unpaid":    entitlement.SubscriptionPaused,
		"cancelled": entitlement.SubscriptionCancelled,
		"expired":   entitlement.SubscriptionExpired,
	}
	for raw, want := range cases {
		event, err := provider.ParseEvent(subscriptionPayload("subscription_updated", raw, ""))
		require.NoError(t, err, "status %s", raw)
		assert.Equal(t, want, event.Subscription.Status, "status %s", raw)
	}
}

func TestParseEvent_CancelledWithEndDate(t *testing.T) {
	provider := newTestProvider(t)

	payload := subscriptionPayload("subscription_cancelled", "cancelled",
		`, "cancelled": true, "ends_at": "2025-07-01T12:00:00Z"`)
	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)

	assert.True(t, event.Subscription.Cancelled)
	require.NotNil(t, event.Subscription.EndsAt)
	assert.Equal(t, "2025-07-01 12:00:00 +0000 UTC", event.Subscription.EndsAt.String())
}

func TestParseEvent_OrderCreated(t *testing.T) {
	provider := newTestProvider(t)

	payload := []byte(`{
		"meta": {
			"event_name": "order_created",
			"custom_data": {"user_id": "user-42"}
		},
		"data": {
			"type": "orders",
			"id": "777",
			"attributes": {
				"customer_id": 271828,
				"identifier": "ord-uuid",
				"status": "paid",
				"refunded": false,
				"total": 1999,
				"currency": "USD",
				"created_at": "2025-06-01T10:00:00Z",
				"updated_at": "2025-06-01T10:00:05Z",
				"first_order_item": {"product_id": 11, "variant_id": 22}
			}
		}
	}`)

	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, entitlement.ClassTransaction, event.Class)
	require.NotNil(t, event.Transaction)
	assert.Equal(t, "777", event.Transaction.ID)
	assert.Equal(t, entitlement.TransactionCompleted, event.Transaction.Status)
	assert.Equal(t, int64(1999), event.Transaction.Total)
	assert.Equal(t, "USD", event.Transaction.Currency)
	assert.Equal(t, "11", event.Transaction.ProductID)
	assert.Equal(t, "777", event.LedgerKey())
}

func TestParseEvent_OrderRefunded(t *testing.T) {
	provider := newTestProvider(t)

	payload := []byte(`{
		"meta": {
			"event_name": "order_refunded",
			"custom_data": {"user_id": "user-42"}
		},
		"data": {
			"type": "orders",
			"id": "777",
			"attributes": {
				"customer_id": 271828,
				"status": "refunded",
				"refunded": true,
				"total": 1999,
				"currency": "USD",
				"created_at": "2025-06-01T10:00:00Z",
				"updated_at": "2025-06-02T10:00:00Z"
			}
		}
	}`)

	event, err := provider.ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TransactionRefunded, event.Transaction.Status)
	assert.True(t, event.Transaction.Refunded)
}

func TestParseEvent_UnknownEventIsUnhandled(t *testing.T) {
	provider := newTestProvider(t)

	event, err := provider.ParseEvent([]byte(`{"meta":{"event_name":"license_key_created"}}`))
	require.NoError(t, err)
	assert.Equal(t, entitlement.ClassUnhandled, event.Class)
	assert.Equal(t, "license_key_created", event.Type)
	assert.Equal(t, "", event.LedgerKey())
}

func TestParseEvent_Errors(t *testing.T) {
	provider := newTestProvider(t)

	t.Run("not json", func(t *testing.T) {
		_, err := provider.ParseEvent([]byte("{nope"))
		assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	})

	t.Run("missing user correlation", func(t *testing.T) {
		payload := []byte(`{
			"meta": {"event_name": "subscription_created", "custom_data": {}},
			"data": {"type": "subscriptions", "id": "1", "attributes": {"status": "active", "customer_id": 2}}
		}`)
		_, err := provider.ParseEvent(payload)
		assert.ErrorIs(t, err, billing.ErrMissingCorrelation)
	})

	t.Run("wrong data type for subscription event", func(t *testing.T) {
		payload := []byte(`{
			"meta": {"event_name": "subscription_created", "custom_data": {"user_id": "u"}},
			"data": {"type": "orders", "id": "1", "attributes": {"status": "active"}}
		}`)
		_, err := provider.ParseEvent(payload)
		assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	})

	t.Run("subscription attributes missing status", func(t *testing.T) {
		payload := []byte(`{
			"meta": {"event_name": "subscription_created", "custom_data": {"user_id": "u"}},
			"data": {"type": "subscriptions", "id": "1", "attributes": {"customer_id": 2}}
		}`)
		_, err := provider.ParseEvent(payload)
		assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	})
}
