package paddle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LeonKindaTired/cvally/pkg/billing"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

// webhookPayload is the Paddle notification envelope.
type webhookPayload struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       struct {
		ID             string `json:"id"`
		Status         string `json:"status"`
		CustomerID     string `json:"customer_id"`
		SubscriptionID string `json:"subscription_id"`
		CustomData     struct {
			UserID        string `json:"user_id"`
			TransactionID string `json:"transaction_id"`
		} `json:"custom_data"`
		Details *struct {
			Totals struct {
				Total        string `json:"total"`
				CurrencyCode string `json:"currency_code"`
			} `json:"totals"`
		} `json:"details"`
		Items []struct {
			Price struct {
				ID        string `json:"id"`
				ProductID string `json:"product_id"`
			} `json:"price"`
		} `json:"items"`
		ScheduledChange *struct {
			Action      string     `json:"action"`
			EffectiveAt *time.Time `json:"effective_at"`
		} `json:"scheduled_change"`
		CurrentBillingPeriod *struct {
			EndsAt *time.Time `json:"ends_at"`
		} `json:"current_billing_period"`
		CanceledAt *time.Time `json:"canceled_at"`
		CreatedAt  time.Time  `json:"created_at"`
		UpdatedAt  time.Time  `json:"updated_at"`
	} `json:"data"`
}

// ParseEvent implements billing.Provider.
func (p *Provider) ParseEvent(body []byte) (*entitlement.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}

	eventType := strings.TrimSpace(payload.EventType)
	switch {
	case strings.HasPrefix(eventType, "transaction."):
		return p.parseTransactionEvent(eventType, &payload, body)
	case strings.HasPrefix(eventType, "subscription."):
		return p.parseSubscriptionEvent(eventType, &payload, body)
	default:
		return entitlement.Unhandled(providerName, eventType), nil
	}
}

func (p *Provider) parseTransactionEvent(eventType string, payload *webhookPayload, raw []byte) (*entitlement.Event, error) {
	if payload.Data.ID == "" {
		return nil, fmt.Errorf("%w: %s event without transaction data", billing.ErrMalformedPayload, eventType)
	}

	userID := strings.TrimSpace(payload.Data.CustomData.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: %s event has no custom_data.user_id", billing.ErrMissingCorrelation, eventType)
	}

	// The checkout flow pre-creates the pending row under the id it passed
	// in custom data; honor that so webhook and client verification converge
	// on one record.
	txnID := strings.TrimSpace(payload.Data.CustomData.TransactionID)
	if txnID == "" {
		txnID = payload.Data.ID
	}

	txn := &entitlement.Transaction{
		ID:              txnID,
		UserID:          userID,
		CustomerID:      payload.Data.CustomerID,
		SubscriptionID:  payload.Data.SubscriptionID,
		Status:          mapTransactionStatus(eventType, payload.Data.Status),
		ProviderPayload: json.RawMessage(raw),
		CreatedAt:       payload.Data.CreatedAt,
		UpdatedAt:       payload.Data.UpdatedAt,
	}
	txn.Refunded = txn.Status == entitlement.TransactionRefunded
	if payload.Data.Details != nil {
		txn.Total = parseAmount(payload.Data.Details.Totals.Total)
		txn.Currency = payload.Data.Details.Totals.CurrencyCode
	}
	if len(payload.Data.Items) > 0 {
		txn.ProductID = payload.Data.Items[0].Price.ProductID
		txn.VariantID = payload.Data.Items[0].Price.ID
	}

	return &entitlement.Event{
		Provider:    providerName,
		Type:        eventType,
		Class:       entitlement.ClassTransaction,
		UserID:      userID,
		OccurredAt:  occurredAt(payload),
		Transaction: txn,
		Raw:         json.RawMessage(raw),
	}, nil
}

func (p *Provider) parseSubscriptionEvent(eventType string, payload *webhookPayload, raw []byte) (*entitlement.Event, error) {
	if payload.Data.ID == "" || payload.Data.Status == "" {
		return nil, fmt.Errorf("%w: %s event without subscription data", billing.ErrMalformedPayload, eventType)
	}

	userID := strings.TrimSpace(payload.Data.CustomData.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: %s event has no custom_data.user_id", billing.ErrMissingCorrelation, eventType)
	}

	status := mapSubscriptionStatus(eventType, payload.Data.Status)
	sub := &entitlement.Subscription{
		ID:         payload.Data.ID,
		UserID:     userID,
		CustomerID: payload.Data.CustomerID,
		Status:     status,
		Cancelled:  status == entitlement.SubscriptionCancelled,
		CreatedAt:  payload.Data.CreatedAt,
		UpdatedAt:  payload.Data.UpdatedAt,
	}
	if len(payload.Data.Items) > 0 {
		sub.ProductID = payload.Data.Items[0].Price.ProductID
		sub.VariantID = payload.Data.Items[0].Price.ID
	}
	if payload.Data.CurrentBillingPeriod != nil {
		sub.RenewsAt = payload.Data.CurrentBillingPeriod.EndsAt
	}
	sub.EndsAt = cancellationEnd(payload)

	return &entitlement.Event{
		Provider:     providerName,
		Type:         eventType,
		Class:        entitlement.ClassSubscription,
		UserID:       userID,
		OccurredAt:   occurredAt(payload),
		Subscription: sub,
		Raw:          json.RawMessage(raw),
	}, nil
}

// cancellationEnd resolves when a cancelled subscription's access ends:
// the scheduled change if cancellation is pending, otherwise the billing
// period end, otherwise the cancellation instant.
func cancellationEnd(payload *webhookPayload) *time.Time {
	if payload.Data.ScheduledChange != nil &&
		payload.Data.ScheduledChange.Action == "cancel" &&
		payload.Data.ScheduledChange.EffectiveAt != nil {
		return payload.Data.ScheduledChange.EffectiveAt
	}
	if payload.Data.CanceledAt == nil {
		return nil
	}
	if payload.Data.CurrentBillingPeriod != nil && payload.Data.CurrentBillingPeriod.EndsAt != nil {
		return payload.Data.CurrentBillingPeriod.EndsAt
	}
	return payload.Data.CanceledAt
}

func mapTransactionStatus(eventType, status string) entitlement.TransactionStatus {
	switch eventType {
	case "transaction.completed", "transaction.paid", "transaction.payment_succeeded":
		return entitlement.TransactionCompleted
	case "transaction.payment_failed", "transaction.failed":
		return entitlement.TransactionFailed
	case "transaction.refunded", "transaction.adjusted":
		return entitlement.TransactionRefunded
	}
	// transaction.updated and friends carry the status in the data.
	switch strings.ToLower(status) {
	case "completed", "paid":
		return entitlement.TransactionCompleted
	case "failed":
		return entitlement.TransactionFailed
	case "refunded":
		return entitlement.TransactionRefunded
	default:
		return entitlement.TransactionPending
	}
}

func mapSubscriptionStatus(eventType, status string) entitlement.SubscriptionStatus {
	switch eventType {
	case "subscription.canceled", "subscription.cancelled":
		return entitlement.SubscriptionCancelled
	case "subscription.paused":
		return entitlement.SubscriptionPaused
	case "subscription.resumed", "subscription.activated":
		return entitlement.SubscriptionActive
	case "subscription.expired":
		return entitlement.SubscriptionExpired
	}
	switch strings.ToLower(status) {
	case "active":
		return entitlement.SubscriptionActive
	case "trialing":
		return entitlement.SubscriptionTrialing
	case "paused", "past_due":
		return entitlement.SubscriptionPaused
	case "canceled", "cancelled":
		return entitlement.SubscriptionCancelled
	case "expired":
		return entitlement.SubscriptionExpired
	default:
		return entitlement.SubscriptionStatus(status)
	}
}

func occurredAt(payload *webhookPayload) time.Time {
	if !payload.OccurredAt.IsZero() {
		return payload.OccurredAt.UTC()
	}
	if !payload.Data.UpdatedAt.IsZero() {
		return payload.Data.UpdatedAt.UTC()
	}
	return time.Time{}
}

// parseAmount parses Paddle's string money amounts (smallest currency unit).
func parseAmount(s string) int64 {
	var total int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		total = total*10 + int64(r-'0')
	}
	return total
}
