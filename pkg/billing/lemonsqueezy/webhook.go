package lemonsqueezy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LeonKindaTired/cvally/pkg/billing"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

// subscriptionEvents are the handled subscription-lifecycle event names.
var subscriptionEvents = map[string]bool{
	"subscription_created":   true,
	"subscription_updated":   true,
	"subscription_resumed":   true,
	"subscription_unpaused":  true,
	"subscription_paused":    true,
	"subscription_cancelled": true,
	"subscription_expired":   true,
}

// orderEvents are the handled order-lifecycle event names.
var orderEvents = map[string]bool{
	"order_created":  true,
	"order_refunded": true,
}

// webhookPayload is the Lemon Squeezy JSON:API envelope.
type webhookPayload struct {
	Meta struct {
		EventName  string `json:"event_name"`
		CustomData struct {
			UserID string `json:"user_id"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		Type       string          `json:"type"`
		ID         string          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

type subscriptionAttributes struct {
	StoreID               int64      `json:"store_id"`
	CustomerID            int64      `json:"customer_id"`
	ProductID             int64      `json:"product_id"`
	VariantID             int64      `json:"variant_id"`
	ProductName           string     `json:"product_name"`
	Status                string     `json:"status"`
	Cancelled             bool       `json:"cancelled"`
	RenewsAt              *time.Time `json:"renews_at"`
	EndsAt                *time.Time `json:"ends_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	FirstSubscriptionItem *struct {
		SubscriptionID int64 `json:"subscription_id"`
	} `json:"first_subscription_item"`
}

type orderAttributes struct {
	CustomerID     int64     `json:"customer_id"`
	Identifier     string    `json:"identifier"`
	Status         string    `json:"status"`
	Refunded       bool      `json:"refunded"`
	Total          int64     `json:"total"`
	Currency       string    `json:"currency"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	FirstOrderItem *struct {
		ProductID int64 `json:"product_id"`
		VariantID int64 `json:"variant_id"`
	} `json:"first_order_item"`
}

// ParseEvent implements billing.Provider.
func (p *Provider) ParseEvent(body []byte) (*entitlement.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}

	eventName := strings.TrimSpace(payload.Meta.EventName)
	switch {
	case subscriptionEvents[eventName]:
		return p.parseSubscriptionEvent(eventName, &payload, body)
	case orderEvents[eventName]:
		return p.parseOrderEvent(eventName, &payload, body)
	default:
		// Providers add event types over time; unknown ones are acked.
		return entitlement.Unhandled(providerName, eventName), nil
	}
}

func (p *Provider) parseSubscriptionEvent(eventName string, payload *webhookPayload, raw []byte) (*entitlement.Event, error) {
	if payload.Data.Type != "subscriptions" || len(payload.Data.Attributes) == 0 {
		return nil, fmt.Errorf("%w: %s event without subscription data (got type %q)",
			billing.ErrMalformedPayload, eventName, payload.Data.Type)
	}

	userID := strings.TrimSpace(payload.Meta.CustomData.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: %s event has no custom_data.user_id", billing.ErrMissingCorrelation, eventName)
	}

	var attrs subscriptionAttributes
	if err := json.Unmarshal(payload.Data.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("%w: subscription attributes: %v", billing.ErrMalformedPayload, err)
	}
	if attrs.Status == "" || attrs.CustomerID == 0 {
		return nil, fmt.Errorf("%w: subscription attributes missing status or customer", billing.ErrMalformedPayload)
	}

	subID := payload.Data.ID
	if attrs.FirstSubscriptionItem != nil && attrs.FirstSubscriptionItem.SubscriptionID != 0 {
		subID = strconv.FormatInt(attrs.FirstSubscriptionItem.SubscriptionID, 10)
	}

	sub := &entitlement.Subscription{
		ID:         subID,
		UserID:     userID,
		CustomerID: strconv.FormatInt(attrs.CustomerID, 10),
		ProductID:  strconv.FormatInt(attrs.ProductID, 10),
		VariantID:  strconv.FormatInt(attrs.VariantID, 10),
		Status:     mapSubscriptionStatus(attrs.Status),
		Cancelled:  attrs.Cancelled,
		RenewsAt:   attrs.RenewsAt,
		EndsAt:     attrs.EndsAt,
		CreatedAt:  attrs.CreatedAt,
		UpdatedAt:  attrs.UpdatedAt,
	}

	return &entitlement.Event{
		Provider:     providerName,
		Type:         eventName,
		Class:        entitlement.ClassSubscription,
		UserID:       userID,
		OccurredAt:   eventTime(attrs.UpdatedAt, attrs.CreatedAt),
		Subscription: sub,
		Raw:          json.RawMessage(raw),
	}, nil
}

func (p *Provider) parseOrderEvent(eventName string, payload *webhookPayload, raw []byte) (*entitlement.Event, error) {
	if payload.Data.Type != "orders" || len(payload.Data.Attributes) == 0 {
		return nil, fmt.Errorf("%w: %s event without order data (got type %q)",
			billing.ErrMalformedPayload, eventName, payload.Data.Type)
	}

	userID := strings.TrimSpace(payload.Meta.CustomData.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: %s event has no custom_data.user_id", billing.ErrMissingCorrelation, eventName)
	}

	var attrs orderAttributes
	if err := json.Unmarshal(payload.Data.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("%w: order attributes: %v", billing.ErrMalformedPayload, err)
	}

	txn := &entitlement.Transaction{
		ID:              payload.Data.ID,
		UserID:          userID,
		CustomerID:      strconv.FormatInt(attrs.CustomerID, 10),
		Status:          mapOrderStatus(eventName, attrs.Status, attrs.Refunded),
		Total:           attrs.Total,
		Currency:        attrs.Currency,
		Refunded:        attrs.Refunded,
		ProviderPayload: json.RawMessage(raw),
		CreatedAt:       attrs.CreatedAt,
		UpdatedAt:       attrs.UpdatedAt,
	}
	if attrs.FirstOrderItem != nil {
		txn.ProductID = strconv.FormatInt(attrs.FirstOrderItem.ProductID, 10)
		txn.VariantID = strconv.FormatInt(attrs.FirstOrderItem.VariantID, 10)
	}

	return &entitlement.Event{
		Provider:    providerName,
		Type:        eventName,
		Class:       entitlement.ClassTransaction,
		UserID:      userID,
		OccurredAt:  eventTime(attrs.UpdatedAt, attrs.CreatedAt),
		Transaction: txn,
		Raw:         json.RawMessage(raw),
	}, nil
}

// EnrichEvent fills the subscription's price from the variant. Best effort;
// the caller logs failures and continues.
func (p *Provider) EnrichEvent(ctx context.Context, event *entitlement.Event) error {
	if event.Class != entitlement.ClassSubscription || event.Subscription == nil {
		return nil
	}
	if event.Subscription.VariantID == "" || event.Subscription.VariantID == "0" {
		return nil
	}
	variant, err := p.GetVariant(ctx, event.Subscription.VariantID)
	if err != nil {
		return err
	}
	event.Subscription.Price = variant.Price
	return nil
}

// mapSubscriptionStatus maps Lemon Squeezy subscription statuses onto the
// canonical set. past_due and unpaid suspend access without ending the
// subscription, so they map to paused.
func mapSubscriptionStatus(status string) entitlement.SubscriptionStatus {
	switch strings.ToLower(status) {
	case "active":
		return entitlement.SubscriptionActive
	case "on_trial":
		return entitlement.SubscriptionTrialing
	case "paused", "past_due", "unpaid":
		return entitlement.SubscriptionPaused
	case "cancelled":
		return entitlement.SubscriptionCancelled
	case "expired":
		return entitlement.SubscriptionExpired
	default:
		return entitlement.SubscriptionStatus(status)
	}
}

func mapOrderStatus(eventName, status string, refunded bool) entitlement.TransactionStatus {
	if eventName == "order_refunded" || refunded {
		return entitlement.TransactionRefunded
	}
	switch strings.ToLower(status) {
	case "paid":
		return entitlement.TransactionCompleted
	case "failed":
		return entitlement.TransactionFailed
	case "refunded":
		return entitlement.TransactionRefunded
	default:
		return entitlement.TransactionPending
	}
}

func eventTime(updated, created time.Time) time.Time {
	if !updated.IsZero() {
		return updated.UTC()
	}
	if !created.IsZero() {
		return created.UTC()
	}
	return time.Time{}
}
