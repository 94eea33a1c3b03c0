package entitlement

import (
	"encoding/json"
	"time"
)

// EventClass groups normalized events by the record they concern.
type EventClass string

const (
	// ClassSubscription covers subscription-lifecycle events.
	ClassSubscription EventClass = "subscription"
	// ClassTransaction covers payment-lifecycle events.
	ClassTransaction EventClass = "transaction"
	// ClassUnhandled marks event types the normalizer does not know.
	// Providers add event types over time; these are acknowledged, not errors.
	ClassUnhandled EventClass = "unhandled"
)

// Event is the canonical internal form of a provider webhook payload.
// Providers normalize into this; the reconciler and executor never see
// provider-specific JSON.
type Event struct {
	// Provider is the billing provider name ("lemonsqueezy", "paddle",
	// or "client-verification" for the browser-initiated path).
	Provider string

	// Type is the raw provider event type string, kept for logs and metrics.
	Type string

	Class EventClass

	// UserID is the application user extracted from provider custom metadata,
	// the only trusted correlation channel back to an internal user.
	UserID string

	// OccurredAt is the provider-supplied event timestamp. Ordering is
	// reconstructed from this, never from arrival order.
	OccurredAt time.Time

	// Transaction is populated for ClassTransaction events.
	Transaction *Transaction

	// Subscription is populated for ClassSubscription events.
	Subscription *Subscription

	// Raw is the original payload, persisted for audit.
	Raw json.RawMessage
}

// Unhandled builds an acknowledged-but-ignored event for unknown types.
func Unhandled(provider, eventType string) *Event {
	return &Event{Provider: provider, Type: eventType, Class: ClassUnhandled}
}

// LedgerKey returns the idempotency key for this event: the external
// transaction ID for payment events, subscription ID plus event type for
// subscription events.
func (e *Event) LedgerKey() string {
	switch e.Class {
	case ClassTransaction:
		if e.Transaction == nil {
			return ""
		}
		return e.Transaction.ID
	case ClassSubscription:
		if e.Subscription == nil {
			return ""
		}
		return e.Subscription.ID + ":" + e.Type
	default:
		return ""
	}
}

// LedgerStatus returns the status recorded against the ledger key when this
// event is applied.
func (e *Event) LedgerStatus() string {
	switch e.Class {
	case ClassTransaction:
		if e.Transaction == nil {
			return ""
		}
		return string(e.Transaction.Status)
	case ClassSubscription:
		if e.Subscription == nil {
			return ""
		}
		return string(e.Subscription.Status)
	default:
		return ""
	}
}
