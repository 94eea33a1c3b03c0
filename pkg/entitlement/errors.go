package entitlement

import "errors"

var (
	// ErrEntitlementNotFound is returned when a user has no entitlement record
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrTransactionNotFound is returned when a transaction record does not exist
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrSubscriptionNotFound is returned when a subscription record does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	// Webhook handlers map this to a server error so the provider retries.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidMutation is returned for a mutation with no effects or a
	// malformed ledger reservation
	ErrInvalidMutation = errors.New("invalid mutation")
)
