package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing its
	// webhook secret or API key
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidSignature is returned when webhook signature validation fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when a handled event type carries
	// structurally wrong data (e.g. a subscription event without
	// subscription-shaped data). Indicates provider contract drift.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrMissingCorrelation is returned when a handled event carries no
	// application user id in its custom metadata
	ErrMissingCorrelation = errors.New("missing user correlation in webhook payload")

	// ErrProviderAPI is returned when the provider's REST API returns an error
	ErrProviderAPI = errors.New("billing provider API error")
)
