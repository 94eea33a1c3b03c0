// Package billing defines the provider-facing capability interface for
// payment webhook ingestion. Each billing backend supplies signature
// verification and payload normalization; the reconciler and executor are
// provider-agnostic and written once in pkg/entitlement.
package billing

import (
	"net/http"

	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

// Provider is the generic interface any billing backend must implement.
// This allows the application to run Lemon Squeezy and Paddle side by side
// (and swap either out) with zero logic changes.
type Provider interface {
	// Name returns the provider name (e.g. "lemonsqueezy", "paddle").
	Name() string

	// VerifySignature checks that the raw body genuinely originated from the
	// provider. It must operate on the raw, unparsed bytes; re-serializing
	// parsed JSON breaks the signature. Returns ErrInvalidSignature on any
	// mismatch, missing header or unparseable timestamp.
	VerifySignature(header http.Header, body []byte) error

	// ParseEvent normalizes a provider payload into the canonical event.
	// Unknown event types return an event with ClassUnhandled, never an
	// error. A handled type missing its user correlation returns
	// ErrMissingCorrelation; structurally wrong nested data returns
	// ErrMalformedPayload.
	ParseEvent(body []byte) (*entitlement.Event, error)
}
