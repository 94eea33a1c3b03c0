package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - callers should gracefully handle nil metrics
// by substituting NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook event.
	// status: the processing result ("applied", "duplicate", "stale",
	// "ignored", "regression") or "error".
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long webhook processing took.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error".
	RecordWebhookError(provider, errorType string)

	// RecordRoleChange records an entitlement role transition.
	RecordRoleChange(provider, fromRole, toRole string)

	// RecordVerification records a client purchase-verification attempt.
	// status: "success", "failed", "exhausted" or "error".
	RecordVerification(provider, status string)

	// RecordAPICall records an outbound call to the billing provider.
	// status: HTTP status code as string.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an outbound API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordRoleChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordVerification(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
