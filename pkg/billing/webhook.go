package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/LeonKindaTired/cvally/pkg/billing/internal"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

const defaultMaxBodyBytes = 256 * 1024

// WebhookConfig configures the shared webhook HTTP handler.
type WebhookConfig struct {
	// Provider verifies and normalizes payloads (required).
	Provider Provider

	// Processor applies normalized events (required).
	Processor *entitlement.Processor

	// Logger is used for structured logging. Defaults to NoopLogger.
	Logger entitlement.Logger

	// Metrics tracks webhook processing. Defaults to NoopMetrics.
	Metrics Metrics

	// MaxBodyBytes limits the request body. Defaults to 256KiB; provider
	// payloads are well under that.
	MaxBodyBytes int64

	// Enrich optionally augments a normalized event with supplementary data
	// from the provider's REST API (e.g. a variant's price). Enrichment
	// failures are logged and do not fail the webhook.
	Enrich func(ctx context.Context, event *entitlement.Event) error
}

// Validate checks that the configuration is valid.
func (c *WebhookConfig) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Processor == nil {
		return fmt.Errorf("processor is required")
	}
	return nil
}

// webhookHandler is the single webhook pipeline: raw body -> signature
// verification -> normalization -> processor. Provider-specific code never
// touches HTTP beyond its signature header.
type webhookHandler struct {
	provider  Provider
	processor *entitlement.Processor
	logger    entitlement.Logger
	metrics   Metrics
	maxBody   int64
	enrich    func(ctx context.Context, event *entitlement.Event) error
}

// NewWebhookHandler builds the HTTP handler for one provider's webhook
// endpoint.
func NewWebhookHandler(config WebhookConfig) (http.Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &webhookHandler{
		provider:  config.Provider,
		processor: config.Processor,
		logger:    logger,
		metrics:   metrics,
		maxBody:   maxBody,
		enrich:    config.Enrich,
	}, nil
}

type ackBody struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	name := h.provider.Name()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(name, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			h.metrics.RecordWebhookError(name, "invalid_payload")
		}
		return
	}

	// Signature first, on the exact transport bytes. No processing and no
	// ledger writes happen for a forged body.
	if err := h.provider.VerifySignature(r.Header, body); err != nil {
		h.logger.Warn("webhook signature rejected",
			entitlement.Field{Key: "provider", Value: name})
		http.Error(w, "invalid signature", http.StatusBadRequest)
		h.metrics.RecordWebhookError(name, "auth_failed")
		return
	}

	event, err := h.provider.ParseEvent(body)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingCorrelation):
			h.logger.Error("webhook missing user correlation",
				entitlement.Field{Key: "provider", Value: name},
				entitlement.Field{Key: "error", Value: err.Error()})
			http.Error(w, "missing user correlation", http.StatusBadRequest)
			h.metrics.RecordWebhookError(name, "missing_correlation")
		default:
			h.logger.Error("webhook payload malformed",
				entitlement.Field{Key: "provider", Value: name},
				entitlement.Field{Key: "error", Value: err.Error()})
			http.Error(w, "malformed payload", http.StatusBadRequest)
			h.metrics.RecordWebhookError(name, "invalid_payload")
		}
		return
	}

	eventType := event.Type
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if h.enrich != nil && event.Class != entitlement.ClassUnhandled {
		if err := h.enrich(r.Context(), event); err != nil {
			h.logger.Warn("event enrichment failed",
				entitlement.Field{Key: "provider", Value: name},
				entitlement.Field{Key: "event_type", Value: eventType},
				entitlement.Field{Key: "error", Value: err.Error()})
		}
	}

	result, err := h.processor.Process(r.Context(), event)
	if err != nil {
		// Transient failure: never acknowledge success, the provider will
		// retry the whole delivery and the ledger makes the retry harmless.
		h.logger.Error("webhook processing failed",
			entitlement.Field{Key: "provider", Value: name},
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()})
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		h.metrics.RecordWebhookEvent(name, eventType, "error")
		h.metrics.RecordWebhookError(name, "processing_error")
		h.metrics.RecordWebhookProcessingDuration(name, eventType, time.Since(startTime))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, ackBody{Received: true, Status: string(result)})
	h.metrics.RecordWebhookEvent(name, eventType, string(result))
	h.metrics.RecordWebhookProcessingDuration(name, eventType, time.Since(startTime))
}
