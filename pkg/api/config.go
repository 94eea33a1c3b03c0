// Package api exposes the HTTP surface of the billing service: webhook
// mounts, the checkout and verification flow, and read endpoints for
// entitlements, transactions and subscriptions.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/LeonKindaTired/cvally/pkg/billing"
	"github.com/LeonKindaTired/cvally/pkg/billing/lemonsqueezy"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

const (
	defaultWebhookRateLimit  = 100
	defaultWebhookRateWindow = time.Minute
	maxUserIDLen             = 255
)

// ProductCatalog lists purchasable products and creates checkout and portal
// sessions. Implemented by the Lemon Squeezy provider.
type ProductCatalog interface {
	ListSubscriptionProducts(ctx context.Context) ([]lemonsqueezy.Product, error)
	CreateCheckout(ctx context.Context, params lemonsqueezy.CheckoutParams) (string, error)
	CustomerPortalURL(ctx context.Context, customerID string) (string, error)
}

// SubscriptionManager proxies subscription reads and cancellations to the
// provider. Implemented by the Paddle provider.
type SubscriptionManager interface {
	GetSubscription(ctx context.Context, id string) (json.RawMessage, error)
	CancelSubscription(ctx context.Context, id string, immediately bool) (json.RawMessage, error)
}

// Config configures the HTTP handler.
type Config struct {
	// Store backs the read endpoints and pending-transaction creation
	// (required).
	Store entitlement.Store

	// Processor applies manual upgrades (required).
	Processor *entitlement.Processor

	// Verifier drives client purchase verification. Optional; without it the
	// verify endpoint responds 503.
	Verifier *entitlement.Verifier

	// Webhooks maps a provider name to its webhook handler, mounted at
	// POST /webhooks/{name}.
	Webhooks map[string]http.Handler

	// Catalog serves the products, checkout and portal endpoints. Optional.
	Catalog ProductCatalog

	// Subscriptions serves the subscription proxy endpoints. Optional.
	Subscriptions SubscriptionManager

	// Logger is used for structured logging. Defaults to NoopLogger.
	Logger entitlement.Logger

	// Metrics tracks verification outcomes and manual role changes.
	// Defaults to NoopMetrics.
	Metrics billing.Metrics

	// WebhookRateLimit is the per-IP request budget for webhook mounts.
	// Defaults to 100 per minute.
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Processor == nil {
		return fmt.Errorf("processor is required")
	}
	return nil
}
