// Package lemonsqueezy implements the billing.Provider interface for
// Lemon Squeezy. Webhooks are authenticated with a raw HMAC-SHA256 hex
// signature over the unparsed body (X-Signature header).
package lemonsqueezy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/LeonKindaTired/cvally/pkg/billing"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

const (
	providerName       = "lemonsqueezy"
	apiBaseURL         = "https://api.lemonsqueezy.com/v1"
	signatureHeader    = "X-Signature"
	defaultHTTPTimeout = 10 * time.Second
)

// Config holds Lemon Squeezy provider configuration.
type Config struct {
	// WebhookSecret signs inbound webhooks (required).
	WebhookSecret string

	// APIKey authenticates outbound API calls (required for checkout,
	// product and variant operations; webhooks work without it).
	APIKey string

	// StoreID scopes product listing and checkout creation.
	StoreID string

	// AppURL is where checkout redirects back to after payment.
	AppURL string

	// HTTPClient is an optional client for API calls. Defaults to a client
	// with a 10s timeout; a stuck provider call must not hang the handler.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to NoopLogger.
	Logger entitlement.Logger

	// Metrics tracks outbound API calls. Defaults to NoopMetrics.
	Metrics billing.Metrics
}

// Provider implements billing.Provider for Lemon Squeezy.
type Provider struct {
	secret     []byte
	apiKey     string
	storeID    string
	appURL     string
	httpClient *http.Client
	logger     entitlement.Logger
	metrics    billing.Metrics
}

// NewProvider creates a new Lemon Squeezy billing provider.
func NewProvider(config Config) (*Provider, error) {
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		secret:     []byte(secret),
		apiKey:     strings.TrimSpace(config.APIKey),
		storeID:    strings.TrimSpace(config.StoreID),
		appURL:     strings.TrimSpace(config.AppURL),
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// VerifySignature checks the X-Signature header: hex(HMAC-SHA256(secret,
// rawBody)), compared in constant time.
func (p *Provider) VerifySignature(header http.Header, body []byte) error {
	sig := strings.TrimSpace(header.Get(signatureHeader))
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", billing.ErrInvalidSignature, signatureHeader)
	}

	expected, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", billing.ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	if !hmac.Equal(expected, mac.Sum(nil)) {
		return billing.ErrInvalidSignature
	}
	return nil
}
