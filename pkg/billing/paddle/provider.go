// Package paddle implements the billing.Provider interface for Paddle.
// Webhooks are authenticated with a timestamped HMAC (Paddle-Signature
// header, "ts=...;h1=..."): the signed message is "{ts}:{rawBody}" and
// timestamps outside the replay window are rejected even with a correct
// digest.
package paddle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeonKindaTired/cvally/pkg/billing"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

const (
	providerName       = "paddle"
	productionBaseURL  = "https://api.paddle.com"
	sandboxBaseURL     = "https://sandbox-api.paddle.com"
	signatureHeader    = "Paddle-Signature"
	defaultHTTPTimeout = 10 * time.Second

	// defaultReplayWindow bounds how old a signed timestamp may be. Observed
	// provider guidance is 5 minutes; tunable, not a contract.
	defaultReplayWindow = 5 * time.Minute
)

// Config holds Paddle provider configuration.
type Config struct {
	// WebhookSecret signs inbound webhooks (required).
	WebhookSecret string

	// APIKey authenticates outbound API calls (transaction fetch,
	// subscription fetch/cancel).
	APIKey string

	// Sandbox selects the sandbox API host.
	Sandbox bool

	// ReplayWindow overrides the signature timestamp tolerance.
	// Defaults to 5 minutes.
	ReplayWindow time.Duration

	// HTTPClient is an optional client for API calls. Defaults to a client
	// with a 10s timeout.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to NoopLogger.
	Logger entitlement.Logger

	// Metrics tracks outbound API calls. Defaults to NoopMetrics.
	Metrics billing.Metrics
}

// Provider implements billing.Provider for Paddle.
type Provider struct {
	secret       []byte
	apiKey       string
	baseURL      string
	replayWindow time.Duration
	httpClient   *http.Client
	logger       entitlement.Logger
	metrics      billing.Metrics
	now          func() time.Time
}

// NewProvider creates a new Paddle billing provider.
func NewProvider(config Config) (*Provider, error) {
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	baseURL := productionBaseURL
	if config.Sandbox {
		baseURL = sandboxBaseURL
	}
	replayWindow := config.ReplayWindow
	if replayWindow <= 0 {
		replayWindow = defaultReplayWindow
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
		secret:       []byte(secret),
		apiKey:       strings.TrimSpace(config.APIKey),
		baseURL:      baseURL,
		replayWindow: replayWindow,
		httpClient:   httpClient,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// VerifySignature checks the Paddle-Signature header. The header encodes
// key=value pairs separated by ';'; "ts" is the signing unix timestamp and
// "h1" the hex HMAC-SHA256 of "{ts}:{rawBody}".
func (p *Provider) VerifySignature(header http.Header, body []byte) error {
	raw := strings.TrimSpace(header.Get(signatureHeader))
	if raw == "" {
		return fmt.Errorf("%w: missing %s header", billing.ErrInvalidSignature, signatureHeader)
	}

	ts, h1, err := parseSignatureHeader(raw)
	if err != nil {
		return err
	}

	signedAt := time.Unix(ts, 0)
	if age := p.now().Sub(signedAt); age > p.replayWindow || age < -p.replayWindow {
		return fmt.Errorf("%w: timestamp outside replay window", billing.ErrInvalidSignature)
	}

	expected, err := hex.DecodeString(h1)
	if err != nil {
		return fmt.Errorf("%w: h1 is not hex", billing.ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, p.secret)
	fmt.Fprintf(mac, "%d:", ts)
	mac.Write(body)
	if !hmac.Equal(expected, mac.Sum(nil)) {
		return billing.ErrInvalidSignature
	}
	return nil
}

func parseSignatureHeader(raw string) (ts int64, h1 string, err error) {
	for _, part := range strings.Split(raw, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "ts":
			ts, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: unparseable ts", billing.ErrInvalidSignature)
			}
		case "h1":
			h1 = value
		}
	}
	if ts == 0 || h1 == "" {
		return 0, "", fmt.Errorf("%w: header missing ts or h1", billing.ErrInvalidSignature)
	}
	return ts, h1, nil
}
