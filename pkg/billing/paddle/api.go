package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeonKindaTired/cvally/pkg/billing"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

// errAPINotFound marks a 404 from the provider; callers translate it to
// the matching domain error.
var errAPINotFound = fmt.Errorf("%w: not found", billing.ErrProviderAPI)

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiRequest performs one authenticated Paddle API call and decodes the
// response data into out.
func (p *Provider) apiRequest(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	if p.apiKey == "" {
		return fmt.Errorf("%w: API key not set", billing.ErrProviderNotConfigured)
	}

	var reqBody io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startTime := time.Now()
	res, err := p.httpClient.Do(req)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return fmt.Errorf("%w: %v", billing.ErrProviderAPI, err)
	}
	defer res.Body.Close()

	p.metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(res.StatusCode))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		return errAPINotFound
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", billing.ErrProviderAPI, res.StatusCode, truncate(body, 512))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// transactionData is the API shape of a transaction resource.
type transactionData struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	CustomData     struct {
		UserID        string `json:"user_id"`
		TransactionID string `json:"transaction_id"`
	} `json:"custom_data"`
	Details *struct {
		Totals struct {
			Total        string `json:"total"`
			CurrencyCode string `json:"currency_code"`
		} `json:"totals"`
	} `json:"details"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FetchTransaction fetches a transaction's current state. Implements
// entitlement.TransactionFetcher for client-side purchase verification.
func (p *Provider) FetchTransaction(ctx context.Context, transactionID string) (*entitlement.Transaction, error) {
	var env apiEnvelope
	if err := p.apiRequest(ctx, http.MethodGet, "/transactions/"+transactionID, nil, &env); err != nil {
		if errors.Is(err, errAPINotFound) {
			return nil, entitlement.ErrTransactionNotFound
		}
		return nil, err
	}
	var data transactionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("parse transaction: %w", err)
	}

	id := strings.TrimSpace(data.CustomData.TransactionID)
	if id == "" {
		id = data.ID
	}
	txn := &entitlement.Transaction{
		ID:             id,
		UserID:         strings.TrimSpace(data.CustomData.UserID),
		CustomerID:     data.CustomerID,
		SubscriptionID: data.SubscriptionID,
		Status:         mapTransactionStatus("", data.Status),
		CreatedAt:      data.CreatedAt,
		UpdatedAt:      data.UpdatedAt,
	}
	txn.Refunded = txn.Status == entitlement.TransactionRefunded
	if data.Details != nil {
		txn.Total = parseAmount(data.Details.Totals.Total)
		txn.Currency = data.Details.Totals.CurrencyCode
	}
	return txn, nil
}

// GetSubscription fetches a subscription's raw resource for the management
// surface. Returned as-is so the frontend sees Paddle's own shape.
func (p *Provider) GetSubscription(ctx context.Context, subscriptionID string) (json.RawMessage, error) {
	var env apiEnvelope
	if err := p.apiRequest(ctx, http.MethodGet, "/subscriptions/"+subscriptionID, nil, &env); err != nil {
		if errors.Is(err, errAPINotFound) {
			return nil, entitlement.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return env.Data, nil
}

// CancelSubscription schedules a cancellation. With immediately=false the
// subscription stays active until the end of the current billing period and
// the resulting webhook flips the role then.
func (p *Provider) CancelSubscription(ctx context.Context, subscriptionID string, immediately bool) (json.RawMessage, error) {
	effectiveFrom := "next_billing_period"
	if immediately {
		effectiveFrom = "immediately"
	}
	payload := map[string]string{"effective_from": effectiveFrom}

	var env apiEnvelope
	if err := p.apiRequest(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/cancel", payload, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
