package lemonsqueezy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeonKindaTired/cvally/pkg/billing"
)

// Variant is a purchasable product variant.
type Variant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

// Product is a storefront product with its first variant resolved.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	VariantID   string `json:"variant_id"`
	TestMode    bool   `json:"test_mode"`
}

// CheckoutParams describe a checkout session to create. UserID travels in
// checkout custom data and comes back on every webhook as the correlation
// channel.
type CheckoutParams struct {
	VariantID string
	UserID    string
	Email     string
}

type jsonAPIEnvelope struct {
	Data []jsonAPIResource `json:"data"`
}

type jsonAPISingle struct {
	Data jsonAPIResource `json:"data"`
}

type jsonAPIResource struct {
	ID         string          `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

// apiRequest performs one authenticated JSON:API call and decodes the
// response into out.
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

	req, err := http.NewRequestWithContext(ctx, method, apiBaseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/vnd.api+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/vnd.api+json")
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

// GetVariant fetches a variant's name and price.
func (p *Provider) GetVariant(ctx context.Context, variantID string) (*Variant, error) {
	var res jsonAPISingle
	if err := p.apiRequest(ctx, http.MethodGet, "/variants/"+variantID, nil, &res); err != nil {
		return nil, err
	}
	var attrs struct {
		Name  string `json:"name"`
		Price int64  `json:"price"`
	}
	if err := json.Unmarshal(res.Data.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("parse variant: %w", err)
	}
	return &Variant{ID: res.Data.ID, Name: attrs.Name, Price: attrs.Price}, nil
}

// ListSubscriptionProducts lists the store's subscription products with their
// first variant resolved, ready for the pricing page.
func (p *Provider) ListSubscriptionProducts(ctx context.Context) ([]Product, error) {
	endpoint := "/products"
	if p.storeID != "" {
		endpoint += "?filter[store_id]=" + p.storeID
	}
	var res jsonAPIEnvelope
	if err := p.apiRequest(ctx, http.MethodGet, endpoint, nil, &res); err != nil {
		return nil, err
	}

	products := make([]Product, 0, len(res.Data))
	for _, item := range res.Data {
		var attrs struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Price       int64  `json:"price"`
			TestMode    bool   `json:"test_mode"`
		}
		if err := json.Unmarshal(item.Attributes, &attrs); err != nil {
			continue
		}
		if !strings.Contains(strings.ToLower(attrs.Name), "subscription") {
			continue
		}

		product := Product{
			ID:          item.ID,
			Name:        attrs.Name,
			Description: attrs.Description,
			Price:       attrs.Price,
			TestMode:    attrs.TestMode,
		}

		var variants jsonAPIEnvelope
		if err := p.apiRequest(ctx, http.MethodGet, "/products/"+item.ID+"/variants", nil, &variants); err == nil && len(variants.Data) > 0 {
			product.VariantID = variants.Data[0].ID
		}
		products = append(products, product)
	}
	return products, nil
}

// CreateCheckout creates a hosted checkout session and returns its URL.
func (p *Provider) CreateCheckout(ctx context.Context, params CheckoutParams) (string, error) {
	if params.VariantID == "" || params.UserID == "" {
		return "", fmt.Errorf("variant id and user id are required")
	}
	if p.storeID == "" {
		return "", fmt.Errorf("%w: store id not set", billing.ErrProviderNotConfigured)
	}

	redirectURL := p.appURL
	if redirectURL == "" {
		redirectURL = "http://localhost:5173/"
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "checkouts",
			"attributes": map[string]interface{}{
				"checkout_data": map[string]interface{}{
					"email": params.Email,
					"custom": map[string]string{
						"user_id": params.UserID,
					},
				},
				"product_options": map[string]interface{}{
					"redirect_url": redirectURL,
				},
			},
			"relationships": map[string]interface{}{
				"store": map[string]interface{}{
					"data": map[string]string{"type": "stores", "id": p.storeID},
				},
				"variant": map[string]interface{}{
					"data": map[string]string{"type": "variants", "id": params.VariantID},
				},
			},
		},
	}

	var res jsonAPISingle
	if err := p.apiRequest(ctx, http.MethodPost, "/checkouts", payload, &res); err != nil {
		return "", err
	}
	var attrs struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(res.Data.Attributes, &attrs); err != nil || attrs.URL == "" {
		return "", fmt.Errorf("checkout response missing url")
	}
	return attrs.URL, nil
}

// CustomerPortalURL returns the customer's self-service portal URL.
func (p *Provider) CustomerPortalURL(ctx context.Context, customerID string) (string, error) {
	var res jsonAPISingle
	if err := p.apiRequest(ctx, http.MethodGet, "/customers/"+customerID, nil, &res); err != nil {
		return "", err
	}
	var attrs struct {
		URLs struct {
			CustomerPortal string `json:"customer_portal"`
		} `json:"urls"`
	}
	if err := json.Unmarshal(res.Data.Attributes, &attrs); err != nil || attrs.URLs.CustomerPortal == "" {
		return "", fmt.Errorf("customer response missing portal url")
	}
	return attrs.URLs.CustomerPortal, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
