package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/LeonKindaTired/cvally/pkg/billing"
	"github.com/LeonKindaTired/cvally/pkg/billing/lemonsqueezy"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

// Handler provides the HTTP endpoints of the billing service.
type Handler struct {
	config  Config
	logger  entitlement.Logger
	metrics billing.Metrics
}

// NewHandler creates a Handler from the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	if config.WebhookRateLimit <= 0 {
		config.WebhookRateLimit = defaultWebhookRateLimit
	}
	if config.WebhookRateWindow <= 0 {
		config.WebhookRateWindow = defaultWebhookRateWindow
	}
	return &Handler{config: config, logger: logger, metrics: metrics}, nil
}

// Router builds the chi router with all routes mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.Healthz)

	if len(h.config.Webhooks) > 0 {
		r.Route("/webhooks", func(r chi.Router) {
			r.Use(billing.RateLimit(h.config.WebhookRateLimit, h.config.WebhookRateWindow))
			for name, handler := range h.config.Webhooks {
				r.Method(http.MethodPost, "/"+name, handler)
			}
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/transactions", h.CreateTransaction)
		r.Get("/transactions/{id}", h.GetTransaction)
		r.Post("/upgrade-user", h.UpgradeUser)
		r.Post("/verify-purchase", h.VerifyPurchase)
		r.Get("/entitlements/{userID}", h.GetEntitlement)
		r.Get("/subscriptions/{id}", h.GetSubscription)
		r.Post("/subscriptions/{id}/cancel", h.CancelSubscription)
		r.Get("/products", h.ListProducts)
		r.Post("/checkout", h.CreateCheckout)
		r.Get("/portal/{userID}", h.GetPortal)
	})

	return r
}

// Healthz reports liveness, pinging the store when it supports it.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := h.config.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.handleError(w, r, fmt.Errorf("store unavailable: %w", err), http.StatusServiceUnavailable)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateTransaction records a pending transaction at checkout initiation.
// Safe to retry: re-posting an existing ID is a no-op.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TransactionID == "" || req.UserID == "" {
		h.handleError(w, r, fmt.Errorf("transaction_id and user_id are required"), http.StatusBadRequest)
		return
	}
	if len(req.UserID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	txn := &entitlement.Transaction{
		ID:        req.TransactionID,
		UserID:    req.UserID,
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Status:    entitlement.TransactionPending,
		Total:     req.Total,
		Currency:  req.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.config.Store.CreateTransaction(r.Context(), txn); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to create transaction: %w", err), http.StatusInternalServerError)
		return
	}

	// Return the stored row: on a retried create this is the original
	// transaction, possibly already advanced by a webhook.
	stored, err := h.config.Store.GetTransaction(r.Context(), req.TransactionID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to load transaction: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusCreated, stored)
}

// GetTransaction returns one transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	txn, err := h.config.Store.GetTransaction(r.Context(), id)
	if errors.Is(err, entitlement.ErrTransactionNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get transaction: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

// UpgradeUser grants premium manually. Idempotent.
func (h *Handler) UpgradeUser(w http.ResponseWriter, r *http.Request) {
	var req UpgradeUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || len(req.UserID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	fromRole := string(entitlement.RoleUser)
	if current, err := h.config.Store.GetEntitlement(r.Context(), req.UserID); err == nil {
		fromRole = string(current.Role)
	}

	if err := h.config.Processor.UpgradeUser(r.Context(), req.UserID); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to upgrade user: %w", err), http.StatusInternalServerError)
		return
	}
	if fromRole != string(entitlement.RolePremium) {
		h.metrics.RecordRoleChange("manual", fromRole, string(entitlement.RolePremium))
	}

	ent, err := h.config.Store.GetEntitlement(r.Context(), req.UserID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to load entitlement: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, newEntitlementResponse(req.UserID, ent, time.Now().UTC()))
}

// VerifyPurchase polls the provider for the transaction after the checkout
// redirect. The request blocks until the purchase settles or attempts run
// out, mirroring the client's "finalizing your purchase" screen.
func (h *Handler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	if h.config.Verifier == nil {
		h.handleError(w, r, fmt.Errorf("purchase verification is not configured"), http.StatusServiceUnavailable)
		return
	}

	var req VerifyPurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TransactionID == "" || req.UserID == "" {
		h.handleError(w, r, fmt.Errorf("transaction_id and user_id are required"), http.StatusBadRequest)
		return
	}

	result, err := h.config.Verifier.Verify(r.Context(), req.TransactionID, req.UserID)
	switch {
	case err == nil:
		h.metrics.RecordVerification("client-verification", "success")
		h.writeJSON(w, http.StatusOK, VerifyPurchaseResponse{Verified: true, Status: string(result)})
	case errors.Is(err, entitlement.ErrVerificationFailed):
		h.metrics.RecordVerification("client-verification", "failed")
		h.writeJSON(w, http.StatusOK, VerifyPurchaseResponse{Verified: false, Status: "failed"})
	case errors.Is(err, entitlement.ErrVerificationExhausted):
		// Not a failure: the webhook may still land. The client shows a
		// pending state and the user keeps their transaction id.
		h.metrics.RecordVerification("client-verification", "exhausted")
		h.writeJSON(w, http.StatusAccepted, VerifyPurchaseResponse{Verified: false, Status: "pending"})
	default:
		h.metrics.RecordVerification("client-verification", "error")
		h.handleError(w, r, fmt.Errorf("failed to verify purchase: %w", err), http.StatusInternalServerError)
	}
}

// GetEntitlement returns the reconciled access state for a user. Unknown
// users are reported as free-tier, not as errors.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	ent, err := h.config.Store.GetEntitlement(r.Context(), userID)
	if err != nil && !errors.Is(err, entitlement.ErrEntitlementNotFound) {
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, newEntitlementResponse(userID, ent, time.Now().UTC()))
}

// GetSubscription proxies the provider's view of one subscription.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if h.config.Subscriptions == nil {
		h.handleError(w, r, fmt.Errorf("subscription management is not configured"), http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")

	raw, err := h.config.Subscriptions.GetSubscription(r.Context(), id)
	if errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, json.RawMessage(raw))
}

// CancelSubscription asks the provider to cancel. The entitlement itself only
// changes when the provider's cancellation webhook arrives; this endpoint
// never writes the role directly.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if h.config.Subscriptions == nil {
		h.handleError(w, r, fmt.Errorf("subscription management is not configured"), http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")

	var req CancelSubscriptionRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}

	raw, err := h.config.Subscriptions.CancelSubscription(r.Context(), id, req.Immediately)
	if errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to cancel subscription: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, json.RawMessage(raw))
}

// ListProducts returns the storefront's subscription products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	if h.config.Catalog == nil {
		h.handleError(w, r, fmt.Errorf("product catalog is not configured"), http.StatusServiceUnavailable)
		return
	}

	products, err := h.config.Catalog.ListSubscriptionProducts(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list products: %w", err), http.StatusBadGateway)
		return
	}
	h.writeJSON(w, http.StatusOK, products)
}

// CreateCheckout creates a hosted checkout session for a variant.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if h.config.Catalog == nil {
		h.handleError(w, r, fmt.Errorf("product catalog is not configured"), http.StatusServiceUnavailable)
		return
	}

	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.VariantID == "" || req.UserID == "" {
		h.handleError(w, r, fmt.Errorf("variant_id and user_id are required"), http.StatusBadRequest)
		return
	}

	url, err := h.config.Catalog.CreateCheckout(r.Context(), lemonsqueezy.CheckoutParams{
		VariantID: req.VariantID,
		UserID:    req.UserID,
		Email:     req.Email,
	})
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to create checkout: %w", err), http.StatusBadGateway)
		return
	}
	h.writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// GetPortal resolves the customer portal URL for a user via their
// subscription's customer record.
func (h *Handler) GetPortal(w http.ResponseWriter, r *http.Request) {
	if h.config.Catalog == nil {
		h.handleError(w, r, fmt.Errorf("product catalog is not configured"), http.StatusServiceUnavailable)
		return
	}
	userID := chi.URLParam(r, "userID")

	ent, err := h.config.Store.GetEntitlement(r.Context(), userID)
	if errors.Is(err, entitlement.ErrEntitlementNotFound) || (err == nil && ent.SubscriptionID == "") {
		h.handleError(w, r, fmt.Errorf("no subscription on file for user"), http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}

	sub, err := h.config.Store.GetSubscription(r.Context(), ent.SubscriptionID)
	if errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		h.handleError(w, r, fmt.Errorf("no subscription on file for user"), http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
		return
	}
	if sub.CustomerID == "" {
		h.handleError(w, r, fmt.Errorf("subscription has no customer record"), http.StatusNotFound)
		return
	}

	url, err := h.config.Catalog.CustomerPortalURL(r.Context(), sub.CustomerID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to resolve portal url: %w", err), http.StatusBadGateway)
		return
	}
	h.writeJSON(w, http.StatusOK, PortalResponse{URL: url})
}

// decode parses the JSON request body, responding with 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response already sent
		_ = err
	}
}

// handleError responds with a JSON error body.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			entitlement.Field{Key: "path", Value: r.URL.Path},
			entitlement.Field{Key: "error", Value: err.Error()})
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
