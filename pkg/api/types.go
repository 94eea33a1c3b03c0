package api

import (
	"time"

	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

// CreateTransactionRequest records a pending transaction at checkout
// initiation, before any provider callback.
type CreateTransactionRequest struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	ProductID     string `json:"product_id,omitempty"`
	VariantID     string `json:"variant_id,omitempty"`
	Total         int64  `json:"total,omitempty"`
	Currency      string `json:"currency,omitempty"`
}

// UpgradeUserRequest grants premium manually (admin/support path).
type UpgradeUserRequest struct {
	UserID string `json:"user_id"`
}

// VerifyPurchaseRequest asks the backend to confirm a purchase after the
// checkout redirect.
type VerifyPurchaseRequest struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
}

// VerifyPurchaseResponse reports the verification result.
type VerifyPurchaseResponse struct {
	Verified bool   `json:"verified"`
	Status   string `json:"status"`
}

// CheckoutRequest creates a hosted checkout session.
type CheckoutRequest struct {
	VariantID string `json:"variant_id"`
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
}

// CheckoutResponse carries the hosted checkout URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// PortalResponse carries the customer self-service portal URL.
type PortalResponse struct {
	URL string `json:"url"`
}

// CancelSubscriptionRequest controls cancellation timing. The default keeps
// access until the end of the paid period.
type CancelSubscriptionRequest struct {
	Immediately bool `json:"immediately,omitempty"`
}

// EntitlementResponse is the reconciled access state for one user. IsPremium
// is derived at response time from the role and expiry.
type EntitlementResponse struct {
	UserID           string     `json:"user_id"`
	Role             string     `json:"role"`
	IsPremium        bool       `json:"is_premium"`
	PremiumExpiresAt *time.Time `json:"premium_expires_at,omitempty"`
	SubscriptionID   string     `json:"subscription_id,omitempty"`
	ReconciledAt     *time.Time `json:"reconciled_at,omitempty"`
}

func newEntitlementResponse(userID string, ent *entitlement.Entitlement, now time.Time) EntitlementResponse {
	if ent == nil {
		// Unknown users are plain free-tier users, not 404s.
		return EntitlementResponse{UserID: userID, Role: string(entitlement.RoleUser)}
	}
	res := EntitlementResponse{
		UserID:           ent.UserID,
		Role:             string(ent.Role),
		IsPremium:        ent.IsPremium(now),
		PremiumExpiresAt: ent.PremiumExpiresAt,
		SubscriptionID:   ent.SubscriptionID,
	}
	if !ent.ReconciledAt.IsZero() {
		reconciledAt := ent.ReconciledAt
		res.ReconciledAt = &reconciledAt
	}
	return res
}
