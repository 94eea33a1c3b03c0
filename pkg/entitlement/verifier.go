package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrVerificationExhausted is returned when the transaction never reached
	// a terminal state within the configured attempts. The caller shows a
	// "contact support" state with the transaction and user ids.
	ErrVerificationExhausted = errors.New("purchase verification attempts exhausted")

	// ErrVerificationFailed is returned when the provider reports the
	// transaction as failed.
	ErrVerificationFailed = errors.New("purchase failed")
)

// TransactionFetcher fetches the authoritative transaction status from the
// billing provider's API. Implemented by the provider clients.
type TransactionFetcher interface {
	FetchTransaction(ctx context.Context, id string) (*Transaction, error)
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Fetcher retrieves transaction status from the provider (required).
	Fetcher TransactionFetcher

	// Processor applies the resulting transition (required).
	Processor *Processor

	// Source labels events produced by this path. Defaults to
	// "client-verification".
	Source string

	// PollInterval is the delay between attempts. Defaults to 3s.
	PollInterval time.Duration

	// MaxAttempts bounds polling. Defaults to 10.
	MaxAttempts int

	// Logger is used for structured logging. Defaults to NoopLogger.
	Logger Logger
}

// Validate checks that the configuration is valid.
func (c *VerifierConfig) Validate() error {
	if c.Fetcher == nil {
		return fmt.Errorf("fetcher is required")
	}
	if c.Processor == nil {
		return fmt.Errorf("processor is required")
	}
	return nil
}

// Verifier is the client-initiated purchase verification path. After the
// checkout redirect the browser asks the backend to confirm the purchase;
// the verifier polls the provider API for the transaction and, on completion,
// applies the upgrade through the same processor the webhook path uses, so
// racing the webhook converges on one consistent record.
type Verifier struct {
	fetcher   TransactionFetcher
	processor *Processor
	source    string
	interval  time.Duration
	attempts  int
	logger    Logger
}

// NewVerifier creates a Verifier from the given configuration.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	source := config.Source
	if source == "" {
		source = "client-verification"
	}
	interval := config.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 10
	}
	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Verifier{
		fetcher:   config.Fetcher,
		processor: config.Processor,
		source:    source,
		interval:  interval,
		attempts:  attempts,
		logger:    logger,
	}, nil
}

// Verify polls the provider for the transaction until it reaches a terminal
// state or attempts run out. Cancelling the context stops future attempts;
// an apply already in flight runs to completion.
//
// The verifier never decides entitlement transitions itself: on a completed
// transaction it builds the normalized completed event and delegates to the
// processor.
func (v *Verifier) Verify(ctx context.Context, transactionID, userID string) (Result, error) {
	if transactionID == "" || userID == "" {
		return "", fmt.Errorf("transaction id and user id are required")
	}

	var lastErr error
	for attempt := 1; attempt <= v.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(v.interval):
			}
		}

		txn, err := v.fetcher.FetchTransaction(ctx, transactionID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			v.logger.Warn("verification fetch failed",
				Field{Key: "transaction_id", Value: transactionID},
				Field{Key: "attempt", Value: attempt},
				Field{Key: "error", Value: err.Error()})
			continue
		}

		switch txn.Status {
		case TransactionCompleted:
			return v.applyCompleted(ctx, txn, userID)
		case TransactionFailed:
			v.logger.Info("purchase reported failed",
				Field{Key: "transaction_id", Value: transactionID},
				Field{Key: "user_id", Value: userID})
			return "", ErrVerificationFailed
		default:
			// Still pending; keep polling.
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", ErrVerificationExhausted, lastErr)
	}
	return "", ErrVerificationExhausted
}

func (v *Verifier) applyCompleted(ctx context.Context, txn *Transaction, userID string) (Result, error) {
	if txn.UserID == "" {
		txn.UserID = userID
	}
	txn.Status = TransactionCompleted

	occurredAt := txn.UpdatedAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := &Event{
		Provider:    v.source,
		Type:        "transaction.completed",
		Class:       ClassTransaction,
		UserID:      userID,
		OccurredAt:  occurredAt,
		Transaction: txn,
	}

	result, err := v.processor.Process(ctx, event)
	if err != nil {
		return "", fmt.Errorf("apply verified purchase: %w", err)
	}
	return result, nil
}
