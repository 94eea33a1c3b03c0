package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Result classifies how an event was handled. Everything except a processing
// error is acknowledged with success to the provider: duplicates, stale and
// unhandled events are expected and must be cheap and harmless.
type Result string

const (
	ResultApplied    Result = "applied"
	ResultDuplicate  Result = "duplicate"
	ResultStale      Result = "stale"
	ResultIgnored    Result = "ignored"
	ResultRegression Result = "regression"
)

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// Store is the durable backing store (required).
	Store Store

	// Reconciler decides transitions. Defaults to NewReconciler().
	Reconciler *Reconciler

	// Logger is used for structured logging. Defaults to NoopLogger.
	Logger Logger
}

// Validate checks that the configuration is valid.
func (c *ProcessorConfig) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	return nil
}

// Processor runs a normalized event through the ledger, the reconciler and
// the store's atomic apply. Both webhook deliveries and the client
// verification path go through here, so the business rules are defined once.
type Processor struct {
	store      Store
	reconciler *Reconciler
	logger     Logger
	now        func() time.Time
}

// NewProcessor creates a Processor from the given configuration.
func NewProcessor(config ProcessorConfig) (*Processor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	rec := config.Reconciler
	if rec == nil {
		rec = NewReconciler()
	}
	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Processor{
		store:      config.Store,
		reconciler: rec,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Process applies one normalized event. The ledger pre-check here only
// short-circuits obvious duplicates; the store re-checks the reservation
// inside its own transaction, so concurrent deliveries of the same key are
// safe regardless.
func (p *Processor) Process(ctx context.Context, event *Event) (Result, error) {
	if event == nil {
		return "", fmt.Errorf("nil event")
	}

	if event.Class == ClassUnhandled {
		p.logger.Debug("ignoring unhandled event",
			Field{Key: "provider", Value: event.Provider},
			Field{Key: "event_type", Value: event.Type})
		return ResultIgnored, nil
	}

	if event.UserID == "" {
		return "", fmt.Errorf("event %q has no user correlation", event.Type)
	}

	if key := event.LedgerKey(); key != "" {
		last, err := p.store.LedgerStatus(ctx, key)
		if err != nil {
			return "", fmt.Errorf("ledger lookup: %w", err)
		}
		if last != "" && last == event.LedgerStatus() {
			p.logger.Info("duplicate event, already applied",
				Field{Key: "provider", Value: event.Provider},
				Field{Key: "event_type", Value: event.Type},
				Field{Key: "ledger_key", Value: key})
			return ResultDuplicate, nil
		}
	}

	current, err := p.store.GetEntitlement(ctx, event.UserID)
	if err != nil && !errors.Is(err, ErrEntitlementNotFound) {
		return "", fmt.Errorf("entitlement lookup: %w", err)
	}

	decision, err := p.reconciler.Decide(event, current)
	if err != nil {
		return "", fmt.Errorf("reconcile: %w", err)
	}

	switch decision.Code {
	case DecisionStale:
		p.logger.Debug("stale event, no-op",
			Field{Key: "provider", Value: event.Provider},
			Field{Key: "event_type", Value: event.Type},
			Field{Key: "event_time", Value: event.OccurredAt})
		return ResultStale, nil
	case DecisionIgnore:
		p.logger.Debug("event ignored",
			Field{Key: "provider", Value: event.Provider},
			Field{Key: "event_type", Value: event.Type},
			Field{Key: "reason", Value: decision.Reason})
		return ResultIgnored, nil
	}

	outcome, err := p.store.Apply(ctx, decision.Mutation)
	if err != nil {
		return "", fmt.Errorf("apply effects: %w", err)
	}

	switch outcome {
	case OutcomeDuplicate:
		return ResultDuplicate, nil
	case OutcomeRegression:
		p.logger.Warn("status regression ignored",
			Field{Key: "provider", Value: event.Provider},
			Field{Key: "ledger_key", Value: event.LedgerKey()},
			Field{Key: "incoming_status", Value: event.LedgerStatus()})
		return ResultRegression, nil
	case OutcomeStale:
		return ResultStale, nil
	default:
		p.logger.Info("event applied",
			Field{Key: "provider", Value: event.Provider},
			Field{Key: "event_type", Value: event.Type},
			Field{Key: "user_id", Value: event.UserID})
		return ResultApplied, nil
	}
}

// UpgradeUser is the manual, idempotent "set role to premium" write used by
// the admin endpoint. It routes through the same executor as webhooks; there
// is no second write path to the entitlement record.
func (p *Processor) UpgradeUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	current, err := p.store.GetEntitlement(ctx, userID)
	if err != nil && !errors.Is(err, ErrEntitlementNotFound) {
		return fmt.Errorf("entitlement lookup: %w", err)
	}

	next := &Entitlement{
		UserID:       userID,
		Role:         RolePremium,
		ReconciledAt: p.now(),
	}
	if current != nil {
		next.SubscriptionID = current.SubscriptionID
	}

	_, err = p.store.Apply(ctx, &Mutation{
		EventTime: next.ReconciledAt,
		Force:     true,
		Effects:   []Effect{{Kind: EffectSetEntitlement, Entitlement: next}},
	})
	if err != nil {
		return fmt.Errorf("apply upgrade: %w", err)
	}

	p.logger.Info("user upgraded to premium", Field{Key: "user_id", Value: userID})
	return nil
}
