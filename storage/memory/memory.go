// Package memory provides an in-memory implementation of the
// entitlement.Store interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

// Storage implements entitlement.Store using in-memory maps.
type Storage struct {
	mu            sync.Mutex
	entitlements  map[string]*entitlement.Entitlement
	transactions  map[string]*entitlement.Transaction
	subscriptions map[string]*entitlement.Subscription
	ledger        map[string]*entitlement.LedgerEntry
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		entitlements:  make(map[string]*entitlement.Entitlement),
		transactions:  make(map[string]*entitlement.Transaction),
		subscriptions: make(map[string]*entitlement.Subscription),
		ledger:        make(map[string]*entitlement.LedgerEntry),
	}
}

// GetEntitlement implements entitlement.Store.
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, entitlement.ErrEntitlementNotFound
	}

	// Return a copy to prevent external mutations
	entCopy := *ent
	return &entCopy, nil
}

// GetTransaction implements entitlement.Store.
func (s *Storage) GetTransaction(ctx context.Context, id string) (*entitlement.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, entitlement.ErrTransactionNotFound
	}

	txnCopy := *txn
	return &txnCopy, nil
}

// CreateTransaction implements entitlement.Store. Re-inserting an existing ID
// is a no-op so checkout retries stay idempotent.
func (s *Storage) CreateTransaction(ctx context.Context, txn *entitlement.Transaction) error {
	if txn == nil || txn.ID == "" || txn.UserID == "" {
		return fmt.Errorf("invalid transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[txn.ID]; ok {
		return nil
	}

	txnCopy := *txn
	s.transactions[txn.ID] = &txnCopy
	return nil
}

// GetSubscription implements entitlement.Store.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*entitlement.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, entitlement.ErrSubscriptionNotFound
	}

	subCopy := *sub
	return &subCopy, nil
}

// LedgerStatus implements entitlement.Store.
func (s *Storage) LedgerStatus(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.ledger[key]
	if !ok {
		return "", nil
	}
	return entry.LastStatus, nil
}

// Apply implements entitlement.Store. The whole mutation runs under one lock,
// so concurrent deliveries of the same event serialize and converge.
func (s *Storage) Apply(ctx context.Context, m *entitlement.Mutation) (entitlement.Outcome, error) {
	if m == nil {
		return 0, entitlement.ErrInvalidMutation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.LedgerKey != "" {
		recorded := ""
		if entry, ok := s.ledger[m.LedgerKey]; ok {
			recorded = entry.LastStatus
		}
		switch outcome := entitlement.LedgerDecision(recorded, m.LedgerStatus); outcome {
		case entitlement.OutcomeDuplicate, entitlement.OutcomeRegression:
			return outcome, nil
		}
	}

	outcome := entitlement.OutcomeApplied
	for _, effect := range m.Effects {
		switch effect.Kind {
		case entitlement.EffectUpsertTransaction:
			if effect.Transaction == nil {
				return 0, entitlement.ErrInvalidMutation
			}
			txnCopy := *effect.Transaction
			s.transactions[txnCopy.ID] = &txnCopy

		case entitlement.EffectUpsertSubscription:
			if effect.Subscription == nil {
				return 0, entitlement.ErrInvalidMutation
			}
			subCopy := *effect.Subscription
			s.subscriptions[subCopy.ID] = &subCopy

		case entitlement.EffectSetEntitlement:
			if effect.Entitlement == nil {
				return 0, entitlement.ErrInvalidMutation
			}
			current, exists := s.entitlements[effect.Entitlement.UserID]
			if exists && !m.Force && !m.EventTime.IsZero() && !m.EventTime.After(current.ReconciledAt) {
				outcome = entitlement.OutcomeStale
				continue
			}
			entCopy := *effect.Entitlement
			s.entitlements[entCopy.UserID] = &entCopy

		default:
			return 0, entitlement.ErrInvalidMutation
		}
	}

	if m.LedgerKey != "" {
		s.ledger[m.LedgerKey] = &entitlement.LedgerEntry{
			Key:           m.LedgerKey,
			LastStatus:    m.LedgerStatus,
			LastAppliedAt: time.Now().UTC(),
		}
	}

	return outcome, nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entitlements = make(map[string]*entitlement.Entitlement)
	s.transactions = make(map[string]*entitlement.Transaction)
	s.subscriptions = make(map[string]*entitlement.Subscription)
	s.ledger = make(map[string]*entitlement.LedgerEntry)
}
