// Package rediscache provides a read-through Redis cache for entitlement
// snapshots in front of another entitlement.Store. The hot path is the
// per-request premium check; everything else passes straight through to the
// inner store. Cache failures are non-fatal: the inner store stays
// authoritative.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

// Storage implements entitlement.Store, caching entitlement reads in Redis.
type Storage struct {
	inner  entitlement.Store
	client redis.UniversalClient
	config Config
}

// Config holds Redis cache configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "cvally:")
	KeyPrefix string

	// EntitlementTTL is the TTL for cached entitlement snapshots
	// (default: 5 minutes). The cache is also invalidated on every Apply
	// that touches the user, so the TTL only bounds staleness after a
	// missed invalidation.
	EntitlementTTL time.Duration

	// Logger is used for cache-miss diagnostics. Defaults to NoopLogger.
	Logger entitlement.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "cvally:",
		EntitlementTTL: 5 * time.Minute,
	}
}

// cachedEntitlement is the stored JSON shape. A negative entry caches
// ErrEntitlementNotFound so unknown users don't hammer the database.
type cachedEntitlement struct {
	Missing     bool                     `json:"missing,omitempty"`
	Entitlement *entitlement.Entitlement `json:"entitlement,omitempty"`
}

// New creates a new Redis-cached storage adapter wrapping inner.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, inner entitlement.Store, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if inner == nil {
		return nil, fmt.Errorf("inner store is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "cvally:"
	}
	if config.EntitlementTTL <= 0 {
		config.EntitlementTTL = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}

	return &Storage{inner: inner, client: client, config: config}, nil
}

// GetEntitlement implements entitlement.Store with a read-through cache.
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	key := s.entitlementKey(userID)

	if raw, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var cached cachedEntitlement
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			if cached.Missing {
				return nil, entitlement.ErrEntitlementNotFound
			}
			if cached.Entitlement != nil {
				entCopy := *cached.Entitlement
				return &entCopy, nil
			}
		}
	} else if err != redis.Nil {
		s.config.Logger.Warn("entitlement cache read failed",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err.Error()})
	}

	ent, err := s.inner.GetEntitlement(ctx, userID)
	switch err {
	case nil:
		s.cache(ctx, key, cachedEntitlement{Entitlement: ent})
		return ent, nil
	case entitlement.ErrEntitlementNotFound:
		s.cache(ctx, key, cachedEntitlement{Missing: true})
		return nil, err
	default:
		return nil, err
	}
}

// GetTransaction implements entitlement.Store.
func (s *Storage) GetTransaction(ctx context.Context, id string) (*entitlement.Transaction, error) {
	return s.inner.GetTransaction(ctx, id)
}

// CreateTransaction implements entitlement.Store.
func (s *Storage) CreateTransaction(ctx context.Context, txn *entitlement.Transaction) error {
	return s.inner.CreateTransaction(ctx, txn)
}

// GetSubscription implements entitlement.Store.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*entitlement.Subscription, error) {
	return s.inner.GetSubscription(ctx, id)
}

// LedgerStatus implements entitlement.Store.
func (s *Storage) LedgerStatus(ctx context.Context, key string) (string, error) {
	return s.inner.LedgerStatus(ctx, key)
}

// Apply implements entitlement.Store. The inner write happens first; the
// cached snapshot of every touched user is then invalidated so the next read
// refills from the authoritative store.
func (s *Storage) Apply(ctx context.Context, m *entitlement.Mutation) (entitlement.Outcome, error) {
	outcome, err := s.inner.Apply(ctx, m)
	if err != nil {
		return outcome, err
	}

	for _, effect := range m.Effects {
		if effect.Kind != entitlement.EffectSetEntitlement || effect.Entitlement == nil {
			continue
		}
		if delErr := s.client.Del(ctx, s.entitlementKey(effect.Entitlement.UserID)).Err(); delErr != nil {
			s.config.Logger.Warn("entitlement cache invalidation failed",
				entitlement.Field{Key: "user_id", Value: effect.Entitlement.UserID},
				entitlement.Field{Key: "error", Value: delErr.Error()})
		}
	}
	return outcome, nil
}

func (s *Storage) cache(ctx context.Context, key string, value cachedEntitlement) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, key, raw, s.config.EntitlementTTL).Err(); err != nil {
		s.config.Logger.Warn("entitlement cache write failed",
			entitlement.Field{Key: "key", Value: key},
			entitlement.Field{Key: "error", Value: err.Error()})
	}
}

func (s *Storage) entitlementKey(userID string) string {
	return s.config.KeyPrefix + "entitlement:" + userID
}
