// Package postgres provides a PostgreSQL implementation of the
// entitlement.Store interface. Apply runs in a SQL transaction with a
// row-level lock on the ledger key, so concurrent deliveries of the same
// webhook serialize on the database.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeonKindaTired/cvally/pkg/entitlement"
)

// Storage implements entitlement.Store using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", entitlement.ErrStoreUnavailable, err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", entitlement.ErrStoreUnavailable, err)
	}
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entitlements (
			user_id            TEXT PRIMARY KEY,
			role               TEXT NOT NULL,
			premium_expires_at TIMESTAMPTZ,
			subscription_id    TEXT NOT NULL DEFAULT '',
			reconciled_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			customer_id      TEXT NOT NULL DEFAULT '',
			product_id       TEXT NOT NULL DEFAULT '',
			variant_id       TEXT NOT NULL DEFAULT '',
			subscription_id  TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			total            BIGINT NOT NULL DEFAULT 0,
			currency         TEXT NOT NULL DEFAULT '',
			refunded         BOOLEAN NOT NULL DEFAULT FALSE,
			provider_payload JSONB,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions (user_id)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			customer_id TEXT NOT NULL DEFAULT '',
			product_id  TEXT NOT NULL DEFAULT '',
			variant_id  TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			cancelled   BOOLEAN NOT NULL DEFAULT FALSE,
			renews_at   TIMESTAMPTZ,
			ends_at     TIMESTAMPTZ,
			price       BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions (user_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_ledger (
			key             TEXT PRIMARY KEY,
			last_status     TEXT NOT NULL,
			last_applied_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// GetEntitlement implements entitlement.Store.
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	var ent entitlement.Entitlement

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, role, premium_expires_at, subscription_id, reconciled_at
			FROM entitlements WHERE user_id = $1`,
		userID).Scan(
		&ent.UserID,
		&ent.Role,
		&ent.PremiumExpiresAt,
		&ent.SubscriptionID,
		&ent.ReconciledAt,
	)

	if err == pgx.ErrNoRows {
		return nil, entitlement.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	return &ent, nil
}

// GetTransaction implements entitlement.Store.
func (s *Storage) GetTransaction(ctx context.Context, id string) (*entitlement.Transaction, error) {
	var txn entitlement.Transaction

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, customer_id, product_id, variant_id, subscription_id,
				status, total, currency, refunded, provider_payload, created_at, updated_at
			FROM transactions WHERE id = $1`,
		id).Scan(
		&txn.ID,
		&txn.UserID,
		&txn.CustomerID,
		&txn.ProductID,
		&txn.VariantID,
		&txn.SubscriptionID,
		&txn.Status,
		&txn.Total,
		&txn.Currency,
		&txn.Refunded,
		&txn.ProviderPayload,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, entitlement.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return &txn, nil
}

// CreateTransaction implements entitlement.Store. ON CONFLICT DO NOTHING makes
// checkout retries idempotent.
func (s *Storage) CreateTransaction(ctx context.Context, txn *entitlement.Transaction) error {
	if txn == nil || txn.ID == "" || txn.UserID == "" {
		return fmt.Errorf("invalid transaction")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions
				(id, user_id, customer_id, product_id, variant_id, subscription_id,
				status, total, currency, refunded, provider_payload, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING`,
		txn.ID, txn.UserID, txn.CustomerID, txn.ProductID, txn.VariantID, txn.SubscriptionID,
		txn.Status, txn.Total, txn.Currency, txn.Refunded, payloadValue(txn),
		timeOrNow(txn.CreatedAt), timeOrNow(txn.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetSubscription implements entitlement.Store.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*entitlement.Subscription, error) {
	var sub entitlement.Subscription

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, customer_id, product_id, variant_id, status, cancelled,
				renews_at, ends_at, price, created_at, updated_at
			FROM subscriptions WHERE id = $1`,
		id).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.CustomerID,
		&sub.ProductID,
		&sub.VariantID,
		&sub.Status,
		&sub.Cancelled,
		&sub.RenewsAt,
		&sub.EndsAt,
		&sub.Price,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &sub, nil
}

// LedgerStatus implements entitlement.Store.
func (s *Storage) LedgerStatus(ctx context.Context, key string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT last_status FROM webhook_ledger WHERE key = $1`, key).Scan(&status)

	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get ledger status: %w", err)
	}
	return status, nil
}

// Apply implements entitlement.Store with an atomic transaction.
//
//nolint:gocyclo // Handles the ledger reservation and every effect kind in one transaction
func (s *Storage) Apply(ctx context.Context, m *entitlement.Mutation) (entitlement.Outcome, error) {
	if m == nil {
		return 0, entitlement.ErrInvalidMutation
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", entitlement.ErrStoreUnavailable, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if m.LedgerKey != "" {
		// Reserve the key: insert if fresh, otherwise lock the existing row
		// and let the shared decision classify the replay.
		var inserted string
		err = tx.QueryRow(ctx,
			`INSERT INTO webhook_ledger (key, last_status, last_applied_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (key) DO NOTHING
				RETURNING key`,
			m.LedgerKey, m.LedgerStatus).Scan(&inserted)

		if err == pgx.ErrNoRows {
			var recorded string
			err = tx.QueryRow(ctx,
				`SELECT last_status FROM webhook_ledger WHERE key = $1 FOR UPDATE`,
				m.LedgerKey).Scan(&recorded)
			if err != nil {
				return 0, fmt.Errorf("failed to lock ledger key: %w", err)
			}

			switch outcome := entitlement.LedgerDecision(recorded, m.LedgerStatus); outcome {
			case entitlement.OutcomeDuplicate, entitlement.OutcomeRegression:
				if commitErr := tx.Commit(ctx); commitErr != nil {
					return 0, fmt.Errorf("failed to commit: %w", commitErr)
				}
				return outcome, nil
			}

			_, err = tx.Exec(ctx,
				`UPDATE webhook_ledger SET last_status = $1, last_applied_at = NOW() WHERE key = $2`,
				m.LedgerStatus, m.LedgerKey)
			if err != nil {
				return 0, fmt.Errorf("failed to advance ledger: %w", err)
			}
		} else if err != nil {
			return 0, fmt.Errorf("failed to reserve ledger key: %w", err)
		}
	}

	outcome := entitlement.OutcomeApplied
	for _, effect := range m.Effects {
		switch effect.Kind {
		case entitlement.EffectUpsertTransaction:
			if effect.Transaction == nil {
				return 0, entitlement.ErrInvalidMutation
			}
			if err := upsertTransaction(ctx, tx, effect.Transaction); err != nil {
				return 0, err
			}

		case entitlement.EffectUpsertSubscription:
			if effect.Subscription == nil {
				return 0, entitlement.ErrInvalidMutation
			}
			if err := upsertSubscription(ctx, tx, effect.Subscription); err != nil {
				return 0, err
			}

		case entitlement.EffectSetEntitlement:
			if effect.Entitlement == nil {
				return 0, entitlement.ErrInvalidMutation
			}
			written, err := setEntitlement(ctx, tx, effect.Entitlement, m)
			if err != nil {
				return 0, err
			}
			if !written {
				outcome = entitlement.OutcomeStale
			}

		default:
			return 0, entitlement.ErrInvalidMutation
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return outcome, nil
}

func upsertTransaction(ctx context.Context, tx pgx.Tx, txn *entitlement.Transaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions
				(id, user_id, customer_id, product_id, variant_id, subscription_id,
				status, total, currency, refunded, provider_payload, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				status = EXCLUDED.status,
				total = EXCLUDED.total,
				currency = EXCLUDED.currency,
				refunded = EXCLUDED.refunded,
				provider_payload = EXCLUDED.provider_payload,
				updated_at = EXCLUDED.updated_at`,
		txn.ID, txn.UserID, txn.CustomerID, txn.ProductID, txn.VariantID, txn.SubscriptionID,
		txn.Status, txn.Total, txn.Currency, txn.Refunded, payloadValue(txn),
		timeOrNow(txn.CreatedAt), timeOrNow(txn.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction: %w", err)
	}
	return nil
}

func upsertSubscription(ctx context.Context, tx pgx.Tx, sub *entitlement.Subscription) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO subscriptions
				(id, user_id, customer_id, product_id, variant_id, status, cancelled,
				renews_at, ends_at, price, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				product_id = EXCLUDED.product_id,
				variant_id = EXCLUDED.variant_id,
				status = EXCLUDED.status,
				cancelled = EXCLUDED.cancelled,
				renews_at = EXCLUDED.renews_at,
				ends_at = EXCLUDED.ends_at,
				price = EXCLUDED.price,
				updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, sub.CustomerID, sub.ProductID, sub.VariantID, sub.Status, sub.Cancelled,
		sub.RenewsAt, sub.EndsAt, sub.Price, timeOrNow(sub.CreatedAt), timeOrNow(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// setEntitlement writes the snapshot unless a newer one is already stored.
// Returns false when the staleness guard suppressed the write.
func setEntitlement(ctx context.Context, tx pgx.Tx, ent *entitlement.Entitlement, m *entitlement.Mutation) (bool, error) {
	guard := !m.Force && !m.EventTime.IsZero()

	tag, err := tx.Exec(ctx,
		`INSERT INTO entitlements (user_id, role, premium_expires_at, subscription_id, reconciled_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				role = EXCLUDED.role,
				premium_expires_at = EXCLUDED.premium_expires_at,
				subscription_id = EXCLUDED.subscription_id,
				reconciled_at = EXCLUDED.reconciled_at
			WHERE NOT $6 OR entitlements.reconciled_at < $7`,
		ent.UserID, ent.Role, ent.PremiumExpiresAt, ent.SubscriptionID,
		timeOrNow(ent.ReconciledAt), guard, m.EventTime,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set entitlement: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func payloadValue(txn *entitlement.Transaction) interface{} {
	// JSONB columns need valid JSON or NULL
	if len(txn.ProviderPayload) == 0 {
		return nil
	}
	return string(txn.ProviderPayload)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
