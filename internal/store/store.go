// Package store provides the narrow repository interfaces the engine
// consumes. User, key, provider, and endpoint CRUD belongs to the admin
// surface and is out of scope here — the engine only reads, plus appends to
// the usage ledger.
package store

import (
	"context"
	"time"

	"github.com/ding113/claude-code-hub/internal/model"
)

// KeyStore resolves client secrets to keys.
type KeyStore interface {
	// KeyBySecret returns the key matching the raw secret, or ErrNotFound.
	KeyBySecret(ctx context.Context, secret string) (*model.Key, error)
}

// UserStore resolves key owners.
type UserStore interface {
	UserByID(ctx context.Context, id int64) (*model.User, error)
}

// ProviderStore lists selectable providers and their endpoints.
type ProviderStore interface {
	// Providers returns all non-deleted providers, enabled or not — the
	// selector records disabled ones in the decision context.
	Providers(ctx context.Context) ([]*model.Provider, error)

	// Endpoints returns all non-deleted endpoints for a (vendor, type) pair
	// ordered by sort_order.
	Endpoints(ctx context.Context, vendorID int64, t model.ProviderType) ([]*model.ProviderEndpoint, error)
}

// SettingsStore loads the DB-held system settings row.
type SettingsStore interface {
	Settings(ctx context.Context) (model.SystemSettings, error)
}

// WordStore loads the enabled sensitive-word blocklist.
type WordStore interface {
	SensitiveWords(ctx context.Context) ([]string, error)
}

// LedgerStore reads authoritative cost sums for quota refresh and appends
// message_request rows when the writer runs in sync mode.
type LedgerStore interface {
	// CostSince sums the ledger cost for a subject since the given time.
	// scope is "key" or "user".
	CostSince(ctx context.Context, scope string, id int64, since time.Time) (float64, error)

	// TotalCost sums the whole ledger for a subject (optionally from a
	// manual reset point).
	TotalCost(ctx context.Context, scope string, id int64, resetAt *time.Time) (float64, error)

	// InsertMessageRequest appends one bookkeeping row.
	InsertMessageRequest(ctx context.Context, row *model.MessageRequest) error
}

// SentinelStore is implemented by the composed SQL store.
type Store interface {
	KeyStore
	UserStore
	ProviderStore
	SettingsStore
	WordStore
	LedgerStore

	Ping(ctx context.Context) error
	Close() error
}
