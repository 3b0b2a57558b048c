package storage

import (
	"context"

	logx "mediarelay/pkg/logx"
)

// Store is the persistence API shared by the dedup cache, the fail queue and
// the account selector. The backing database serializes concurrent writers;
// callers only rely on atomic check-then-write per key, never on cross-key
// transactions.
type Store interface {
	// LookupMedia returns every cache entry recorded for uniqID (empty slice
	// on a miss).
	LookupMedia(ctx context.Context, uniqID string) ([]CacheEntry, error)
	// SaveMedia records the entries idempotently: if any entry already exists
	// for the same uniqID the call is a no-op and reports false.
	SaveMedia(ctx context.Context, entries []CacheEntry) (bool, error)
	// RandomMedia returns one random cache entry, if any exist.
	RandomMedia(ctx context.Context) (CacheEntry, bool, error)

	// StoreFailedJob persists a failed-job snapshot; a snapshot with the same
	// correlation keys is silently ignored.
	StoreFailedJob(ctx context.Context, fj FailedJob) error
	// DrainFailedJobs returns every stored snapshot and deletes them in the
	// same transaction, guaranteeing at-most-one future replay each.
	DrainFailedJobs(ctx context.Context) ([]FailedJob, error)

	// GetState / PutState are a small kv surface for selector persistence.
	GetState(ctx context.Context, key string) ([]byte, bool, error)
	PutState(ctx context.Context, key string, value []byte) error

	Close() error
}

// Open initializes the store at cfg.Path, running migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
