package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the SQLite-backed store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// CacheEntry is one delivered artifact recorded in the dedup cache.
// A collection produces multiple entries sharing one UniqID.
type CacheEntry struct {
	UniqID        string
	Origin        string
	MediaType     string
	ArtifactRef   string
	CanonicalName string
}

// FailedJob is a durable snapshot of a job that exhausted all accounts,
// keyed by its correlation identity so repeated terminal failures of the
// same logical request don't accumulate.
type FailedJob struct {
	UniqID    string
	ChatID    int64
	MessageID int64
	Payload   []byte // serialized media.Job
}
