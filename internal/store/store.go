package store

import (
	"context"
	"time"
)

// Record is the minimal unit of batch state we persist: the last known
// lifecycle fields for a uniquely identified batch. A restarted agent seeds
// its snapshot cache from these records so it serves sane data before the
// first poll completes. UpdatedAt should be in UTC.
type Record struct {
	ID            string
	Name          string
	Status        string
	Progress      float64
	ExecutionID   string
	LastRunPassed *bool
	ElapsedS      float64
	UpdatedAt     time.Time
}

// Store persists last-known batch records plus the operator settings blob
// (a flat key-value map loaded once at startup and saved on change).
type Store interface {
	EnsureSchema(ctx context.Context) error
	UpsertBatch(ctx context.Context, rec Record) error
	GetBatch(ctx context.Context, id string) (Record, error)
	ListBatches(ctx context.Context) ([]Record, error)
	SaveSetting(ctx context.Context, key, value string) error
	LoadSettings(ctx context.Context) (map[string]string, error)
	Close() error
}
