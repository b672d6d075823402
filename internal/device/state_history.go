package device

import (
	"context"
	"fmt"
	"time"
)

// State history source values.
const (
	StateHistorySourceGateway = "gateway"
	StateHistorySourceCommand = "command"
	StateHistorySourceWarm    = "warm_start"
)

// StateHistoryEntry is one merged delta as recorded for a device.
type StateHistoryEntry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// UniqueID identifies the device endpoint.
	UniqueID string `json:"unique_id"`

	// Attributes holds the values carried by the delta.
	Attributes Attributes `json:"attributes"`

	// Source identifies what caused the change (gateway, command, warm_start).
	Source string `json:"source"`

	// CreatedAt is the timestamp of the change (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores and retrieves device state change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type StateHistoryRepository interface {
	// RecordStateChange records the attributes of one merged delta.
	RecordStateChange(ctx context.Context, uniqueID string, attrs Attributes, source string) error

	// GetHistory returns recent entries for the device, newest first.
	// Implementations clamp limit to a bounded range.
	GetHistory(ctx context.Context, uniqueID string, limit int) ([]StateHistoryEntry, error)
}

// SnapshotRepository persists the last known state of every device so the
// registry can be warmed before the gateway answers.
type SnapshotRepository interface {
	// Save upserts the snapshot keyed by unique id.
	Save(ctx context.Context, s Snapshot) error

	// LoadAll returns every stored snapshot ordered by unique id.
	LoadAll(ctx context.Context) ([]Snapshot, error)

	// Delete removes one snapshot.
	Delete(ctx context.Context, uniqueID string) error
}

// WarmStart replays stored snapshots into the registry as deltas and
// returns how many were applied. Snapshots whose kind is no longer known
// are deleted instead of replayed.
func WarmStart(ctx context.Context, repo SnapshotRepository, reg *Registry) (int, error) {
	snapshots, err := repo.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	deltas := make([]Delta, 0, len(snapshots))
	for _, s := range snapshots {
		if !s.Kind.Valid() {
			if err := repo.Delete(ctx, s.UniqueID); err != nil {
				return 0, fmt.Errorf("drop stale snapshot %q: %w", s.UniqueID, err)
			}
			continue
		}
		deltas = append(deltas, s.Delta())
	}
	reg.Apply(deltas)
	return len(deltas), nil
}
