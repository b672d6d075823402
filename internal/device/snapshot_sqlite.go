package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteSnapshotRepository implements SnapshotRepository using the
// device_snapshots table.
type SQLiteSnapshotRepository struct {
	db *sql.DB
}

// NewSQLiteSnapshotRepository creates a new SQLite snapshot repository.
func NewSQLiteSnapshotRepository(db *sql.DB) *SQLiteSnapshotRepository {
	return &SQLiteSnapshotRepository{db: db}
}

// Save upserts the snapshot.
func (r *SQLiteSnapshotRepository) Save(ctx context.Context, s Snapshot) error {
	if s.UniqueID == "" {
		return fmt.Errorf("unique id is required")
	}
	attrs := s.Attributes
	if attrs == nil {
		attrs = Attributes{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshalling attributes: %w", err)
	}
	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO device_snapshots (unique_id, device_id, endpoint_id, name, kind, attributes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(unique_id) DO UPDATE SET
		     device_id = excluded.device_id,
		     endpoint_id = excluded.endpoint_id,
		     name = excluded.name,
		     kind = excluded.kind,
		     attributes = excluded.attributes,
		     updated_at = excluded.updated_at`,
		s.UniqueID,
		s.DeviceID,
		s.EndpointID,
		s.Name,
		string(s.Kind),
		string(attrsJSON),
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", s.UniqueID, err)
	}
	return nil
}

// LoadAll returns every stored snapshot ordered by unique id.
func (r *SQLiteSnapshotRepository) LoadAll(ctx context.Context) ([]Snapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT unique_id, device_id, endpoint_id, name, kind, attributes, updated_at
		 FROM device_snapshots
		 ORDER BY unique_id`)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var s Snapshot
		var kind, attrsJSON, updatedAt string
		if err := rows.Scan(&s.UniqueID, &s.DeviceID, &s.EndpointID, &s.Name, &kind, &attrsJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		s.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(attrsJSON), &s.Attributes); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSnapshot, s.UniqueID, err)
		}
		if s.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSnapshot, s.UniqueID, err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return snapshots, nil
}

// Delete removes one snapshot. Deleting a missing row is not an error.
func (r *SQLiteSnapshotRepository) Delete(ctx context.Context, uniqueID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM device_snapshots WHERE unique_id = ?", uniqueID); err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", uniqueID, err)
	}
	return nil
}
