package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type locationRow struct {
	ID              string          `db:"id"`
	ServerID        string          `db:"server_id"`
	Path            string          `db:"path"`
	RWPolicy        string          `db:"rw_policy"`
	ReservedBytes   sql.NullInt64   `db:"reserved_bytes"`
	ReservedPercent sql.NullFloat64 `db:"reserved_percent"`
	TotalBytes      int64           `db:"total_bytes"`
	Enabled         bool            `db:"enabled"`
	Status          string          `db:"status"`
	LastProbeAt     sql.NullInt64   `db:"last_probe_at"`
}

func (r locationRow) toLocation() StorageLocation {
	loc := StorageLocation{
		ID:              r.ID,
		ServerID:        r.ServerID,
		Path:            r.Path,
		RWPolicy:        RWPolicy(r.RWPolicy),
		ReservedPercent: r.ReservedPercent.Float64,
		TotalBytes:      r.TotalBytes,
		Enabled:         r.Enabled,
		Status:          LocationStatus(r.Status),
	}
	if r.ReservedBytes.Valid {
		v := r.ReservedBytes.Int64
		loc.ReservedBytes = &v
	}
	if r.LastProbeAt.Valid {
		t := fromMillis(r.LastProbeAt.Int64)
		loc.LastProbeAt = &t
	}
	return loc
}

const locationColumns = `id, server_id, path, rw_policy, reserved_bytes, reserved_percent,
	total_bytes, enabled, status, last_probe_at`

// CreateLocation persists a storage location
func (s *SQLiteDB) CreateLocation(ctx context.Context, loc StorageLocation) error {
	const op = "database.CreateLocation"

	if loc.RWPolicy == "" {
		loc.RWPolicy = ReadWrite
	}
	if loc.Status == "" {
		loc.Status = LocationOnline
	}

	var reserved sql.NullInt64
	if loc.ReservedBytes != nil {
		reserved = sql.NullInt64{Int64: *loc.ReservedBytes, Valid: true}
	}
	var probed sql.NullInt64
	if loc.LastProbeAt != nil {
		probed = sql.NullInt64{Int64: toMillis(*loc.LastProbeAt), Valid: true}
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, locationsTable, locationColumns)
	_, err := s.db.ExecContext(ctx, query,
		loc.ID, loc.ServerID, loc.Path, loc.RWPolicy, reserved, loc.ReservedPercent,
		loc.TotalBytes, boolToInt(loc.Enabled), loc.Status, probed,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetLocation returns the location with the given id
func (s *SQLiteDB) GetLocation(ctx context.Context, id string) (*StorageLocation, error) {
	const op = "database.GetLocation"

	var row locationRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, locationColumns, locationsTable)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	loc := row.toLocation()
	return &loc, nil
}

// ListLocations returns every registered location
func (s *SQLiteDB) ListLocations(ctx context.Context) ([]StorageLocation, error) {
	const op = "database.ListLocations"

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY server_id, path`, locationColumns, locationsTable)
	return s.selectLocations(ctx, op, query)
}

// LocationsByServer returns the locations attached to one server
func (s *SQLiteDB) LocationsByServer(ctx context.Context, serverID string) ([]StorageLocation, error) {
	const op = "database.LocationsByServer"

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE server_id = ? ORDER BY path`, locationColumns, locationsTable)
	return s.selectLocations(ctx, op, query, serverID)
}

func (s *SQLiteDB) selectLocations(ctx context.Context, op, query string, args ...any) ([]StorageLocation, error) {
	var rows []locationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	locs := make([]StorageLocation, 0, len(rows))
	for _, r := range rows {
		locs = append(locs, r.toLocation())
	}
	return locs, nil
}

// UpdateLocationHealth records the outcome of a capacity probe. A zero
// totalBytes keeps the last known capacity.
func (s *SQLiteDB) UpdateLocationHealth(ctx context.Context, id string, status LocationStatus, totalBytes int64, probedAt time.Time) error {
	const op = "database.UpdateLocationHealth"

	query := fmt.Sprintf(`UPDATE %s SET status = ?,
		total_bytes = CASE WHEN ? > 0 THEN ? ELSE total_bytes END,
		last_probe_at = ? WHERE id = ?`, locationsTable)
	return s.execOne(ctx, op, query, status, totalBytes, totalBytes, toMillis(probedAt), id)
}

// SetLocationEnabled toggles whether a location takes part in allocation
func (s *SQLiteDB) SetLocationEnabled(ctx context.Context, id string, enabled bool) error {
	const op = "database.SetLocationEnabled"

	query := fmt.Sprintf(`UPDATE %s SET enabled = ? WHERE id = ?`, locationsTable)
	return s.execOne(ctx, op, query, boolToInt(enabled), id)
}
