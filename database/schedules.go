package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertScheduleEntry sets the mode of one (camera, day, hour) cell
func (s *SQLiteDB) UpsertScheduleEntry(ctx context.Context, entry ScheduleEntry) error {
	const op = "database.UpsertScheduleEntry"

	if entry.Hour < 0 || entry.Hour > 23 {
		return fmt.Errorf("%s: hour %d out of range", op, entry.Hour)
	}
	if entry.DayOfWeek < time.Sunday || entry.DayOfWeek > time.Saturday {
		return fmt.Errorf("%s: day %d out of range", op, entry.DayOfWeek)
	}
	if !entry.Mode.Valid() {
		return fmt.Errorf("%s: invalid recording mode %q", op, entry.Mode)
	}

	query := fmt.Sprintf(`INSERT INTO %s (camera_id, day_of_week, hour, mode) VALUES (?, ?, ?, ?)
		ON CONFLICT(camera_id, day_of_week, hour) DO UPDATE SET mode = excluded.mode`, schedulesTable)
	if _, err := s.db.ExecContext(ctx, query, entry.CameraID, int(entry.DayOfWeek), entry.Hour, entry.Mode); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteScheduleEntry clears one cell of the grid
func (s *SQLiteDB) DeleteScheduleEntry(ctx context.Context, cameraID string, day time.Weekday, hour int) error {
	const op = "database.DeleteScheduleEntry"

	query := fmt.Sprintf(`DELETE FROM %s WHERE camera_id = ? AND day_of_week = ? AND hour = ?`, schedulesTable)
	return s.execOne(ctx, op, query, cameraID, int(day), hour)
}

// GetScheduleEntry returns the cell for (camera, day, hour) or ErrNotFound
func (s *SQLiteDB) GetScheduleEntry(ctx context.Context, cameraID string, day time.Weekday, hour int) (*ScheduleEntry, error) {
	const op = "database.GetScheduleEntry"

	var entry ScheduleEntry
	query := fmt.Sprintf(`SELECT camera_id, day_of_week, hour, mode FROM %s
		WHERE camera_id = ? AND day_of_week = ? AND hour = ?`, schedulesTable)
	if err := s.db.GetContext(ctx, &entry, query, cameraID, int(day), hour); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &entry, nil
}

// HasSchedule reports whether the camera has any grid entry at all
func (s *SQLiteDB) HasSchedule(ctx context.Context, cameraID string) (bool, error) {
	const op = "database.HasSchedule"

	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE camera_id = ?)`, schedulesTable)
	if err := s.db.GetContext(ctx, &exists, query, cameraID); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return exists, nil
}
