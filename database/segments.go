package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type segmentRow struct {
	ID            string         `db:"id"`
	StreamID      string         `db:"stream_id"`
	CameraID      string         `db:"camera_id"`
	LocationID    sql.NullString `db:"location_id"`
	StartTime     int64          `db:"start_time"`
	EndTime       int64          `db:"end_time"`
	FilePath      string         `db:"file_path"`
	FileSize      int64          `db:"file_size"`
	DurationMs    int64          `db:"duration_ms"`
	Checksum      sql.NullString `db:"checksum"`
	VerifiedAt    sql.NullInt64  `db:"verified_at"`
	ThumbnailPath sql.NullString `db:"thumbnail_path"`
	Archived      bool           `db:"archived"`
	CreatedAt     int64          `db:"created_at"`
}

func (r segmentRow) toSegment() RecordingSegment {
	seg := RecordingSegment{
		ID:            r.ID,
		StreamID:      r.StreamID,
		CameraID:      r.CameraID,
		LocationID:    r.LocationID.String,
		StartTime:     fromMillis(r.StartTime),
		EndTime:       fromMillis(r.EndTime),
		FilePath:      r.FilePath,
		FileSize:      r.FileSize,
		Duration:      time.Duration(r.DurationMs) * time.Millisecond,
		ThumbnailPath: r.ThumbnailPath.String,
		Archived:      r.Archived,
		CreatedAt:     fromMillis(r.CreatedAt),
	}
	if r.Checksum.Valid {
		c := r.Checksum.String
		seg.Checksum = &c
	}
	if r.VerifiedAt.Valid {
		t := fromMillis(r.VerifiedAt.Int64)
		seg.VerifiedAt = &t
	}
	return seg
}

const segmentColumns = `id, stream_id, camera_id, location_id, start_time, end_time, file_path,
	file_size, duration_ms, checksum, verified_at, thumbnail_path, archived, created_at`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateSegment inserts a segment row. A second insert for the same file
// path keeps the existing row and only refreshes its size; a changed size
// also clears the stale checksum and audit state.
func (s *SQLiteDB) CreateSegment(ctx context.Context, seg RecordingSegment) error {
	const op = "database.CreateSegment"

	if !seg.StartTime.Before(seg.EndTime) {
		return fmt.Errorf("%s: start time %s is not before end time %s", op, seg.StartTime, seg.EndTime)
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now()
	}
	var checksum sql.NullString
	if seg.Checksum != nil {
		checksum = sql.NullString{String: *seg.Checksum, Valid: true}
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			checksum = CASE WHEN file_size = excluded.file_size THEN checksum ELSE NULL END,
			verified_at = CASE WHEN file_size = excluded.file_size THEN verified_at ELSE NULL END,
			audit_attempted_at = CASE WHEN file_size = excluded.file_size THEN audit_attempted_at ELSE NULL END,
			file_size = excluded.file_size`, segmentsTable, segmentColumns)
	_, err := s.db.ExecContext(ctx, query,
		seg.ID, seg.StreamID, seg.CameraID, nullString(seg.LocationID),
		toMillis(seg.StartTime), toMillis(seg.EndTime), seg.FilePath, seg.FileSize,
		seg.Duration.Milliseconds(), checksum, nullString(seg.ThumbnailPath),
		boolToInt(seg.Archived), toMillis(seg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetSegment returns the segment with the given id
func (s *SQLiteDB) GetSegment(ctx context.Context, id string) (*RecordingSegment, error) {
	const op = "database.GetSegment"

	var row segmentRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, segmentColumns, segmentsTable)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	seg := row.toSegment()
	return &seg, nil
}

// SegmentsByCamera returns segments overlapping [from, to) in start order
func (s *SQLiteDB) SegmentsByCamera(ctx context.Context, cameraID string, from, to time.Time) ([]RecordingSegment, error) {
	const op = "database.SegmentsByCamera"

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE camera_id = ? AND start_time < ? AND end_time > ?
		ORDER BY start_time`, segmentColumns, segmentsTable)
	return s.selectSegments(ctx, op, query, cameraID, toMillis(to), toMillis(from))
}

// ExpiredSegments returns non-archived segments of a camera that started
// strictly before cutoff, oldest first.
func (s *SQLiteDB) ExpiredSegments(ctx context.Context, cameraID string, cutoff time.Time, limit int) ([]RecordingSegment, error) {
	const op = "database.ExpiredSegments"

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE camera_id = ? AND start_time < ? AND archived = 0
		ORDER BY start_time LIMIT ?`, segmentColumns, segmentsTable)
	return s.selectSegments(ctx, op, query, cameraID, toMillis(cutoff), limit)
}

// OldestSegmentsUnderPath returns the oldest non-archived segments across all
// cameras whose file lives under root.
func (s *SQLiteDB) OldestSegmentsUnderPath(ctx context.Context, root string, limit int) ([]RecordingSegment, error) {
	const op = "database.OldestSegmentsUnderPath"

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE substr(file_path, 1, length(?)) = ? AND archived = 0
		ORDER BY start_time LIMIT ?`, segmentColumns, segmentsTable)
	return s.selectSegments(ctx, op, query, root, root, limit)
}

// SegmentsMissingChecksum returns segments that were never hashed. Segments
// never attempted come first, oldest first; failed attempts queue behind them
// by attempt time.
func (s *SQLiteDB) SegmentsMissingChecksum(ctx context.Context, limit int) ([]RecordingSegment, error) {
	const op = "database.SegmentsMissingChecksum"

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE checksum IS NULL
		ORDER BY COALESCE(audit_attempted_at, 0), start_time LIMIT ?`, segmentColumns, segmentsTable)
	return s.selectSegments(ctx, op, query, limit)
}

// SegmentsForVerification returns hashed segments, least recently audited
// first. A failed verification counts as an audit so unreadable or corrupted
// files do not hold the head of the queue.
func (s *SQLiteDB) SegmentsForVerification(ctx context.Context, limit int) ([]RecordingSegment, error) {
	const op = "database.SegmentsForVerification"

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE checksum IS NOT NULL
		ORDER BY MAX(COALESCE(verified_at, 0), COALESCE(audit_attempted_at, 0)), start_time
		LIMIT ?`, segmentColumns, segmentsTable)
	return s.selectSegments(ctx, op, query, limit)
}

func (s *SQLiteDB) selectSegments(ctx context.Context, op, query string, args ...any) ([]RecordingSegment, error) {
	var rows []segmentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	segs := make([]RecordingSegment, 0, len(rows))
	for _, r := range rows {
		segs = append(segs, r.toSegment())
	}
	return segs, nil
}

// SetChecksum stores the content hash of a segment
func (s *SQLiteDB) SetChecksum(ctx context.Context, id, checksum string) error {
	const op = "database.SetChecksum"

	query := fmt.Sprintf(`UPDATE %s SET checksum = ? WHERE id = ?`, segmentsTable)
	return s.execOne(ctx, op, query, checksum, id)
}

// MarkVerified records a successful checksum verification
func (s *SQLiteDB) MarkVerified(ctx context.Context, id string, at time.Time) error {
	const op = "database.MarkVerified"

	query := fmt.Sprintf(`UPDATE %s SET verified_at = ? WHERE id = ?`, segmentsTable)
	return s.execOne(ctx, op, query, toMillis(at), id)
}

// MarkAuditAttempt records a failed hash or verification of a segment
func (s *SQLiteDB) MarkAuditAttempt(ctx context.Context, id string, at time.Time) error {
	const op = "database.MarkAuditAttempt"

	query := fmt.Sprintf(`UPDATE %s SET audit_attempted_at = ? WHERE id = ?`, segmentsTable)
	return s.execOne(ctx, op, query, toMillis(at), id)
}

// SetArchived sets or clears the evidence lock of a segment
func (s *SQLiteDB) SetArchived(ctx context.Context, id string, archived bool) error {
	const op = "database.SetArchived"

	query := fmt.Sprintf(`UPDATE %s SET archived = ? WHERE id = ?`, segmentsTable)
	return s.execOne(ctx, op, query, boolToInt(archived), id)
}

// DeleteSegment removes the row and reports whether one existed
func (s *SQLiteDB) DeleteSegment(ctx context.Context, id string) (bool, error) {
	const op = "database.DeleteSegment"

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, segmentsTable), id)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}
