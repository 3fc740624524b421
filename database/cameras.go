package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateServer inserts a recording server
func (s *SQLiteDB) CreateServer(ctx context.Context, server Server) error {
	const op = "database.CreateServer"

	query := fmt.Sprintf(`INSERT INTO %s (id, name, host, restream_port) VALUES (?, ?, ?, ?)`, serversTable)
	if _, err := s.db.ExecContext(ctx, query, server.ID, server.Name, server.Host, server.RestreamPort); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetServer returns the server with the given id
func (s *SQLiteDB) GetServer(ctx context.Context, id string) (*Server, error) {
	const op = "database.GetServer"

	var server Server
	query := fmt.Sprintf(`SELECT id, name, host, restream_port FROM %s WHERE id = ?`, serversTable)
	if err := s.db.GetContext(ctx, &server, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &server, nil
}

const cameraColumns = `id, name, server_id, source_url, recording_mode, retention_days, status,
	host, port, username, password, manufacturer`

// CreateCamera inserts a camera
func (s *SQLiteDB) CreateCamera(ctx context.Context, camera Camera) error {
	const op = "database.CreateCamera"

	if camera.RecordingMode == "" {
		camera.RecordingMode = ModeAlways
	}
	if camera.Status == "" {
		camera.Status = CameraOffline
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, camerasTable, cameraColumns)
	_, err := s.db.ExecContext(ctx, query,
		camera.ID, camera.Name, camera.ServerID, camera.SourceURL, camera.RecordingMode,
		camera.RetentionDays, camera.Status, camera.Host, camera.Port, camera.Username,
		camera.Password, camera.Manufacturer,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetCamera returns the camera with the given id
func (s *SQLiteDB) GetCamera(ctx context.Context, id string) (*Camera, error) {
	const op = "database.GetCamera"

	var camera Camera
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, cameraColumns, camerasTable)
	if err := s.db.GetContext(ctx, &camera, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &camera, nil
}

// ListCameras returns every camera ordered by name
func (s *SQLiteDB) ListCameras(ctx context.Context) ([]Camera, error) {
	const op = "database.ListCameras"

	var cameras []Camera
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY name`, cameraColumns, camerasTable)
	if err := s.db.SelectContext(ctx, &cameras, query); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cameras, nil
}

// UpdateCameraStatus sets the camera's reachability status
func (s *SQLiteDB) UpdateCameraStatus(ctx context.Context, id string, status CameraStatus) error {
	const op = "database.UpdateCameraStatus"

	query := fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ?`, camerasTable)
	return s.execOne(ctx, op, query, status, id)
}

// TransitionCameraStatus moves the camera to status `to` only while it is in
// status `from`, and reports whether it did.
func (s *SQLiteDB) TransitionCameraStatus(ctx context.Context, id string, from, to CameraStatus) (bool, error) {
	const op = "database.TransitionCameraStatus"

	query := fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ? AND status = ?`, camerasTable)
	res, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

// UpdateCameraMode sets the camera's recording mode
func (s *SQLiteDB) UpdateCameraMode(ctx context.Context, id string, mode RecordingMode) error {
	const op = "database.UpdateCameraMode"

	if !mode.Valid() {
		return fmt.Errorf("%s: invalid recording mode %q", op, mode)
	}
	query := fmt.Sprintf(`UPDATE %s SET recording_mode = ? WHERE id = ?`, camerasTable)
	return s.execOne(ctx, op, query, mode, id)
}

// CreateCameraStream inserts a stream entry for a camera
func (s *SQLiteDB) CreateCameraStream(ctx context.Context, stream CameraStream) error {
	const op = "database.CreateCameraStream"

	query := fmt.Sprintf(`INSERT INTO %s (id, camera_id, kind, url, is_default) VALUES (?, ?, ?, ?, ?)`, streamsTable)
	_, err := s.db.ExecContext(ctx, query, stream.ID, stream.CameraID, stream.Kind, stream.URL, boolToInt(stream.IsDefault))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// CameraStreams lists the camera's streams, default entries first
func (s *SQLiteDB) CameraStreams(ctx context.Context, cameraID string) ([]CameraStream, error) {
	const op = "database.CameraStreams"

	var streams []CameraStream
	query := fmt.Sprintf(`SELECT id, camera_id, kind, url, is_default FROM %s
		WHERE camera_id = ? ORDER BY is_default DESC, id`, streamsTable)
	if err := s.db.SelectContext(ctx, &streams, query, cameraID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return streams, nil
}

// execOne runs an UPDATE/DELETE and maps "no row affected" to ErrNotFound
func (s *SQLiteDB) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
