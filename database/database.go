package database

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// RecordingMode is the desired recording behaviour of a camera
type RecordingMode string

const (
	ModeAlways       RecordingMode = "always"         // Continuous capture
	ModeMotionOnly   RecordingMode = "motion_only"    // Continuous capture, motion metadata for the event pipeline
	ModeObjects      RecordingMode = "objects"        // Continuous capture, object metadata for the event pipeline
	ModeMotionLowRes RecordingMode = "motion_low_res" // Not acted on by the capture engine
	ModeDoNotRecord  RecordingMode = "do_not_record"  // Capture must be stopped
)

// ShouldRecord reports whether the mode keeps a continuous capture running.
func (m RecordingMode) ShouldRecord() bool {
	switch m {
	case ModeAlways, ModeMotionOnly, ModeObjects:
		return true
	}
	return false
}

// Valid reports whether m is one of the known modes
func (m RecordingMode) Valid() bool {
	switch m {
	case ModeAlways, ModeMotionOnly, ModeObjects, ModeMotionLowRes, ModeDoNotRecord:
		return true
	}
	return false
}

// CameraStatus represents reachability / capture state of a camera
type CameraStatus string

const (
	CameraOnline    CameraStatus = "online"    // Reachable, not capturing
	CameraRecording CameraStatus = "recording" // Reachable and capturing
	CameraOffline   CameraStatus = "offline"   // Probe failed
	CameraError     CameraStatus = "error"     // Capture process failed
)

// LocationStatus is the health of a storage location
type LocationStatus string

const (
	LocationOnline   LocationStatus = "online"
	LocationDegraded LocationStatus = "degraded"
	LocationError    LocationStatus = "error"
	LocationOffline  LocationStatus = "offline"
)

// RWPolicy controls whether new footage may be written to a location
type RWPolicy string

const (
	ReadWrite RWPolicy = "read_write"
	ReadOnly  RWPolicy = "read_only"
)

// StreamKind is the transport type of a camera stream entry
type StreamKind string

const (
	StreamRTSP  StreamKind = "rtsp"
	StreamHTTP  StreamKind = "http"
	StreamHLS   StreamKind = "hls"
	StreamOther StreamKind = "other"
)

// Server is a recording host. Host and RestreamPort point at the restreamer
// running next to the recorder.
type Server struct {
	ID           string `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	Host         string `json:"host" db:"host"`
	RestreamPort int    `json:"restreamPort" db:"restream_port"`
}

// Camera is one physical or logical video source
type Camera struct {
	ID            string        `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	ServerID      string        `json:"serverId" db:"server_id"`
	SourceURL     string        `json:"sourceUrl" db:"source_url"`
	RecordingMode RecordingMode `json:"recordingMode" db:"recording_mode"`
	RetentionDays int           `json:"retentionDays" db:"retention_days"`
	Status        CameraStatus  `json:"status" db:"status"`
	Host          string        `json:"host" db:"host"`
	Port          int           `json:"port" db:"port"`
	Username      string        `json:"username" db:"username"`
	Password      string        `json:"-" db:"password"`
	Manufacturer  string        `json:"manufacturer" db:"manufacturer"`
}

// CameraStream is one addressable stream of a camera
type CameraStream struct {
	ID        string     `json:"id" db:"id"`
	CameraID  string     `json:"cameraId" db:"camera_id"`
	Kind      StreamKind `json:"kind" db:"kind"`
	URL       string     `json:"url" db:"url"`
	IsDefault bool       `json:"isDefault" db:"is_default"`
}

// StorageLocation is one disk or mount on a server
type StorageLocation struct {
	ID              string         `json:"id"`
	ServerID        string         `json:"serverId"`
	Path            string         `json:"path"`
	RWPolicy        RWPolicy       `json:"rwPolicy"`
	ReservedBytes   *int64         `json:"reservedBytes"`   // Absolute floor, overrides ReservedPercent
	ReservedPercent float64        `json:"reservedPercent"` // Floor as a percentage of TotalBytes
	TotalBytes      int64          `json:"totalBytes"`
	Enabled         bool           `json:"enabled"`
	Status          LocationStatus `json:"status"`
	LastProbeAt     *time.Time     `json:"lastProbeAt"`
}

// Writable reports whether the allocator may choose this location
func (l StorageLocation) Writable() bool {
	return l.RWPolicy == ReadWrite && l.Enabled && l.Status == LocationOnline
}

// RecordingSegment is one finished chunk of continuous video
type RecordingSegment struct {
	ID            string        `json:"id"`
	StreamID      string        `json:"streamId"`
	CameraID      string        `json:"cameraId"`
	LocationID    string        `json:"locationId"` // Empty when written to the default path
	StartTime     time.Time     `json:"startTime"`
	EndTime       time.Time     `json:"endTime"`
	FilePath      string        `json:"filePath"`
	FileSize      int64         `json:"fileSize"`
	Duration      time.Duration `json:"duration"`
	Checksum      *string       `json:"checksum"`
	VerifiedAt    *time.Time    `json:"verifiedAt"`
	ThumbnailPath string        `json:"thumbnailPath"`
	Archived      bool          `json:"archived"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// ScheduleEntry is the desired mode for one (camera, weekday, hour) cell
type ScheduleEntry struct {
	CameraID  string        `json:"cameraId" db:"camera_id"`
	DayOfWeek time.Weekday  `json:"dayOfWeek" db:"day_of_week"`
	Hour      int           `json:"hour" db:"hour"`
	Mode      RecordingMode `json:"mode" db:"mode"`
}

// CameraStore reads and mutates cameras, their streams and servers
type CameraStore interface {
	CreateServer(ctx context.Context, server Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	CreateCamera(ctx context.Context, camera Camera) error
	GetCamera(ctx context.Context, id string) (*Camera, error)
	ListCameras(ctx context.Context) ([]Camera, error)
	UpdateCameraStatus(ctx context.Context, id string, status CameraStatus) error
	TransitionCameraStatus(ctx context.Context, id string, from, to CameraStatus) (bool, error)
	UpdateCameraMode(ctx context.Context, id string, mode RecordingMode) error
	CreateCameraStream(ctx context.Context, stream CameraStream) error
	CameraStreams(ctx context.Context, cameraID string) ([]CameraStream, error)
}

// LocationStore persists the storage location registry
type LocationStore interface {
	CreateLocation(ctx context.Context, loc StorageLocation) error
	GetLocation(ctx context.Context, id string) (*StorageLocation, error)
	ListLocations(ctx context.Context) ([]StorageLocation, error)
	LocationsByServer(ctx context.Context, serverID string) ([]StorageLocation, error)
	UpdateLocationHealth(ctx context.Context, id string, status LocationStatus, totalBytes int64, probedAt time.Time) error
	SetLocationEnabled(ctx context.Context, id string, enabled bool) error
}

// SegmentStore is the segment catalog
type SegmentStore interface {
	CreateSegment(ctx context.Context, seg RecordingSegment) error
	GetSegment(ctx context.Context, id string) (*RecordingSegment, error)
	SegmentsByCamera(ctx context.Context, cameraID string, from, to time.Time) ([]RecordingSegment, error)
	ExpiredSegments(ctx context.Context, cameraID string, cutoff time.Time, limit int) ([]RecordingSegment, error)
	OldestSegmentsUnderPath(ctx context.Context, root string, limit int) ([]RecordingSegment, error)
	SegmentsMissingChecksum(ctx context.Context, limit int) ([]RecordingSegment, error)
	SegmentsForVerification(ctx context.Context, limit int) ([]RecordingSegment, error)
	SetChecksum(ctx context.Context, id, checksum string) error
	MarkVerified(ctx context.Context, id string, at time.Time) error
	MarkAuditAttempt(ctx context.Context, id string, at time.Time) error
	SetArchived(ctx context.Context, id string, archived bool) error
	DeleteSegment(ctx context.Context, id string) (bool, error)
}

// ScheduleStore holds the weekly recording grid
type ScheduleStore interface {
	UpsertScheduleEntry(ctx context.Context, entry ScheduleEntry) error
	DeleteScheduleEntry(ctx context.Context, cameraID string, day time.Weekday, hour int) error
	GetScheduleEntry(ctx context.Context, cameraID string, day time.Weekday, hour int) (*ScheduleEntry, error)
	HasSchedule(ctx context.Context, cameraID string) (bool, error)
}

// Database defines the interface for database operations
type Database interface {
	CameraStore
	LocationStore
	SegmentStore
	ScheduleStore

	Close() error
}
