package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Environments accepted in VMS_ENV
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Config contains all configuration for the recorder
type Config struct {
	Env          string `yaml:"env" env:"VMS_ENV" env-default:"local"`
	ServerID     string `yaml:"server_id" env:"VMS_SERVER_ID"`
	DatabasePath string `yaml:"database_path" env:"DATABASE_PATH" env-default:"./data/vms.db"`
	StoragePath  string `yaml:"storage_path" env:"STORAGE_PATH" env-default:"./recordings"` // fallback when no location is writable

	HTTP      HTTPServer `yaml:"http_server"`
	Capture   Capture    `yaml:"capture"`
	Storage   Storage    `yaml:"storage"`
	Intervals Intervals  `yaml:"intervals"`
	Batches   Batches    `yaml:"batches"`
}

// HTTPServer configures the collaborator API
type HTTPServer struct {
	Address     string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":3000"`
	ReadTimeout time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
}

// Capture configures the capture processes
type Capture struct {
	FFmpegPath       string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH" env-default:"ffmpeg"`
	FFprobePath      string        `yaml:"ffprobe_path" env:"FFPROBE_PATH" env-default:"ffprobe"`
	SegmentDuration  time.Duration `yaml:"segment_duration" env:"SEGMENT_DURATION" env-default:"60s"`
	Extension        string        `yaml:"segment_extension" env:"SEGMENT_EXTENSION" env-default:"mp4"`
	RTSPTransport    string        `yaml:"rtsp_transport" env:"RTSP_TRANSPORT" env-default:"tcp"`
	StopGrace        time.Duration `yaml:"stop_grace" env:"CAPTURE_STOP_GRACE" env-default:"10s"`
	IndexerDebounce  time.Duration `yaml:"indexer_debounce" env:"INDEXER_DEBOUNCE" env-default:"2s"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" env:"CAMERA_PROBE_TIMEOUT" env-default:"5s"`
	BackoffInitial   time.Duration `yaml:"backoff_initial" env:"CAPTURE_BACKOFF_INITIAL" env-default:"1s"`
	BackoffMax       time.Duration `yaml:"backoff_max" env:"CAPTURE_BACKOFF_MAX" env-default:"5m"`
	BackoffStableRun time.Duration `yaml:"backoff_stable_run" env:"CAPTURE_BACKOFF_STABLE_RUN" env-default:"2m"`
	Parallel         int           `yaml:"parallel" env:"CAPTURE_PARALLEL" env-default:"4"`
}

// Storage configures the location registry
type Storage struct {
	DefaultReservedPercent float64       `yaml:"default_reserved_percent" env:"DEFAULT_RESERVED_PERCENT" env-default:"10"`
	ProbeTimeout           time.Duration `yaml:"disk_probe_timeout" env:"DISK_PROBE_TIMEOUT" env-default:"3s"`
	FailureThreshold       int           `yaml:"failure_threshold" env:"LOCATION_FAILURE_THRESHOLD" env-default:"3"`
	ChecksumWorkers        int           `yaml:"checksum_workers" env:"CHECKSUM_WORKERS" env-default:"2"`
}

// Intervals sets the cadence of each background loop
type Intervals struct {
	Reconcile    time.Duration `yaml:"reconcile" env:"RECONCILE_INTERVAL" env-default:"10s"`
	Schedule     time.Duration `yaml:"schedule" env:"SCHEDULE_INTERVAL" env-default:"60s"`
	Retention    time.Duration `yaml:"retention" env:"RETENTION_INTERVAL" env-default:"1h"`
	Watchdog     time.Duration `yaml:"watchdog" env:"WATCHDOG_INTERVAL" env-default:"60s"`
	Backfill     time.Duration `yaml:"backfill" env:"BACKFILL_INTERVAL" env-default:"10m"`
	Verify       time.Duration `yaml:"verify" env:"VERIFY_INTERVAL" env-default:"4h"`
	Status       time.Duration `yaml:"status" env:"STATUS_INTERVAL" env-default:"30s"`
	Resources    time.Duration `yaml:"resources" env:"RESOURCE_MONITOR_INTERVAL" env-default:"30s"`
	StartupDelay time.Duration `yaml:"startup_delay" env:"STARTUP_DELAY" env-default:"5s"`
}

// Batches bounds how many rows one loop pass touches
type Batches struct {
	Recycle   int `yaml:"recycle" env:"RECYCLE_BATCH_SIZE" env-default:"50"`
	Backfill  int `yaml:"backfill" env:"BACKFILL_BATCH_SIZE" env-default:"100"`
	Verify    int `yaml:"verify" env:"VERIFY_BATCH_SIZE" env-default:"500"`
	Retention int `yaml:"retention" env:"RETENTION_BATCH_SIZE" env-default:"500"`
}

// MustLoad loads the configuration and panics if it is invalid
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	return cfg
}

// Load reads .env (if present), then the YAML file named by CONFIG_PATH (if
// set), then the environment, which wins over both.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the recorder cannot run with
func (c *Config) Validate() error {
	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		return fmt.Errorf("invalid env %q", c.Env)
	}
	if c.DatabasePath == "" || c.StoragePath == "" {
		return errors.New("database path and storage path are required")
	}
	switch c.Capture.RTSPTransport {
	case "tcp", "udp":
	default:
		return fmt.Errorf("invalid rtsp transport %q", c.Capture.RTSPTransport)
	}
	if c.Capture.Extension == "" {
		return errors.New("segment extension is required")
	}
	if c.Capture.SegmentDuration < time.Second {
		return fmt.Errorf("segment duration %s is too short", c.Capture.SegmentDuration)
	}
	if c.Storage.DefaultReservedPercent < 0 || c.Storage.DefaultReservedPercent >= 100 {
		return fmt.Errorf("default reserved percent %.1f out of range", c.Storage.DefaultReservedPercent)
	}

	intervals := map[string]time.Duration{
		"reconcile": c.Intervals.Reconcile,
		"schedule":  c.Intervals.Schedule,
		"retention": c.Intervals.Retention,
		"watchdog":  c.Intervals.Watchdog,
		"backfill":  c.Intervals.Backfill,
		"verify":    c.Intervals.Verify,
		"status":    c.Intervals.Status,
		"resources": c.Intervals.Resources,
	}
	for name, d := range intervals {
		if d < time.Second {
			return fmt.Errorf("%s interval %s must be at least 1s", name, d)
		}
	}
	return nil
}
