package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"vms-recorder/config"
	"vms-recorder/database"
	"vms-recorder/monitoring"
	"vms-recorder/recording"
	"vms-recorder/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Store is the catalog surface exposed over HTTP
type Store interface {
	GetCamera(ctx context.Context, id string) (*database.Camera, error)
	GetSegment(ctx context.Context, id string) (*database.RecordingSegment, error)
	SegmentsByCamera(ctx context.Context, cameraID string, from, to time.Time) ([]database.RecordingSegment, error)
	SetArchived(ctx context.Context, id string, archived bool) error
}

// Recorder is the capture control surface exposed over HTTP
type Recorder interface {
	Start(ctx context.Context, cameraID, sourceURL, serverID string, tuning recording.Tuning) error
	Stop(ctx context.Context, cameraID string) error
	IsActive(cameraID string) bool
	State(cameraID string) recording.State
	Capture(cameraID string) (recording.ActiveCapture, bool)
	Active() []recording.ActiveCapture
	BackoffRemaining(cameraID string) time.Duration
}

// SourceResolver picks the capture URL of a camera
type SourceResolver interface {
	ResolveSource(ctx context.Context, cam database.Camera) (recording.Source, error)
}

// Locations manages the storage location registry
type Locations interface {
	Register(ctx context.Context, loc database.StorageLocation) (*database.StorageLocation, error)
	Stats(ctx context.Context) ([]storage.LocationStats, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// ResourceReporter reports the recorder's own resource use
type ResourceReporter interface {
	Usage(ctx context.Context) (monitoring.ResourceUsage, error)
}

// Deps groups the collaborators of the HTTP server
type Deps struct {
	Store     Store
	Recorder  Recorder
	Resolver  SourceResolver
	Locations Locations
	Resources ResourceReporter // optional
	Tuning    recording.Tuning
}

type Server struct {
	cfg  config.HTTPServer
	deps Deps
	log  logrus.FieldLogger
	srv  *http.Server
}

func NewServer(cfg config.HTTPServer, deps Deps, log logrus.FieldLogger) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.WithField("module", "api"),
	}
	s.srv = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.Router(),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}
	return s
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	s.log.WithField("address", s.cfg.Address).Info("starting API server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.setupCORS(r)
	s.setupRoutes(r)
	return r
}

func (s *Server) setupCORS(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/cameras/:id/segments", s.listSegments)
		api.GET("/cameras/:id/recording", s.getRecording)
		api.POST("/cameras/:id/recording/start", s.startRecording)
		api.POST("/cameras/:id/recording/stop", s.stopRecording)
		api.GET("/recordings/active", s.listActive)

		api.GET("/segments/:id", s.getSegment)
		api.PUT("/segments/:id/archive", s.setArchived)

		api.GET("/storage/locations", s.listLocations)
		api.POST("/storage/locations", s.registerLocation)
		api.PUT("/storage/locations/:id/enabled", s.setLocationEnabled)

		api.GET("/system/resources", s.getResources)
	}
}

// requestLogger logs one line per request through logrus
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request failed")
		case c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health":
			entry.Trace("request served")
		default:
			entry.Debug("request served")
		}
	}
}
