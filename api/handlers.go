package api

import (
	"errors"
	"net/http"
	"time"

	"vms-recorder/database"
	"vms-recorder/recording"
	"vms-recorder/storage"

	"github.com/gin-gonic/gin"
)

// maxSegmentRange caps a single catalog query
const maxSegmentRange = 7 * 24 * time.Hour

func (s *Server) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"active_captures": len(s.deps.Recorder.Active()),
	})
}

// listSegments returns the catalog rows of a camera overlapping [from, to).
// Both bounds are RFC3339; the default window is the last hour.
func (s *Server) listSegments(c *gin.Context) {
	cameraID := c.Param("id")

	to := time.Now()
	from := to.Add(-time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from, expected RFC3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to, expected RFC3339"})
			return
		}
	}
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}
	if to.Sub(from) > maxSegmentRange {
		c.JSON(http.StatusBadRequest, gin.H{"error": "range too large, maximum is 7 days"})
		return
	}

	segs, err := s.deps.Store.SegmentsByCamera(c.Request.Context(), cameraID, from, to)
	if err != nil {
		s.internalError(c, err, "failed to query segments")
		return
	}
	if segs == nil {
		segs = []database.RecordingSegment{}
	}
	c.JSON(http.StatusOK, gin.H{
		"camera_id": cameraID,
		"from":      from.UTC().Format(time.RFC3339),
		"to":        to.UTC().Format(time.RFC3339),
		"segments":  segs,
	})
}

func (s *Server) getSegment(c *gin.Context) {
	seg, err := s.deps.Store.GetSegment(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "segment not found"})
		return
	}
	if err != nil {
		s.internalError(c, err, "failed to load segment")
		return
	}
	c.JSON(http.StatusOK, seg)
}

type archiveRequest struct {
	Archived *bool `json:"archived" binding:"required"`
}

// setArchived places or lifts the evidence lock of a segment. Archived
// segments are skipped by retention and recycling.
func (s *Server) setArchived(c *gin.Context) {
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archived flag is required"})
		return
	}

	id := c.Param("id")
	err := s.deps.Store.SetArchived(c.Request.Context(), id, *req.Archived)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "segment not found"})
		return
	}
	if err != nil {
		s.internalError(c, err, "failed to update segment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "archived": *req.Archived})
}

func (s *Server) getRecording(c *gin.Context) {
	cameraID := c.Param("id")
	resp := gin.H{
		"camera_id": cameraID,
		"active":    s.deps.Recorder.IsActive(cameraID),
		"state":     s.deps.Recorder.State(cameraID),
	}
	if capture, ok := s.deps.Recorder.Capture(cameraID); ok {
		resp["capture"] = capture
	}
	if wait := s.deps.Recorder.BackoffRemaining(cameraID); wait > 0 {
		resp["retry_after_seconds"] = int(wait.Seconds() + 0.5)
	}
	c.JSON(http.StatusOK, resp)
}

// startRecording starts a manual capture. The reconciliation loop still
// applies the camera's recording mode on its next pass.
func (s *Server) startRecording(c *gin.Context) {
	ctx := c.Request.Context()
	cam, err := s.deps.Store.GetCamera(ctx, c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
		return
	}
	if err != nil {
		s.internalError(c, err, "failed to load camera")
		return
	}

	src, err := s.deps.Resolver.ResolveSource(ctx, *cam)
	if err != nil {
		if errors.Is(err, recording.ErrNoSourceURL) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "camera has no usable source url"})
			return
		}
		s.internalError(c, err, "failed to resolve source")
		return
	}

	tuning := s.deps.Tuning
	tuning.StreamID = src.StreamID
	err = s.deps.Recorder.Start(ctx, cam.ID, src.URL, cam.ServerID, tuning)
	switch {
	case err == nil:
	case errors.Is(err, recording.ErrBackoff):
		wait := s.deps.Recorder.BackoffRemaining(cam.ID)
		c.JSON(http.StatusConflict, gin.H{
			"error":               "capture crashed recently, restart is backing off",
			"retry_after_seconds": int(wait.Seconds() + 0.5),
		})
		return
	case errors.Is(err, storage.ErrNoCandidate):
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": "no writable storage location"})
		return
	default:
		s.internalError(c, err, "failed to start capture")
		return
	}

	resp := gin.H{"camera_id": cam.ID, "active": true}
	if capture, ok := s.deps.Recorder.Capture(cam.ID); ok {
		resp["capture"] = capture
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) stopRecording(c *gin.Context) {
	cameraID := c.Param("id")
	if err := s.deps.Recorder.Stop(c.Request.Context(), cameraID); err != nil {
		s.internalError(c, err, "failed to stop capture")
		return
	}
	c.JSON(http.StatusOK, gin.H{"camera_id": cameraID, "active": false})
}

func (s *Server) listActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"captures": s.deps.Recorder.Active()})
}

func (s *Server) listLocations(c *gin.Context) {
	stats, err := s.deps.Locations.Stats(c.Request.Context())
	if err != nil {
		s.internalError(c, err, "failed to read storage locations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": stats})
}

type registerLocationRequest struct {
	Path            string            `json:"path" binding:"required"`
	RWPolicy        database.RWPolicy `json:"rw_policy"`
	ReservedBytes   *int64            `json:"reserved_bytes"`
	ReservedPercent float64           `json:"reserved_percent"`
	Enabled         *bool             `json:"enabled"`
}

func (s *Server) registerLocation(c *gin.Context) {
	var req registerLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	if req.RWPolicy != "" && req.RWPolicy != database.ReadWrite && req.RWPolicy != database.ReadOnly {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rw_policy must be read_write or read_only"})
		return
	}
	if req.ReservedPercent < 0 || req.ReservedPercent >= 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reserved_percent out of range"})
		return
	}

	loc := database.StorageLocation{
		Path:            req.Path,
		RWPolicy:        req.RWPolicy,
		ReservedBytes:   req.ReservedBytes,
		ReservedPercent: req.ReservedPercent,
		Enabled:         req.Enabled == nil || *req.Enabled,
	}
	created, err := s.deps.Locations.Register(c.Request.Context(), loc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) setLocationEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled flag is required"})
		return
	}
	id := c.Param("id")
	err := s.deps.Locations.SetEnabled(c.Request.Context(), id, *req.Enabled)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "storage location not found"})
		return
	}
	if err != nil {
		s.internalError(c, err, "failed to update storage location")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *req.Enabled})
}

func (s *Server) getResources(c *gin.Context) {
	if s.deps.Resources == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "resource monitor disabled"})
		return
	}
	usage, err := s.deps.Resources.Usage(c.Request.Context())
	if err != nil {
		s.internalError(c, err, "failed to read resource usage")
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) internalError(c *gin.Context, err error, msg string) {
	s.log.WithError(err).WithField("path", c.FullPath()).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
