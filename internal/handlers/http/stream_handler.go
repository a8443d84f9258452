package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	apperrors "camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type StreamHandler struct {
	catalog      ports.StreamRepository
	orchestrator ports.StreamOrchestrator
	tokens       ports.TokenAuthority
	tokenTTL     time.Duration
}

func NewStreamHandler(
	catalog ports.StreamRepository,
	orchestrator ports.StreamOrchestrator,
	tokens ports.TokenAuthority,
	tokenTTL time.Duration,
) *StreamHandler {
	return &StreamHandler{
		catalog:      catalog,
		orchestrator: orchestrator,
		tokens:       tokens,
		tokenTTL:     tokenTTL,
	}
}

func (h *StreamHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/streams", h.CreateStream)
	api.GET("/streams", h.ListStreams)
	api.GET("/streams/:id", h.GetStream)
	api.PUT("/streams/:id", h.UpdateStream)
	api.DELETE("/streams/:id", h.DeleteStream)

	api.POST("/streams/:id/start", h.StartStream)
	api.POST("/streams/:id/stop", h.StopStream)
	api.POST("/streams/:id/restart", h.RestartStream)
	api.GET("/streams/:id/status", h.GetStreamStatus)

	api.POST("/streams/batch/start", h.BatchStart)
	api.POST("/streams/batch/stop", h.BatchStop)
	api.POST("/streams/batch/restart", h.BatchRestart)

	api.POST("/streams/:id/token", h.IssuePlaybackToken)
	api.POST("/streams/:id/heartbeat", h.Heartbeat)
	api.POST("/streams/:id/disconnect", h.Disconnect)

	api.GET("/groups", h.ListGroups)
}

type streamRequest struct {
	ID               string            `json:"id"`
	Name             string            `json:"name" binding:"required,min=1,max=100"`
	Group            string            `json:"group"`
	RTSPURL          string            `json:"rtsp_url" binding:"required,min=7"`
	SubURL           string            `json:"sub_url"`
	Mode             string            `json:"mode"`
	KeepAliveSeconds int               `json:"keep_alive_seconds" binding:"min=0,max=86400"`
	UseTranscode     bool              `json:"use_transcode"`
	LatencyMode      string            `json:"latency_mode"`
	FFmpegOverrides  map[string]string `json:"ffmpeg_overrides"`
}

func (r *streamRequest) toRecord(id domain.StreamID) (*domain.StreamRecord, error) {
	if err := validation.ValidateStreamID(string(id)); err != nil {
		return nil, err
	}
	if err := validation.ValidateStreamName(r.Name); err != nil {
		return nil, err
	}
	if err := validation.ValidateGroup(r.Group); err != nil {
		return nil, err
	}
	if err := validation.ValidateRTSPURL(r.RTSPURL); err != nil {
		return nil, err
	}
	if r.SubURL != "" {
		if err := validation.ValidateRTSPURL(r.SubURL); err != nil {
			return nil, fmt.Errorf("sub_url: %w", err)
		}
	}
	if err := validation.ValidateKeepAlive(r.KeepAliveSeconds); err != nil {
		return nil, err
	}

	mode := domain.Mode(r.Mode)
	if r.Mode == "" {
		mode = domain.ModeOnDemand
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid mode: %s", r.Mode)
	}

	latency := domain.LatencyMode(r.LatencyMode)
	if r.LatencyMode == "" {
		latency = domain.LatencyStable
	}
	if latency != domain.LatencyStable && latency != domain.LatencyLow {
		return nil, fmt.Errorf("invalid latency_mode: %s", r.LatencyMode)
	}

	return &domain.StreamRecord{
		ID:               id,
		Name:             r.Name,
		Group:            r.Group,
		RTSPURL:          r.RTSPURL,
		SubURL:           r.SubURL,
		Mode:             mode,
		KeepAliveSeconds: r.KeepAliveSeconds,
		UseTranscode:     r.UseTranscode,
		LatencyMode:      latency,
		FFmpegOverrides:  r.FFmpegOverrides,
		CreatedAt:        time.Now(),
	}, nil
}

func (h *StreamHandler) CreateStream(c *gin.Context) {
	var req streamRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := domain.StreamID(req.ID)
	if id == "" {
		id = domain.StreamID(uuid.New().String())
	}

	rec, err := req.toRecord(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.catalog.Create(c.Request.Context(), rec); err != nil {
		if errors.Is(err, domain.ErrStreamExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "stream already exists"})
			return
		}
		internalError(c, err)
		return
	}

	// always_on streams start as soon as they are configured. The
	// request context would die with this handler, so use a fresh one.
	if rec.Mode == domain.ModeAlwaysOn {
		go func() {
			_ = h.orchestrator.StartStream(context.Background(), rec.ID)
		}()
	}

	c.JSON(http.StatusCreated, gin.H{
		"stream": rec,
	})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	rec, err := h.catalog.GetByID(c.Request.Context(), streamID)
	if err != nil {
		if errors.Is(err, domain.ErrStreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
			return
		}
		internalError(c, err)
		return
	}

	snap, err := h.orchestrator.Snapshot(streamID)
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream": rec,
		"status": snap,
	})
}

func (h *StreamHandler) UpdateStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	var req streamRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existing, err := h.catalog.GetByID(c.Request.Context(), streamID)
	if err != nil {
		if errors.Is(err, domain.ErrStreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
			return
		}
		internalError(c, err)
		return
	}

	rec, err := req.toRecord(streamID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec.CreatedAt = existing.CreatedAt

	if err := h.catalog.Update(c.Request.Context(), rec); err != nil {
		internalError(c, err)
		return
	}

	// Updates apply on the next start; a running worker keeps its
	// current command line until restarted.
	c.JSON(http.StatusOK, gin.H{
		"stream": rec,
	})
}

func (h *StreamHandler) DeleteStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	if err := h.orchestrator.RemoveStream(c.Request.Context(), streamID); err != nil {
		if errors.Is(err, domain.ErrStreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "deleted",
	})
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	group := c.Query("group")

	snapshots := h.orchestrator.Snapshots()
	if group != "" {
		filtered := snapshots[:0]
		for _, snap := range snapshots {
			if snap.Group == group {
				filtered = append(filtered, snap)
			}
		}
		snapshots = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"streams": snapshots,
	})
}

func (h *StreamHandler) StartStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	if err := h.orchestrator.StartStream(c.Request.Context(), streamID); err != nil {
		switch {
		case errors.Is(err, domain.ErrStreamNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		case errors.Is(err, domain.ErrAdmissionDenied):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no free worker slot"})
		case errors.Is(err, domain.ErrSpawnFailed):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "starting",
	})
}

func (h *StreamHandler) StopStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	if err := h.orchestrator.StopStream(c.Request.Context(), streamID); err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "stopped",
	})
}

func (h *StreamHandler) RestartStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	if err := h.orchestrator.RestartStream(c.Request.Context(), streamID); err != nil {
		switch {
		case errors.Is(err, domain.ErrStreamNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		case errors.Is(err, domain.ErrAdmissionDenied):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no free worker slot"})
		default:
			internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "restarting",
	})
}

func (h *StreamHandler) GetStreamStatus(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	snap, err := h.orchestrator.Snapshot(streamID)
	if err != nil {
		if errors.Is(err, domain.ErrStreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": snap,
	})
}

type batchRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,max=100"`
}

func (r *batchRequest) streamIDs() []domain.StreamID {
	ids := make([]domain.StreamID, 0, len(r.IDs))
	for _, id := range r.IDs {
		ids = append(ids, domain.StreamID(id))
	}
	return ids
}

func (h *StreamHandler) BatchStart(c *gin.Context) {
	var req batchRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary := h.orchestrator.BatchStart(c.Request.Context(), req.streamIDs())
	c.JSON(http.StatusOK, summary)
}

func (h *StreamHandler) BatchStop(c *gin.Context) {
	var req batchRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary := h.orchestrator.BatchStop(c.Request.Context(), req.streamIDs())
	c.JSON(http.StatusOK, summary)
}

func (h *StreamHandler) BatchRestart(c *gin.Context) {
	var req batchRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary := h.orchestrator.BatchRestart(c.Request.Context(), req.streamIDs())
	c.JSON(http.StatusOK, summary)
}

func (h *StreamHandler) IssuePlaybackToken(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	var req struct {
		TTLSeconds  int    `json:"ttl_seconds" binding:"min=0,max=86400"`
		BindAddress string `json:"bind_address"`
	}
	// Body is optional; defaults cover the common case.
	_ = c.ShouldBindJSON(&req)

	if _, err := h.catalog.GetByID(c.Request.Context(), streamID); err != nil {
		if errors.Is(err, domain.ErrStreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
			return
		}
		internalError(c, err)
		return
	}

	ttl := h.tokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	token, err := h.tokens.Issue(streamID, ttl, req.BindAddress)
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": time.Now().Add(ttl).Unix(),
		"playlist":   fmt.Sprintf("/hls/%s/playlist.m3u8?token=%s", streamID, token),
	})
}

func (h *StreamHandler) Heartbeat(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	var req struct {
		SessionID string `json:"session_id" binding:"required,min=1,max=128"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.orchestrator.Heartbeat(c.Request.Context(), streamID, domain.SessionID(req.SessionID)); err != nil {
		if errors.Is(err, domain.ErrStreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}

func (h *StreamHandler) Disconnect(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	var req struct {
		SessionID string `json:"session_id" binding:"required,min=1,max=128"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.orchestrator.Disconnect(streamID, domain.SessionID(req.SessionID))

	c.JSON(http.StatusOK, gin.H{
		"status": "disconnected",
	})
}

func (h *StreamHandler) ListGroups(c *gin.Context) {
	records, err := h.catalog.List(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}

	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.Group]++
	}

	groups := make([]gin.H, 0, len(counts))
	for name, n := range counts {
		groups = append(groups, gin.H{"name": name, "streams": n})
	}

	c.JSON(http.StatusOK, gin.H{
		"groups": groups,
	})
}

// internalError hands the failure to the error handler middleware,
// which logs it and renders the coded 500 response.
func internalError(c *gin.Context, err error) {
	_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, err.Error(), http.StatusInternalServerError))
	c.Abort()
}
