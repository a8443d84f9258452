package http

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// PlaybackHandler serves the HLS artifacts. Every fetch is gated by a
// playback token carried either in the "token" query parameter (the
// form HLS players can actually send) or a Bearer header.
type PlaybackHandler struct {
	orchestrator ports.StreamOrchestrator
	tokens       ports.TokenAuthority
	outputRoot   string
}

func NewPlaybackHandler(
	orchestrator ports.StreamOrchestrator,
	tokens ports.TokenAuthority,
	outputRoot string,
) *PlaybackHandler {
	return &PlaybackHandler{
		orchestrator: orchestrator,
		tokens:       tokens,
		outputRoot:   outputRoot,
	}
}

func (h *PlaybackHandler) SetupRoutes(router *gin.Engine) {
	hls := router.Group("/hls")
	{
		hls.GET("/:id/playlist.m3u8", h.ServePlaylist)
		hls.GET("/:id/:segment", h.ServeSegment)
	}
}

func (h *PlaybackHandler) extractToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// authorize validates the token and checks it was minted for this
// stream. A valid token for stream A never opens stream B.
func (h *PlaybackHandler) authorize(c *gin.Context) (domain.StreamID, bool) {
	streamID := domain.StreamID(c.Param("id"))

	token := h.extractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "playback token required"})
		return "", false
	}

	tokenStream, session, err := h.tokens.Validate(token, c.Request.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTokenExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
		case errors.Is(err, domain.ErrTokenAddressMismatch):
			c.JSON(http.StatusForbidden, gin.H{"error": "token bound to another address"})
		default:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		}
		return "", false
	}

	if tokenStream != streamID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token issued for another stream"})
		return "", false
	}

	// A playlist fetch is viewer presence just like an explicit
	// heartbeat; the session identity rides in the token.
	_ = h.orchestrator.Heartbeat(c.Request.Context(), streamID, session)

	return streamID, true
}

func (h *PlaybackHandler) ServePlaylist(c *gin.Context) {
	streamID, ok := h.authorize(c)
	if !ok {
		return
	}

	path := filepath.Join(h.outputRoot, string(streamID), "playlist.m3u8")
	c.Header("Cache-Control", "no-cache")
	c.File(path)
}

func (h *PlaybackHandler) ServeSegment(c *gin.Context) {
	streamID, ok := h.authorize(c)
	if !ok {
		return
	}

	segment := c.Param("segment")
	// Reject anything but the flat segment names ffmpeg writes.
	if segment != filepath.Base(segment) || !strings.HasSuffix(segment, ".ts") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment name"})
		return
	}

	path := filepath.Join(h.outputRoot, string(streamID), segment)
	c.File(path)
}
