package domain

import (
	"time"
)

type StreamID string
type SessionID string

// Mode controls when a stream's worker process should exist.
type Mode string

const (
	ModeAlwaysOn Mode = "always_on"
	ModeOnDemand Mode = "on_demand"
	ModeSmart    Mode = "smart"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeAlwaysOn, ModeOnDemand, ModeSmart:
		return true
	}
	return false
}

// LatencyMode selects the buffering/segmenting profile for the worker.
type LatencyMode string

const (
	LatencyStable LatencyMode = "stable"
	LatencyLow    LatencyMode = "low"
)

type Status string

const (
	StatusStopped      Status = "stopped"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusError        Status = "error"
	StatusReconnecting Status = "reconnecting"
)

// Active reports whether the status implies a live worker process
// (and therefore an occupied admission slot).
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusReconnecting:
		return true
	}
	return false
}

// StreamRecord is the static configuration of one camera stream.
// Live status is owned by the orchestrator and exposed only through
// StreamSnapshot; catalog layers never mutate it directly.
type StreamRecord struct {
	ID               StreamID          `json:"id"`
	Name             string            `json:"name"`
	Group            string            `json:"group,omitempty"`
	RTSPURL          string            `json:"rtsp_url"`
	SubURL           string            `json:"sub_url,omitempty"`
	Mode             Mode              `json:"mode"`
	KeepAliveSeconds int               `json:"keep_alive_seconds"`
	UseTranscode     bool              `json:"use_transcode"`
	LatencyMode      LatencyMode       `json:"latency_mode"`
	FFmpegOverrides  map[string]string `json:"ffmpeg_overrides,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

func (r *StreamRecord) Clone() *StreamRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.FFmpegOverrides != nil {
		out.FFmpegOverrides = make(map[string]string, len(r.FFmpegOverrides))
		for k, v := range r.FFmpegOverrides {
			out.FFmpegOverrides[k] = v
		}
	}
	return &out
}

// StreamSnapshot is the read-only projection of a stream's live state
// handed to API/UI layers.
type StreamSnapshot struct {
	ID             StreamID   `json:"id"`
	Name           string     `json:"name"`
	Group          string     `json:"group,omitempty"`
	Mode           Mode       `json:"mode"`
	Status         Status     `json:"status"`
	PID            *int       `json:"pid,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	ReconnectCount int        `json:"reconnect_count"`
	LastError      string     `json:"last_error,omitempty"`
	ViewerCount    int        `json:"viewer_count"`
}

// BatchResult reports the outcome of one item in a batch operation.
// Partial failure is always reported per item.
type BatchResult struct {
	ID      StreamID `json:"id"`
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
}

type BatchSummary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Results   []BatchResult `json:"results"`
}

func Summarize(results []BatchResult) BatchSummary {
	s := BatchSummary{Total: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}
