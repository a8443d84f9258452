package worker

import (
	"fmt"
	"path/filepath"

	"camrelay/internal/core/domain"
)

// Artifact names inside a stream's output directory. The playback
// layer serves exactly these paths.
const (
	PlaylistName   = "playlist.m3u8"
	SegmentPattern = "segment_%03d.ts"
)

// CommandConfig carries the HLS defaults applied when a record has no
// override for a knob.
type CommandConfig struct {
	FFmpegPath     string
	SegmentSeconds int
	PlaylistSize   int
}

// BuildArgs assembles the ffmpeg argument list for one stream. The
// record's policy picks copy vs. transcode and the latency profile;
// FFmpegOverrides win over every default.
func BuildArgs(rec *domain.StreamRecord, outputDir string, cfg CommandConfig) []string {
	ov := rec.FFmpegOverrides
	lowLatency := rec.LatencyMode == domain.LatencyLow
	if v, ok := ov["low_latency"]; ok {
		lowLatency = v == "true"
	}

	var args []string

	// Input
	if lowLatency {
		args = append(args,
			"-fflags", "nobuffer+flush_packets",
			"-flags", "low_delay",
			"-max_delay", "0",
			"-avioflags", "direct",
		)
	}
	args = append(args, "-rtsp_transport", override(ov, "rtsp_transport", "tcp"))
	args = append(args, "-rtsp_flags", "prefer_tcp")
	bufferSize := "1024000"
	if lowLatency {
		bufferSize = "512000"
	}
	args = append(args, "-buffer_size", override(ov, "buffer_size", bufferSize))
	args = append(args, "-timeout", override(ov, "timeout", "5000000"))
	args = append(args, "-y")

	source := rec.RTSPURL
	if rec.SubURL != "" && ov["use_sub"] == "true" {
		source = rec.SubURL
	}
	args = append(args, "-i", source)

	// Video
	if rec.UseTranscode || ov["transcode_video"] == "true" {
		args = append(args, "-c:v", "libx264")
		args = append(args, "-preset", override(ov, "preset", "ultrafast"))
		args = append(args, "-tune", override(ov, "tune", "zerolatency"))
		args = append(args, "-profile:v", override(ov, "profile", "baseline"))
		args = append(args, "-crf", override(ov, "crf", "23"))

		// Keyframe every segment so each segment starts decodable.
		keyframeInterval := 3
		if lowLatency {
			keyframeInterval = 1
		}
		args = append(args, "-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", keyframeInterval))

		if br, ok := ov["video_bitrate"]; ok {
			args = append(args, "-b:v", br, "-maxrate", br)
			args = append(args, "-bufsize", override(ov, "bufsize", "2M"))
		}
		if scale, ok := ov["scale"]; ok {
			args = append(args, "-vf", "scale="+scale)
		}
	} else {
		// Copy mode: near-zero CPU, relies on source keyframes.
		args = append(args, "-c:v", "copy")
	}

	// Audio
	switch {
	case ov["no_audio"] == "true":
		args = append(args, "-an")
	case ov["transcode_audio"] == "true":
		args = append(args, "-c:a", "aac")
		args = append(args, "-b:a", override(ov, "audio_bitrate", "128k"))
		args = append(args, "-ac", override(ov, "audio_channels", "2"))
	default:
		args = append(args, "-c:a", "copy")
	}

	// HLS output
	segmentSeconds := fmt.Sprintf("%d", cfg.SegmentSeconds)
	playlistSize := fmt.Sprintf("%d", cfg.PlaylistSize)
	hlsFlags := "delete_segments+append_list+omit_endlist"
	if lowLatency {
		segmentSeconds = "1"
		playlistSize = "4"
		hlsFlags = "delete_segments+append_list+omit_endlist+split_by_time"
	}
	args = append(args, "-f", "hls")
	args = append(args, "-hls_time", override(ov, "hls_time", segmentSeconds))
	args = append(args, "-hls_list_size", override(ov, "hls_list_size", playlistSize))
	args = append(args, "-hls_flags", override(ov, "hls_flags", hlsFlags))
	args = append(args, "-hls_segment_filename", filepath.Join(outputDir, SegmentPattern))
	args = append(args, "-start_number", "0")
	args = append(args, filepath.Join(outputDir, PlaylistName))

	return args
}

func override(ov map[string]string, key, def string) string {
	if v, ok := ov[key]; ok && v != "" {
		return v
	}
	return def
}
