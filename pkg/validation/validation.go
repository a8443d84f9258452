package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// StreamIDRegex validates stream ID format
	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// GroupRegex validates group name format
	GroupRegex = regexp.MustCompile(`^[a-zA-Z0-9 _-]*$`)
)

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > 100 {
		return fmt.Errorf("stream ID is too long (max 100 characters)")
	}
	if !StreamIDRegex.MatchString(streamID) {
		return fmt.Errorf("invalid stream ID format (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateStreamName validates stream name
func ValidateStreamName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("stream name is required")
	}
	if utf8.RuneCountInString(name) > 100 {
		return fmt.Errorf("stream name is too long (max 100 characters)")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("stream name contains invalid characters")
	}
	return nil
}

// ValidateGroup validates an optional group name
func ValidateGroup(group string) error {
	if group == "" {
		return nil
	}
	if len(group) > 100 {
		return fmt.Errorf("group name is too long (max 100 characters)")
	}
	if !GroupRegex.MatchString(group) {
		return fmt.Errorf("invalid group name format")
	}
	return nil
}

// ValidateRTSPURL validates an RTSP source URL
func ValidateRTSPURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("RTSP URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid RTSP URL format: %w", err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return fmt.Errorf("invalid URL scheme (must be rtsp or rtsps)")
	}
	if u.Host == "" {
		return fmt.Errorf("RTSP URL must have a host")
	}
	return nil
}

// ValidateKeepAlive validates the idle keep-alive window in seconds
func ValidateKeepAlive(seconds int) error {
	if seconds < 0 {
		return fmt.Errorf("keep_alive_seconds must not be negative")
	}
	if seconds > 86400 {
		return fmt.Errorf("keep_alive_seconds is too high (max 86400)")
	}
	return nil
}

// ValidateSessionID validates a viewer session identifier
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if len(sessionID) > 128 {
		return fmt.Errorf("session ID is too long (max 128 characters)")
	}
	return nil
}
