// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Per-connection sliding window for inbound channel messages
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Largest accepted upload body
	MaxUploadBytes = 2 << 30

	// Subscriber buffer; events beyond it are dropped, never queued
	EventBuffer = 256

	// Text truncation limit for artifact previews in API responses
	TextPreviewLimit = 500
)
