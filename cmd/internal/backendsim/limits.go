package backendsim

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Default delta page size; hasMore is set when more log entries remain.
	defaultPageSize = 100

	// History page size bounds.
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	writeTimeout      = 5 * time.Second
	closeGrace        = 2 * time.Second
	sendQueueSize     = 64

	// Per-page action rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
