// Package duration provides canonical time constants for the engine.
// This is the SINGLE SOURCE OF TRUTH for time-based configuration.
//
// Usage:
//
//	ctx, cancel := context.WithTimeout(ctx, duration.RunTimeout)
//	opts.ConnectTimeout = duration.ConnectTimeout
//
// DO NOT use hardcoded time.Duration values like `2 * time.Second` in
// components. Reference the appropriate constant from this package.
package duration

import "time"

// ============================================================================
// PORT SCANNER
// ============================================================================

const (
	// ConnectTimeout bounds a single TCP connect (2s)
	ConnectTimeout = 2 * time.Second

	// BannerTimeout bounds a banner read after connect (2s)
	BannerTimeout = 2 * time.Second
)

// ============================================================================
// HTTP PROBING
// ============================================================================

const (
	// ProbeTimeout bounds one probe request; it must exceed the blind-injection
	// sleep used by timing predicates (10s)
	ProbeTimeout = 10 * time.Second

	// DiscoveryTimeout bounds one discovery fetch (8s)
	DiscoveryTimeout = 8 * time.Second

	// RetryDelay is the pause before the single transient-error retry
	RetryDelay = 250 * time.Millisecond

	// TimingThreshold is the default latency delta for blind-injection checks
	TimingThreshold = 4 * time.Second
)

// ============================================================================
// CVE FEED
// ============================================================================

const (
	// FeedTimeout bounds a single feed page request (30s)
	FeedTimeout = 30 * time.Second

	// FeedBackoffInit is the first backoff after a 429/503 (2s)
	FeedBackoffInit = 2 * time.Second

	// FeedBackoffMax caps feed backoff (1min)
	FeedBackoffMax = time.Minute

	// CVETTL is how long a cached CVE record is considered fresh (7 days)
	CVETTL = 7 * 24 * time.Hour
)

// ============================================================================
// ORCHESTRATION
// ============================================================================

const (
	// RunTimeout is the overall assessment deadline (30min)
	RunTimeout = 30 * time.Minute

	// StatusPush is the WebSocket status push interval
	StatusPush = 500 * time.Millisecond

	// ServerShutdown bounds graceful API shutdown (5s)
	ServerShutdown = 5 * time.Second

	// ServerRead bounds reading an API request (10s)
	ServerRead = 10 * time.Second

	// TelemetryShutdown bounds exporter flush on close (5s)
	TelemetryShutdown = 5 * time.Second

	// TelemetryConnect bounds exporter connection setup (10s)
	TelemetryConnect = 10 * time.Second
)
