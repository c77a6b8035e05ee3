// Package defaults provides canonical default values for the engine.
// This is the SINGLE SOURCE OF TRUTH for runtime configuration defaults.
//
// Usage:
//
//	opts.Concurrency = defaults.PortWorkers
//	cfg.RateLimit = defaults.ProbeRateLimit
//
// DO NOT hardcode values like `Concurrency: 150` in components.
// Reference the appropriate constant from this package instead.
package defaults

// ToolName is used in User-Agent headers, metric prefixes and tracer names.
const ToolName = "vulnassess"

// Version is the current engine version.
const Version = "1.3.0"

// UserAgent is sent on every probe and feed request.
const UserAgent = ToolName + "/" + Version

// ============================================================================
// CONCURRENCY SETTINGS
// ============================================================================
//
// One independently configurable pool per phase. Unbounded parallelism
// against one target is never allowed.
// ============================================================================

const (
	// PortWorkers is the default connect pool size (150)
	PortWorkers = 150

	// PortWorkersMax caps the connect pool (1000)
	PortWorkersMax = 1000

	// WebProbeWorkers is the default web probe pool size (20)
	WebProbeWorkers = 20

	// APIProbeWorkers is the default API probe pool size (10)
	APIProbeWorkers = 10

	// ProbeWorkersMax caps either probe pool (200)
	ProbeWorkersMax = 200
)

// ============================================================================
// RATE LIMITS
// ============================================================================

const (
	// ProbeRateLimit is the per-target request ceiling across probers (req/s)
	ProbeRateLimit = 50

	// ProbeBurst is the token bucket burst for the prober
	ProbeBurst = 10

	// FeedRateLimit is the CVE feed request ceiling (req/s).
	// Public feeds publish limits around 5 requests per 30s window without a key.
	FeedRateLimit = 0.16

	// FeedRateLimitKeyed applies when an API key is configured (req/s)
	FeedRateLimitKeyed = 1.6
)

// ============================================================================
// RETRY SETTINGS
// ============================================================================

const (
	// ProbeAttempts is one try plus one transient-error retry
	ProbeAttempts = 2

	// FeedAttempts bounds CVE feed retries under 429/503
	FeedAttempts = 5
)

// ============================================================================
// SIZES
// ============================================================================

const (
	// BannerMaxBytes bounds a banner read (1KB)
	BannerMaxBytes = 1024

	// ProbeMaxBody bounds a probe response body read (512KB)
	ProbeMaxBody = 512 * 1024

	// SnapshotExcerpt is the body excerpt kept in a response snapshot
	SnapshotExcerpt = 512

	// EvidenceContext is the number of bytes kept around an evidence match
	EvidenceContext = 60

	// DiscoveryMaxEndpoints bounds endpoints taken from one base URL
	DiscoveryMaxEndpoints = 50

	// BurstRequests is the burst size for rate-limit absence checks
	BurstRequests = 20
)

// ============================================================================
// SCORING
// ============================================================================

const (
	// NormalizationScale is the upper bound of the overall score
	NormalizationScale = 100.0

	// CVETTLDays is the default CVE cache TTL
	CVETTLDays = 7
)

// DefaultParams are injected when an endpoint exposes no parameter names.
var DefaultParams = []string{"q", "id", "search", "file", "cmd", "url"}

// ============================================================================
// SERVICE SETTINGS
// ============================================================================

const (
	// ListenAddr is the API server's default bind address
	ListenAddr = "127.0.0.1:8585"

	// DataDir holds the CVE cache and run history
	DataDir = ".vulnassess"

	// CVECacheFile is the CVE cache file name inside DataDir
	CVECacheFile = "cve-cache.json"

	// HistoryDir is the run history directory inside DataDir
	HistoryDir = "runs"

	// LogLevel and LogFormat configure the CLI's slog handler
	LogLevel  = "info"
	LogFormat = "text"
)
