// Package config holds the typed engine configuration. Files are YAML; the
// CLI layers flags and VULNASSESS_* environment variables on top through
// viper and decodes into the same struct.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/waftester/vulnassess/pkg/assessment"
	"github.com/waftester/vulnassess/pkg/catalog"
	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/duration"
	"github.com/waftester/vulnassess/pkg/httpclient"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/scoring"
)

// Config holds all engine and service settings.
type Config struct {
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Scan      ScanConfig      `yaml:"scan" mapstructure:"scan"`
	CVE       CVEConfig       `yaml:"cve" mapstructure:"cve"`
	History   HistoryConfig   `yaml:"history" mapstructure:"history"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // text, json
}

// ScanConfig controls one assessment.
type ScanConfig struct {
	Profile        string   `yaml:"profile" mapstructure:"profile"` // quick, standard, deep or a port list
	ScoringProfile string   `yaml:"scoring_profile" mapstructure:"scoring_profile"`
	ScoringFile    string   `yaml:"scoring_file" mapstructure:"scoring_file"`
	CatalogFiles   []string `yaml:"catalog_files" mapstructure:"catalog_files"`
	Classes        []string `yaml:"classes" mapstructure:"classes"`

	PortWorkers int     `yaml:"port_workers" mapstructure:"port_workers"`
	WebWorkers  int     `yaml:"web_workers" mapstructure:"web_workers"`
	APIWorkers  int     `yaml:"api_workers" mapstructure:"api_workers"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	BannerTimeout  time.Duration `yaml:"banner_timeout" mapstructure:"banner_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	RunTimeout     time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`

	Proxy   string `yaml:"proxy" mapstructure:"proxy"`
	SkipWeb bool   `yaml:"skip_web" mapstructure:"skip_web"`
	SkipAPI bool   `yaml:"skip_api" mapstructure:"skip_api"`
}

// CVEConfig configures the knowledge store and its feed.
type CVEConfig struct {
	FeedURL     string        `yaml:"feed_url" mapstructure:"feed_url"`
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	CacheFile   string        `yaml:"cache_file" mapstructure:"cache_file"`
	TTL         time.Duration `yaml:"ttl" mapstructure:"ttl"`
	SyncOnStart bool          `yaml:"sync_on_start" mapstructure:"sync_on_start"`
}

// HistoryConfig configures the run store.
type HistoryConfig struct {
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	Retention time.Duration `yaml:"retention" mapstructure:"retention"` // 0 keeps everything
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	StatusInterval  time.Duration `yaml:"status_interval" mapstructure:"status_interval"`
}

// TelemetryConfig enables metrics and tracing.
type TelemetryConfig struct {
	Metrics      bool   `yaml:"metrics" mapstructure:"metrics"`
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"` // empty disables tracing
	ServiceName  string `yaml:"service_name" mapstructure:"service_name"`
	Insecure     bool   `yaml:"insecure" mapstructure:"insecure"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: defaults.LogLevel, Format: defaults.LogFormat},
		Scan: ScanConfig{
			Profile:        string(portscan.ProfileQuick),
			ScoringProfile: scoring.Default().Name,
			PortWorkers:    defaults.PortWorkers,
			WebWorkers:     defaults.WebProbeWorkers,
			APIWorkers:     defaults.APIProbeWorkers,
			RateLimit:      defaults.ProbeRateLimit,
			ConnectTimeout: duration.ConnectTimeout,
			BannerTimeout:  duration.BannerTimeout,
			ProbeTimeout:   duration.ProbeTimeout,
			RunTimeout:     duration.RunTimeout,
		},
		CVE: CVEConfig{
			CacheFile: filepath.Join(defaults.DataDir, defaults.CVECacheFile),
			TTL:       duration.CVETTL,
		},
		History: HistoryConfig{Dir: filepath.Join(defaults.DataDir, defaults.HistoryDir)},
		Server: ServerConfig{
			Addr:            defaults.ListenAddr,
			ReadTimeout:     duration.ServerRead,
			ShutdownTimeout: duration.ServerShutdown,
			StatusInterval:  duration.StatusPush,
		},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			ServiceName: defaults.ToolName,
			Insecure:    true,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and returns the first problem.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format", "%q (want text or json)", c.Log.Format)
	}
	if _, err := c.ScanProfile(); err != nil {
		return invalid("scan.profile", "%v", err)
	}
	for name, v := range map[string]int{
		"scan.port_workers": c.Scan.PortWorkers,
		"scan.web_workers":  c.Scan.WebWorkers,
		"scan.api_workers":  c.Scan.APIWorkers,
	} {
		if v < 0 {
			return invalid(name, "must not be negative")
		}
	}
	if c.Scan.RateLimit < 0 {
		return invalid("scan.rate_limit", "must not be negative")
	}
	if c.Scan.RunTimeout < 0 || c.Scan.ConnectTimeout < 0 || c.Scan.BannerTimeout < 0 || c.Scan.ProbeTimeout < 0 {
		return invalid("scan", "timeouts must not be negative")
	}
	if c.CVE.TTL < 0 {
		return invalid("cve.ttl", "must not be negative")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr", ErrMissingRequired)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, invalid("log.level", "%q", s)
	}
	return l, nil
}

// Logger builds the configured slog logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ScanProfile parses scan.profile.
func (c *Config) ScanProfile() (portscan.Profile, error) {
	return portscan.ParseProfile(c.Scan.Profile)
}

// ScoringProfile resolves scan.scoring_profile against the built-in
// profiles and, when set, scan.scoring_file.
func (c *Config) ScoringProfile() (scoring.Profile, error) {
	if c.Scan.ScoringFile != "" {
		profiles, err := scoring.LoadProfiles(c.Scan.ScoringFile)
		if err != nil {
			return scoring.Profile{}, err
		}
		for _, p := range profiles {
			if p.Name == c.Scan.ScoringProfile || c.Scan.ScoringProfile == "" {
				return p, nil
			}
		}
	}
	return scoring.Lookup(c.Scan.ScoringProfile)
}

// Engine builds the engine configuration. Callers attach the CVE store.
func (c *Config) Engine() (*assessment.Config, error) {
	sp, err := c.ScoringProfile()
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(c.Scan.CatalogFiles...)
	if err != nil {
		return nil, err
	}
	classes := make([]catalog.Class, 0, len(c.Scan.Classes))
	for _, cl := range c.Scan.Classes {
		classes = append(classes, catalog.Class(strings.TrimSpace(cl)))
	}
	hc := httpclient.Probe()
	if c.Scan.ProbeTimeout > 0 {
		hc.Timeout = c.Scan.ProbeTimeout
	}
	hc.Proxy = c.Scan.Proxy
	return &assessment.Config{
		PortWorkers:    c.Scan.PortWorkers,
		WebWorkers:     c.Scan.WebWorkers,
		APIWorkers:     c.Scan.APIWorkers,
		ConnectTimeout: c.Scan.ConnectTimeout,
		BannerTimeout:  c.Scan.BannerTimeout,
		RunTimeout:     c.Scan.RunTimeout,
		RateLimit:      c.Scan.RateLimit,
		Classes:        classes,
		SkipWeb:        c.Scan.SkipWeb,
		SkipAPI:        c.Scan.SkipAPI,
		Catalog:        cat,
		Scoring:        sp,
		Client:         httpclient.New(hc),
	}, nil
}
