// Package config loads the service configuration from a JSON file in the
// data directory and applies environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"themeplane/extract"
	"themeplane/model"
)

const FileName = "themeplane.config"

// Job names understood by the scheduler.
const JobAssetSweep = "asset-sweep"

const (
	BackendLocal = "local"
	BackendS3    = "s3"

	LedgerMemory = "memory"
	LedgerRedis  = "redis"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("duration must be a string like \"15s\": %w", err)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	DataDir    string `json:"data_dir"`
	ListenAddr string `json:"listen_addr"`

	FigmaToken   string  `json:"figma_token,omitempty"`
	FigmaBaseURL string  `json:"figma_base_url,omitempty"`
	FigmaRate    float64 `json:"figma_rate_limit,omitempty"` // requests per second, 0 = unlimited
	// AllowFileSources lets source URLs read local design exports via file://.
	AllowFileSources bool `json:"allow_file_sources"`

	AssetBackend   string `json:"asset_backend"`
	AssetDir       string `json:"asset_dir,omitempty"`
	AssetURLPrefix string `json:"asset_url_prefix"`
	S3Bucket       string `json:"s3_bucket,omitempty"`
	S3Region       string `json:"s3_region,omitempty"`
	S3Prefix       string `json:"s3_prefix,omitempty"`
	S3Endpoint     string `json:"s3_endpoint,omitempty"`

	Ledger      string `json:"ledger"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty"`

	AssetWorkers      int      `json:"asset_workers"`
	MaxImageDimension int      `json:"max_image_dimension"`
	MaxImagePixels    int64    `json:"max_image_pixels"`
	FetchTimeout      Duration `json:"fetch_timeout"`
	Retries           uint     `json:"retries"`

	DuplicateComponents string `json:"duplicate_components"`
	HistoryLimit        int    `json:"history_limit"`
	DefaultThemePath    string `json:"default_theme_path,omitempty"`

	// TraceEndpoint is an OTLP/gRPC collector address. Empty disables tracing.
	TraceEndpoint string `json:"trace_endpoint,omitempty"`
	TraceInsecure bool   `json:"trace_insecure,omitempty"`

	Schedules []model.Schedule     `json:"schedules,omitempty"`
	LastRun   map[string]time.Time `json:"last_run,omitempty"`
}

func Default() Config {
	return Config{
		DataDir:             ".",
		ListenAddr:          ":8080",
		FigmaBaseURL:        "https://api.figma.com/v1",
		AssetBackend:        BackendLocal,
		AssetURLPrefix:      "/assets",
		Ledger:              LedgerMemory,
		AssetWorkers:        4,
		MaxImageDimension:   2000,
		MaxImagePixels:      50_000_000,
		FetchTimeout:        Duration(15 * time.Second),
		Retries:             3,
		DuplicateComponents: string(extract.LastWriteWins),
		HistoryLimit:        10,
		Schedules: []model.Schedule{{
			ID:      "sweep",
			Job:     JobAssetSweep,
			Enabled: true,
			Type:    model.ScheduleInterval,
			Every:   "1h",
		}},
		LastRun: make(map[string]time.Time),
	}
}

// Load reads the config file in dataDir. A missing file yields Default.
// Zero values in the file fall back to their defaults.
func Load(dataDir string) (Config, error) {
	cfgPath := filepath.Join(dataDir, FileName)

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			cfg.DataDir = dataDir
			return cfg, nil
		}
		return Config{}, err
	}

	cfg := Default()
	// Decoding into the default slice would reuse its elements.
	cfg.Schedules = nil
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", cfgPath, err)
	}

	def := Default()
	if cfg.Schedules == nil {
		cfg.Schedules = def.Schedules
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.AssetBackend == "" {
		cfg.AssetBackend = def.AssetBackend
	}
	if cfg.Ledger == "" {
		cfg.Ledger = def.Ledger
	}
	if cfg.AssetWorkers <= 0 {
		cfg.AssetWorkers = def.AssetWorkers
	}
	if cfg.MaxImageDimension <= 0 {
		cfg.MaxImageDimension = def.MaxImageDimension
	}
	if cfg.MaxImagePixels <= 0 {
		cfg.MaxImagePixels = def.MaxImagePixels
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.LastRun == nil {
		cfg.LastRun = make(map[string]time.Time)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from environment variables read by getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	str(&cfg.FigmaToken, "FIGMA_ACCESS_TOKEN")
	str(&cfg.ListenAddr, "THEMEPLANE_LISTEN")
	str(&cfg.AssetBackend, "THEMEPLANE_ASSET_BACKEND")
	str(&cfg.AssetDir, "THEMEPLANE_ASSET_DIR")
	str(&cfg.S3Bucket, "THEMEPLANE_S3_BUCKET", "AWS_BUCKET_NAME")
	str(&cfg.S3Region, "THEMEPLANE_S3_REGION", "AWS_REGION")
	str(&cfg.S3Endpoint, "THEMEPLANE_S3_ENDPOINT")
	str(&cfg.Ledger, "THEMEPLANE_LEDGER")
	str(&cfg.RedisAddr, "THEMEPLANE_REDIS_ADDR")
	str(&cfg.DefaultThemePath, "THEMEPLANE_DEFAULT_THEME")
	str(&cfg.TraceEndpoint, "THEMEPLANE_TRACE_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	if v := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.TraceInsecure = b
	}

	if v := getenv("THEMEPLANE_ASSET_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("THEMEPLANE_ASSET_WORKERS: %w", err)
		}
		cfg.AssetWorkers = n
	}
	if v := getenv("THEMEPLANE_FETCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("THEMEPLANE_FETCH_TIMEOUT: %w", err)
		}
		cfg.FetchTimeout = Duration(d)
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	switch c.AssetBackend {
	case BackendLocal:
	case BackendS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("s3_bucket is required for the s3 asset backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown asset_backend %q", c.AssetBackend))
	}
	switch c.Ledger {
	case LedgerMemory:
	case LedgerRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger %q", c.Ledger))
	}
	if _, err := extract.ParseDuplicatePolicy(c.DuplicateComponents); err != nil {
		errs = append(errs, err)
	}
	if c.AssetWorkers <= 0 {
		errs = append(errs, errors.New("asset_workers must be positive"))
	}
	if c.FigmaRate < 0 {
		errs = append(errs, errors.New("figma_rate_limit must not be negative"))
	}
	for _, s := range c.Schedules {
		if s.Job != JobAssetSweep {
			errs = append(errs, fmt.Errorf("schedule %q: unknown job %q", s.ID, s.Job))
		}
	}
	return errors.Join(errs...)
}

// AssetPath is the directory local assets are written to.
func (c Config) AssetPath() string {
	if c.AssetDir != "" {
		return c.AssetDir
	}
	return filepath.Join(c.DataDir, "assets")
}

func Save(cfg Config) error {
	cfgPath := filepath.Join(cfg.DataDir, FileName)

	// Create directory if it doesn't exist
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	tmp := cfgPath + ".tmp"
	// The file may hold the Figma token.
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, cfgPath)
}
