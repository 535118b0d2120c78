package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultGlamourStyle = "dark"
	DefaultEndpoint     = "http://localhost:3000/api/generateImages"
	DefaultDebounce     = 300 * time.Millisecond
	DefaultRenderCache  = 64
)

type AppConfig struct {
	Endpoint    string
	Debounce    time.Duration
	Timeout     time.Duration
	RenderCache int
	MaxRPM      int
	Iterative   bool
	ExportDir   string
	LogFile     string
	Debug       bool
}

// env mirrors AppConfig for envconfig; flags take precedence over it.
type env struct {
	Endpoint    string        `envconfig:"ENDPOINT" default:"http://localhost:3000/api/generateImages"`
	Debounce    time.Duration `envconfig:"DEBOUNCE" default:"300ms"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"60s"`
	RenderCache int           `envconfig:"RENDER_CACHE" default:"64"`
	MaxRPM      int           `envconfig:"MAX_RPM" default:"0"`
	Iterative   bool          `envconfig:"ITERATIVE" default:"false"`
	ExportDir   string        `envconfig:"EXPORT_DIR"`
	LogFile     string        `envconfig:"LOG_FILE"`
	Debug       bool          `envconfig:"DEBUG" default:"false"`
}

func Parse() (AppConfig, error) {
	return ParseArgs(flag.CommandLine, os.Args[1:])
}

// ParseArgs loads .env (when present), FLUX_* environment variables and then
// args into an AppConfig.
func ParseArgs(fs *flag.FlagSet, args []string) (AppConfig, error) {
	var cfg AppConfig

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	var e env
	if err := envconfig.Process("flux", &e); err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}

	fs.StringVar(&cfg.Endpoint, "endpoint", e.Endpoint, "image generation endpoint URL")
	fs.DurationVar(&cfg.Debounce, "debounce", e.Debounce, "quiet period before a prompt is sent")
	fs.DurationVar(&cfg.Timeout, "timeout", e.Timeout, "per-request timeout")
	fs.IntVar(&cfg.RenderCache, "render-cache", e.RenderCache, "number of rendered image views kept in memory")
	fs.IntVar(&cfg.MaxRPM, "max-rpm", e.MaxRPM, "client-side request limit per minute (0 = unlimited)")
	fs.BoolVar(&cfg.Iterative, "iterative", e.Iterative, "start with consistency mode enabled")
	fs.StringVar(&cfg.ExportDir, "export-dir", e.ExportDir, "directory for exported images")
	fs.StringVar(&cfg.LogFile, "log-file", e.LogFile, "write structured logs to this file")
	fs.BoolVar(&cfg.Debug, "debug", e.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	var err error
	cfg.ExportDir, err = DetectExportDir(cfg.ExportDir)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	if cfg.LogFile != "" {
		cfg.LogFile = filepath.Clean(cfg.LogFile)
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return cfg, fmt.Errorf("create log dir: %w", err)
		}
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.Endpoint))
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint must be an absolute http(s) URL, got %q", c.Endpoint)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, got %v", c.Debounce)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.RenderCache < 1 {
		return fmt.Errorf("render cache must hold at least 1 view, got %d", c.RenderCache)
	}
	if c.MaxRPM < 0 {
		return fmt.Errorf("max-rpm must not be negative, got %d", c.MaxRPM)
	}
	return nil
}

// DetectExportDir resolves the export directory. The directory itself is
// created lazily on first export.
func DetectExportDir(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(filepath.Clean(explicit))
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve cwd: %w", err)
	}
	return filepath.Join(cwd, "generations"), nil
}

// OpenLog opens the log destination. Without a log file, output is
// discarded so it never draws over the UI.
func (c AppConfig) OpenLog() (io.WriteCloser, error) {
	if c.LogFile == "" {
		return nopCloser{io.Discard}, nil
	}
	f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
