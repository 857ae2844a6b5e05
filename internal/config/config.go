// Package config loads the add-on manager settings: defaults, then an
// optional TOML file, then a .env file, then ADDON_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jaredcannon/addon-manager/internal/catalog"
	"github.com/jaredcannon/addon-manager/internal/download"
	"github.com/jaredcannon/addon-manager/internal/services"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Duration decodes TOML strings like "200ms"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds all configuration settings for the application
type Config struct {
	// HostVersion is the version of the host application add-ons are checked against
	HostVersion string `toml:"host_version"`

	AddOnDir    string `toml:"addon_dir"`
	DownloadDir string `toml:"download_dir"`
	// HomeDir is where add-ons' declared files live
	HomeDir string `toml:"home_dir"`

	DatabasePath string `toml:"database_path"`
	// CatalogPath is a YAML descriptor file or a directory of them
	CatalogPath string `toml:"catalog_path"`
	ListenAddr  string `toml:"listen_addr"`

	HashPolicy    download.HashPolicy  `toml:"hash_policy"`
	IssuePolicy   services.IssuePolicy `toml:"issue_policy"`
	MaxDownloads  int                  `toml:"max_downloads"`
	ActivePoll    Duration             `toml:"active_poll"`
	IdlePoll      Duration             `toml:"idle_poll"`
	CheckDiskFree bool                 `toml:"check_disk_free"`

	// UpdateSchedule is a cron spec; empty disables update checks
	UpdateSchedule string `toml:"update_schedule"`

	// APISecret signs API tokens; empty disables authentication
	APISecret string `toml:"api_secret"`

	// KeyringBackend is "auto" (OS keychain first) or "file"
	KeyringBackend      string `toml:"keyring_backend"`
	KeyringFileDir      string `toml:"keyring_file_dir"`
	KeyringFilePassword string `toml:"-"`

	// OTLPEndpoint enables tracing when set
	OTLPEndpoint string `toml:"otlp_endpoint"`
	OTLPInsecure bool   `toml:"otlp_insecure"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		HostVersion:    "1.0.0",
		AddOnDir:       "./data/addons",
		DownloadDir:    "./data/downloads",
		HomeDir:        "./data/home",
		DatabasePath:   "./data/addons.db",
		CatalogPath:    "./catalog.yaml",
		ListenAddr:     ":8080",
		HashPolicy:     download.HashLenient,
		IssuePolicy:    services.IssueFailClosed,
		MaxDownloads:   4,
		ActivePoll:     Duration{200 * time.Millisecond},
		IdlePoll:       Duration{time.Second},
		CheckDiskFree:  true,
		UpdateSchedule: "@every 6h",
		KeyringBackend: "auto",
		KeyringFileDir: "~/.addon-manager",
	}
}

// Load reads configPath (skipped when empty or missing), then .env, then the environment
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if _, err := toml.DecodeFile(configPath, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// .env never overrides variables that are already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.absolutize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"ADDON_HOST_VERSION":          &c.HostVersion,
		"ADDON_DIR":                   &c.AddOnDir,
		"ADDON_DOWNLOAD_DIR":          &c.DownloadDir,
		"ADDON_HOME_DIR":              &c.HomeDir,
		"ADDON_DB_PATH":               &c.DatabasePath,
		"ADDON_CATALOG_PATH":          &c.CatalogPath,
		"ADDON_LISTEN_ADDR":           &c.ListenAddr,
		"ADDON_UPDATE_SCHEDULE":       &c.UpdateSchedule,
		"ADDON_API_SECRET":            &c.APISecret,
		"ADDON_KEYRING_BACKEND":       &c.KeyringBackend,
		"ADDON_KEYRING_DIR":           &c.KeyringFileDir,
		"ADDON_KEYRING_PASSWORD":      &c.KeyringFilePassword,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &c.OTLPEndpoint,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v := os.Getenv("ADDON_HASH_POLICY"); v != "" {
		c.HashPolicy = download.HashPolicy(strings.ToLower(v))
	}
	if v := os.Getenv("ADDON_ISSUE_POLICY"); v != "" {
		c.IssuePolicy = services.IssuePolicy(strings.ToLower(v))
	}
	if v := os.Getenv("ADDON_MAX_DOWNLOADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ADDON_MAX_DOWNLOADS %q: %w", v, err)
		}
		c.MaxDownloads = n
	}
	for key, dst := range map[string]*Duration{
		"ADDON_ACTIVE_POLL": &c.ActivePoll,
		"ADDON_IDLE_POLL":   &c.IdlePoll,
	} {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
		}
	}
	for key, dst := range map[string]*bool{
		"ADDON_CHECK_DISK_FREE":       &c.CheckDiskFree,
		"OTEL_EXPORTER_OTLP_INSECURE": &c.OTLPInsecure,
	} {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = b
		}
	}
	return nil
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	var problems []string

	if _, err := catalog.NewCompatibility(c.HostVersion); err != nil {
		problems = append(problems, fmt.Sprintf("host_version %q is not a valid version", c.HostVersion))
	}
	for name, dir := range map[string]string{
		"addon_dir":     c.AddOnDir,
		"download_dir":  c.DownloadDir,
		"database_path": c.DatabasePath,
		"catalog_path":  c.CatalogPath,
	} {
		if strings.TrimSpace(dir) == "" {
			problems = append(problems, name+" is required")
		}
	}
	if !c.HashPolicy.Valid() {
		problems = append(problems, fmt.Sprintf("hash_policy must be %q or %q", download.HashLenient, download.HashStrict))
	}
	if !c.IssuePolicy.Valid() {
		problems = append(problems, fmt.Sprintf("issue_policy must be %q or %q", services.IssueFailClosed, services.IssueProceed))
	}
	if c.KeyringBackend != "auto" && c.KeyringBackend != "file" {
		problems = append(problems, `keyring_backend must be "auto" or "file"`)
	}
	if c.MaxDownloads < 1 {
		problems = append(problems, "max_downloads must be at least 1")
	}
	if c.ActivePoll.Duration <= 0 || c.IdlePoll.Duration <= 0 {
		problems = append(problems, "poll intervals must be positive")
	}
	if c.UpdateSchedule != "" {
		if _, err := cron.ParseStandard(c.UpdateSchedule); err != nil {
			problems = append(problems, fmt.Sprintf("update_schedule %q: %v", c.UpdateSchedule, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) absolutize() error {
	for _, p := range []*string{&c.AddOnDir, &c.DownloadDir, &c.HomeDir} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to get absolute path for %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

// PipelineConfig returns the download pipeline settings
func (c *Config) PipelineConfig() download.Config {
	pcfg := download.DefaultConfig()
	pcfg.MaxConcurrent = int64(c.MaxDownloads)
	pcfg.ActiveInterval = c.ActivePoll.Duration
	pcfg.IdleInterval = c.IdlePoll.Duration
	pcfg.HashPolicy = c.HashPolicy
	pcfg.CheckDiskSpace = c.CheckDiskFree
	return pcfg
}

// String returns a string representation of the configuration without secrets
func (c *Config) String() string {
	parts := []string{
		fmt.Sprintf("HostVersion: %s", c.HostVersion),
		fmt.Sprintf("AddOnDir: %s", c.AddOnDir),
		fmt.Sprintf("DatabasePath: %s", c.DatabasePath),
		fmt.Sprintf("CatalogPath: %s", c.CatalogPath),
		fmt.Sprintf("ListenAddr: %s", c.ListenAddr),
		fmt.Sprintf("HashPolicy: %s", c.HashPolicy),
		fmt.Sprintf("IssuePolicy: %s", c.IssuePolicy),
		fmt.Sprintf("Auth: %t", c.APISecret != ""),
	}
	return strings.Join(parts, ", ")
}
