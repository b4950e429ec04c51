package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/basket/clawboard/internal/otel"
)

// WorkflowConfig holds the kanban vocabulary and the gate settings.
type WorkflowConfig struct {
	// Statuses in board order. The last entry is terminal.
	Statuses []string `yaml:"statuses"`
	// TraceabilityStatuses require a traceability URL (http(s) or "N/A").
	TraceabilityStatuses []string `yaml:"traceability_statuses"`
	// ActiveStatus is the actively-worked status that requires live presence.
	ActiveStatus string `yaml:"active_status"`

	Owners []string `yaml:"owners"`
	// BindableOwners are agent owners whose presence is checked by the gate.
	BindableOwners []string `yaml:"bindable_owners"`

	PresenceTTLSeconds int `yaml:"presence_ttl_seconds"`
	// PresenceRetentionHours bounds how long stale presence rows are kept.
	PresenceRetentionHours int `yaml:"presence_retention_hours"`
}

type AuthConfig struct {
	// Password enables session login when non-empty.
	Password        string   `yaml:"password"`
	APIKeys         []string `yaml:"api_keys"`
	SessionTTLHours int      `yaml:"session_ttl_hours"`
}

// Enabled reports whether any credential is configured.
func (a AuthConfig) Enabled() bool {
	return a.Password != "" || len(a.APIKeys) > 0
}

type CronConfig struct {
	SessionSweep  string `yaml:"session_sweep"`
	PresencePrune string `yaml:"presence_prune"`
}

// ServiceTarget is a neighbouring service whose reachability is reported by
// the system health snapshot.
type ServiceTarget struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type SystemConfig struct {
	Services []ServiceTarget `yaml:"services"`
	// DiskPath is the filesystem whose usage is reported.
	DiskPath       string `yaml:"disk_path"`
	CheckTimeoutMS int    `yaml:"check_timeout_ms"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AllowOrigins lists browser origins accepted by CORS. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
	// MaxBodyBytes caps request bodies. 0 uses the default (1 MiB).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// IngestRatePerMinute limits token event ingestion per client. 0 disables it.
	IngestRatePerMinute int `yaml:"ingest_rate_per_minute"`

	Workflow  WorkflowConfig `yaml:"workflow"`
	Auth      AuthConfig     `yaml:"auth"`
	Cron      CronConfig     `yaml:"cron"`
	System    SystemConfig   `yaml:"system"`
	Telemetry otel.Config    `yaml:"telemetry"`
}

const (
	defaultBindAddr     = "127.0.0.1:3420"
	defaultMaxBodyBytes = 1 << 20
	defaultPresenceTTL  = 900
	defaultCheckTimeout = 2000
	defaultGatewayURL   = "http://127.0.0.1:18789"
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change request behaviour.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|statuses=%v|trace=%v|active=%s|owners=%v|bindable=%v|ttl=%d|origins=%v|auth=%t",
		c.BindAddr, c.LogLevel, c.DBPath,
		c.Workflow.Statuses, c.Workflow.TraceabilityStatuses, c.Workflow.ActiveStatus,
		c.Workflow.Owners, c.Workflow.BindableOwners, c.Workflow.PresenceTTLSeconds,
		c.AllowOrigins, c.Auth.Enabled())
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultWorkflow() WorkflowConfig {
	return WorkflowConfig{
		Statuses:               []string{"backlog", "in-progress", "review", "done"},
		TraceabilityStatuses:   []string{"review", "done"},
		ActiveStatus:           "in-progress",
		Owners:                 []string{"norman", "ada", "mason", "atlas", "bard", "matt", "human", "team"},
		BindableOwners:         []string{"norman", "ada", "mason", "atlas", "bard"},
		PresenceTTLSeconds:     defaultPresenceTTL,
		PresenceRetentionHours: 24 * 7,
	}
}

func defaultConfig() Config {
	return Config{
		BindAddr:     defaultBindAddr,
		LogLevel:     "info",
		MaxBodyBytes: defaultMaxBodyBytes,
		Workflow:     defaultWorkflow(),
		Auth: AuthConfig{
			SessionTTLHours: 24,
		},
		Cron: CronConfig{
			SessionSweep:  "@hourly",
			PresencePrune: "*/15 * * * *",
		},
		System: SystemConfig{
			Services:       []ServiceTarget{{Name: "gateway", URL: defaultGatewayURL}},
			DiskPath:       "/",
			CheckTimeoutMS: defaultCheckTimeout,
		},
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "clawboard",
		},
	}
}

// Default returns the built-in configuration without reading any file.
func Default() Config {
	return defaultConfig()
}

func HomeDir() string {
	if override := os.Getenv("CLAWBOARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawboard")
}

// Load reads config.yaml from HomeDir on the OS filesystem.
func Load() (Config, error) {
	return LoadFrom(afero.NewOsFs(), HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml from fs. A missing file yields defaults.
// Environment overrides are applied after the file.
func LoadFrom(fs afero.Fs, homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := fs.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawboard home: %w", err)
	}

	data, err := afero.ReadFile(fs, ConfigPath(cfg.HomeDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "clawboard.db")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Auth.SessionTTLHours <= 0 {
		cfg.Auth.SessionTTLHours = 24
	}

	def := defaultWorkflow()
	wf := &cfg.Workflow
	wf.Statuses = normalizeList(wf.Statuses, def.Statuses)
	wf.TraceabilityStatuses = normalizeList(wf.TraceabilityStatuses, def.TraceabilityStatuses)
	wf.Owners = normalizeList(wf.Owners, def.Owners)
	wf.BindableOwners = normalizeList(wf.BindableOwners, def.BindableOwners)
	wf.ActiveStatus = strings.ToLower(strings.TrimSpace(wf.ActiveStatus))
	if wf.ActiveStatus == "" {
		wf.ActiveStatus = def.ActiveStatus
	}
	if wf.PresenceTTLSeconds <= 0 {
		wf.PresenceTTLSeconds = defaultPresenceTTL
	}
	if wf.PresenceRetentionHours <= 0 {
		wf.PresenceRetentionHours = def.PresenceRetentionHours
	}

	if strings.TrimSpace(cfg.Cron.SessionSweep) == "" {
		cfg.Cron.SessionSweep = "@hourly"
	}
	if strings.TrimSpace(cfg.Cron.PresencePrune) == "" {
		cfg.Cron.PresencePrune = "*/15 * * * *"
	}
	if strings.TrimSpace(cfg.System.DiskPath) == "" {
		cfg.System.DiskPath = "/"
	}
	if cfg.System.CheckTimeoutMS <= 0 {
		cfg.System.CheckTimeoutMS = defaultCheckTimeout
	}
	for i := range cfg.System.Services {
		cfg.System.Services[i].Name = strings.TrimSpace(cfg.System.Services[i].Name)
		cfg.System.Services[i].URL = strings.TrimSpace(cfg.System.Services[i].URL)
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "clawboard"
	}
}

// normalizeList lowercases, trims and dedupes values, falling back to def when empty.
func normalizeList(values, def []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return slices.Clone(def)
	}
	return out
}

func validate(cfg Config) error {
	if err := cfg.Telemetry.Validate(); err != nil {
		return err
	}
	wf := cfg.Workflow
	if !slices.Contains(wf.Statuses, wf.ActiveStatus) {
		return fmt.Errorf("workflow.active_status %q is not one of %v", wf.ActiveStatus, wf.Statuses)
	}
	for _, s := range wf.TraceabilityStatuses {
		if !slices.Contains(wf.Statuses, s) {
			return fmt.Errorf("workflow.traceability_statuses: unknown status %q", s)
		}
	}
	for _, o := range wf.BindableOwners {
		if !slices.Contains(wf.Owners, o) {
			return fmt.Errorf("workflow.bindable_owners: %q is not a known owner", o)
		}
	}
	seen := make(map[string]bool)
	for _, svc := range cfg.System.Services {
		if svc.Name == "" || seen[svc.Name] {
			return fmt.Errorf("system.services: name %q is empty or repeated", svc.Name)
		}
		seen[svc.Name] = true
		u, err := url.Parse(svc.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("system.services: %s url %q must be http(s)", svc.Name, svc.URL)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWBOARD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWBOARD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWBOARD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLAWBOARD_PRESENCE_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Workflow.PresenceTTLSeconds = v
		}
	}
	if raw := os.Getenv("CLAWBOARD_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Enabled = raw != "none"
		cfg.Telemetry.Exporter = raw
	}
	if raw := os.Getenv("DASHBOARD_PASSWORD"); raw != "" {
		cfg.Auth.Password = raw
	}
	if raw := os.Getenv("DASHBOARD_API_KEY"); raw != "" && !slices.Contains(cfg.Auth.APIKeys, raw) {
		cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, raw)
	}
}
