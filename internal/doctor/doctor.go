package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/clawboard/internal/config"
	"github.com/basket/clawboard/internal/cron"
	"github.com/basket/clawboard/internal/persistence"
	"github.com/basket/clawboard/internal/reporting"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check returned FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkLedger,
		checkSchedules,
		checkExposure,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); err != nil {
		return CheckResult{Name: "Config", Status: "PASS", Message: "Using built-in defaults", Detail: fmt.Sprintf("no file at %s", path)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", path), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	events, err := store.CountUsageEvents(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	tasks := 0
	for _, n := range counts {
		tasks += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s tasks=%d usage_events=%d", cfg.DBPath, tasks, events),
	}
}

// checkLedger runs the report reconciliation for every window.
func checkLedger(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Ledger", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()

	recs, err := reporting.New(reporting.Config{Store: store}).Reconcile(ctx)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: "FAIL", Message: fmt.Sprintf("Reconcile failed: %v", err)}
	}
	var failed []string
	for _, rec := range recs {
		if !rec.OK {
			failed = append(failed, fmt.Sprintf("%s/unlinked=%t", rec.Window, rec.IncludeUnlinked))
		}
	}
	if len(failed) > 0 {
		return CheckResult{Name: "Ledger", Status: "FAIL", Message: fmt.Sprintf("%d of %d reports do not reconcile", len(failed), len(recs)), Detail: strings.Join(failed, ", ")}
	}
	return CheckResult{Name: "Ledger", Status: "PASS", Message: fmt.Sprintf("%d reports reconcile", len(recs))}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	specs := map[string]string{
		cron.JobSessionSweep:  cfg.Cron.SessionSweep,
		cron.JobPresencePrune: cfg.Cron.PresencePrune,
	}
	now := time.Now().UTC()
	var details []string
	status := "PASS"
	for _, name := range []string{cron.JobSessionSweep, cron.JobPresencePrune} {
		spec := specs[name]
		if spec == "" {
			details = append(details, name+": disabled")
			continue
		}
		next, err := cron.NextRunTime(spec, now)
		if err != nil {
			details = append(details, fmt.Sprintf("%s: invalid %q", name, spec))
			status = "FAIL"
			continue
		}
		details = append(details, fmt.Sprintf("%s: next %s", name, next.Format(time.RFC3339)))
	}
	return CheckResult{Name: "Schedules", Status: status, Message: fmt.Sprintf("Checked %d jobs", len(specs)), Detail: strings.Join(details, ", ")}
}

// checkExposure warns when the server would listen beyond loopback with no credentials.
func checkExposure(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Exposure", Status: "SKIP", Message: "Config missing"}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Exposure", Status: "FAIL", Message: fmt.Sprintf("Invalid bind_addr %q: %v", cfg.BindAddr, err)}
	}
	if IsLoopback(host) {
		return CheckResult{Name: "Exposure", Status: "PASS", Message: fmt.Sprintf("Listening on loopback (%s)", cfg.BindAddr)}
	}
	if !cfg.Auth.Enabled() {
		return CheckResult{
			Name:    "Exposure",
			Status:  "WARN",
			Message: fmt.Sprintf("%s is reachable from the network without credentials", cfg.BindAddr),
			Detail:  "Set auth.password or auth.api_keys in config.yaml",
		}
	}
	return CheckResult{Name: "Exposure", Status: "PASS", Message: fmt.Sprintf("Listening on %s with credentials", cfg.BindAddr)}
}

// IsLoopback reports whether host only accepts local connections.
func IsLoopback(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
