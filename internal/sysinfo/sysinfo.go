// Package sysinfo samples host health for the board: CPU, memory and disk
// usage, uptime, and whether neighbouring services answer HTTP.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCPUInterval  = 500 * time.Millisecond
	defaultCheckTimeout = 2 * time.Second
	bytesPerGB          = 1 << 30
)

type Service struct {
	Name string
	URL  string
}

type Options struct {
	// ProcPath is the procfs mount point. Empty means /proc.
	ProcPath string
	DiskPath string
	Services []Service

	CheckTimeout time.Duration
	// CPUInterval separates the two /proc/stat reads used for CPU usage.
	CPUInterval time.Duration
	Client      *http.Client
	Logger      *slog.Logger
}

type CPU struct {
	Pct int `json:"pct"`
}

type Usage struct {
	TotalGB float64 `json:"total_gb"`
	UsedGB  float64 `json:"used_gb"`
	Pct     int     `json:"pct"`
}

type ServiceStatus struct {
	URL       string `json:"url"`
	Up        bool   `json:"up"`
	Status    int    `json:"status,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Snapshot is one health reading. A part that could not be read is left
// zero and named in Errors.
type Snapshot struct {
	OK            bool                     `json:"ok"`
	Timestamp     time.Time                `json:"ts"`
	CPU           CPU                      `json:"cpu"`
	Memory        Usage                    `json:"memory"`
	Disk          Usage                    `json:"disk"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Services      map[string]ServiceStatus `json:"services"`
	Errors        []string                 `json:"errors,omitempty"`
}

type Sampler struct {
	procPath string
	diskPath string
	services []Service
	timeout  time.Duration
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Sampler {
	s := &Sampler{
		procPath: opts.ProcPath,
		diskPath: opts.DiskPath,
		services: opts.Services,
		timeout:  opts.CheckTimeout,
		interval: opts.CPUInterval,
		client:   opts.Client,
		logger:   opts.Logger,
		now:      time.Now,
		wait:     sleep,
	}
	if s.procPath == "" {
		s.procPath = procfs.DefaultMountPoint
	}
	if s.diskPath == "" {
		s.diskPath = "/"
	}
	if s.timeout <= 0 {
		s.timeout = defaultCheckTimeout
	}
	if s.interval <= 0 {
		s.interval = defaultCPUInterval
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sample reads every part concurrently. Only a cancelled context is an
// error; individual failures are reported in the snapshot.
func (s *Sampler) Sample(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		OK:        true,
		Timestamp: s.now().UTC(),
		Services:  make(map[string]ServiceStatus, len(s.services)),
	}
	var mu sync.Mutex
	fail := func(part string, err error) {
		mu.Lock()
		defer mu.Unlock()
		snap.Errors = append(snap.Errors, fmt.Sprintf("%s: %v", part, err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pct, uptime, err := s.cpu(gctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fail("cpu", err)
			return nil
		}
		snap.CPU.Pct, snap.UptimeSeconds = pct, uptime
		return nil
	})
	g.Go(func() error {
		mem, err := s.memory()
		if err != nil {
			fail("memory", err)
			return nil
		}
		snap.Memory = mem
		return nil
	})
	g.Go(func() error {
		disk, err := diskUsage(s.diskPath)
		if err != nil {
			fail("disk", err)
			return nil
		}
		snap.Disk = disk
		return nil
	})
	for _, svc := range s.services {
		g.Go(func() error {
			st := s.check(gctx, svc)
			mu.Lock()
			snap.Services[svc.Name] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(snap.Errors) > 0 {
		s.logger.WarnContext(ctx, "system health incomplete", "errors", snap.Errors)
	}
	return snap, nil
}

// cpu returns busy percent over the sampling interval and the host uptime.
func (s *Sampler) cpu(ctx context.Context) (int, int64, error) {
	fs, err := procfs.NewFS(s.procPath)
	if err != nil {
		return 0, 0, err
	}
	first, err := fs.Stat()
	if err != nil {
		return 0, 0, err
	}
	if err := s.wait(ctx, s.interval); err != nil {
		return 0, 0, err
	}
	second, err := fs.Stat()
	if err != nil {
		return 0, 0, err
	}

	var uptime int64
	if second.BootTime > 0 {
		uptime = max(s.now().Unix()-int64(second.BootTime), 0)
	}
	return busyPercent(first.CPUTotal, second.CPUTotal), uptime, nil
}

func busyPercent(a, b procfs.CPUStat) int {
	totalA, idleA := cpuTimes(a)
	totalB, idleB := cpuTimes(b)
	total := totalB - totalA
	if total <= 0 {
		return 0
	}
	return int(math.Round((1 - (idleB-idleA)/total) * 100))
}

// cpuTimes excludes guest time, which the kernel already counts as user.
func cpuTimes(c procfs.CPUStat) (total, idle float64) {
	idle = c.Idle + c.Iowait
	total = c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal + idle
	return total, idle
}

func (s *Sampler) memory() (Usage, error) {
	fs, err := procfs.NewFS(s.procPath)
	if err != nil {
		return Usage{}, err
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return Usage{}, err
	}
	if mi.MemTotal == nil {
		return Usage{}, errors.New("meminfo has no MemTotal")
	}
	avail := mi.MemAvailable
	if avail == nil {
		avail = mi.MemFree
	}
	if avail == nil {
		return Usage{}, errors.New("meminfo has no MemAvailable or MemFree")
	}
	total := *mi.MemTotal * 1024
	free := min(*avail*1024, total)
	return usage(total, total-free), nil
}

func usage(total, used uint64) Usage {
	u := Usage{TotalGB: gigabytes(total), UsedGB: gigabytes(used)}
	if total > 0 {
		u.Pct = int(math.Round(float64(used) / float64(total) * 100))
	}
	return u
}

func gigabytes(b uint64) float64 {
	return math.Round(float64(b)/bytesPerGB*10) / 10
}

// check reports a service up when it answers HTTP at all, whatever the status.
func (s *Sampler) check(ctx context.Context, svc Service) ServiceStatus {
	st := ServiceStatus{URL: svc.URL}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return st
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	st.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		s.logger.DebugContext(ctx, "service check failed", "service", svc.Name, "error", err)
		return st
	}
	_ = resp.Body.Close()
	st.Up = true
	st.Status = resp.StatusCode
	return st
}
