// Package health runs named heartbeat probes and aggregates their
// states.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status of one probe or the aggregate. Ordering: Healthy < Degraded <
// Unhealthy.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// ProbeFunc performs one check. A false return or an error counts as
// failure; exceeding the probe timeout counts as failure and the
// result is discarded.
type ProbeFunc func(ctx context.Context) (bool, error)

// RecoverFunc is invoked once on the transition to Unhealthy. Its
// outcome never changes state; recovery is confirmed only by
// subsequent successful probes.
type RecoverFunc func(name string)

// Config tunes one probe.
type Config struct {
	Interval          time.Duration
	Timeout           time.Duration
	FailureThreshold  int
	RecoveryThreshold int
	AutoRecover       RecoverFunc
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
	return c
}

type probe struct {
	name string
	fn   ProbeFunc
	cfg  Config

	status    Status
	failures  int
	successes int
	lastRun   time.Time
	lastError string
}

// Report is a point-in-time view of one probe.
type Report struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Failures  int       `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor schedules probes and tracks their state machines.
type Monitor struct {
	mu     sync.Mutex
	probes map[string]*probe
}

// NewMonitor builds an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{probes: make(map[string]*probe)}
}

// Register adds a probe. Re-registering a name replaces the probe and
// resets its state.
func (m *Monitor) Register(name string, fn ProbeFunc, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = &probe{name: name, fn: fn, cfg: cfg.withDefaults()}
}

// Unregister removes a probe; idempotent.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.probes, name)
}

// CheckNow runs one probe immediately and applies the result.
func (m *Monitor) CheckNow(ctx context.Context, name string) {
	m.mu.Lock()
	p, ok := m.probes[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.runProbe(ctx, p)
}

func (m *Monitor) runProbe(ctx context.Context, p *probe) {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ok, err := p.fn(pctx)
		ch <- result{ok, err}
	}()

	var ok bool
	var errText string
	select {
	case r := <-ch:
		ok = r.ok && r.err == nil
		if r.err != nil {
			errText = r.err.Error()
		}
	case <-pctx.Done():
		// Timed-out probe is abandoned; its late result is ignored.
		ok = false
		errText = "probe timeout"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p.lastRun = time.Now()
	p.lastError = errText
	m.applyLocked(p, ok)
}

// applyLocked advances the probe state machine.
func (m *Monitor) applyLocked(p *probe, ok bool) {
	if ok {
		switch p.status {
		case Unhealthy, Degraded:
			p.successes++
			if p.successes >= p.cfg.RecoveryThreshold {
				p.status = Healthy
				p.failures = 0
				p.successes = 0
				slog.Info("health: probe recovered", "probe", p.name)
			} else {
				p.status = Degraded
			}
		default:
			p.failures = 0
		}
		return
	}

	p.successes = 0
	switch p.status {
	case Healthy:
		p.failures++
		if p.failures >= p.cfg.FailureThreshold {
			m.toUnhealthyLocked(p)
		}
	case Degraded:
		m.toUnhealthyLocked(p)
	case Unhealthy:
		p.failures++
	}
}

func (m *Monitor) toUnhealthyLocked(p *probe) {
	already := p.status == Unhealthy
	p.status = Unhealthy
	if already {
		return
	}
	slog.Warn("health: probe unhealthy", "probe", p.name, "failures", p.failures, "error", p.lastError)
	if p.cfg.AutoRecover != nil {
		cb := p.cfg.AutoRecover
		name := p.name
		go cb(name)
	}
}

// StatusOf returns one probe's status; absent probes read Healthy.
func (m *Monitor) StatusOf(name string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.probes[name]; ok {
		return p.status
	}
	return Healthy
}

// Overall is the worst status across probes.
func (m *Monitor) Overall() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	worst := Healthy
	for _, p := range m.probes {
		if p.status > worst {
			worst = p.status
		}
	}
	return worst
}

// Reports returns per-probe views sorted by name.
func (m *Monitor) Reports() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Report, 0, len(m.probes))
	for _, p := range m.probes {
		out = append(out, Report{
			Name:      p.name,
			Status:    p.status.String(),
			Failures:  p.failures,
			LastRun:   p.lastRun,
			LastError: p.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run schedules every registered probe at its interval until ctx is
// done. Probes registered after Run starts are picked up on the next
// sweep of the scheduler tick.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	next := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			due := make([]*probe, 0, len(m.probes))
			for name, p := range m.probes {
				when, ok := next[name]
				if !ok || !now.Before(when) {
					due = append(due, p)
					next[name] = now.Add(p.cfg.Interval)
				}
			}
			m.mu.Unlock()
			for _, p := range due {
				go m.runProbe(ctx, p)
			}
		}
	}
}
