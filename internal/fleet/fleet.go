// Package fleet supervises multiple gateway instances: registration,
// balancing strategies, sticky assignment and health probing.
package fleet

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"
)

// State of one gateway instance. Only Healthy and Degraded accept new
// assignments.
type State string

const (
	Starting  State = "starting"
	Healthy   State = "healthy"
	Degraded  State = "degraded"
	Unhealthy State = "unhealthy"
	Draining  State = "draining"
	Stopped   State = "stopped"
)

// Gateway is one fleet member.
type Gateway struct {
	ID     string
	Host   string
	Port   int
	Weight int

	mu          sync.Mutex
	state       State
	connections int
	totalReqs   int64
	failedReqs  int64
	probeFails  int
	probeOKs    int
}

// URL is the instance base URL.
func (g *Gateway) URL() string { return fmt.Sprintf("http://%s:%d", g.Host, g.Port) }

// State returns the current state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gateway) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Gateway) available() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == Healthy || g.state == Degraded
}

// Acquire bumps the connection counter for a new assignment.
func (g *Gateway) Acquire() {
	g.mu.Lock()
	g.connections++
	g.totalReqs++
	g.mu.Unlock()
}

// Release drops the connection counter.
func (g *Gateway) Release() {
	g.mu.Lock()
	if g.connections > 0 {
		g.connections--
	}
	g.mu.Unlock()
}

// MarkFailed counts a failed request.
func (g *Gateway) MarkFailed() {
	g.mu.Lock()
	g.failedReqs++
	g.mu.Unlock()
}

// Connections reads the live connection count.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connections
}

// Strategy selects gateways.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	Random           Strategy = "random"
	IPHash           Strategy = "ip_hash"
	Weighted         Strategy = "weighted"
)

// ParseStrategy maps a config string, defaulting to round robin.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case LeastConnections, Random, IPHash, Weighted:
		return Strategy(s)
	default:
		return RoundRobin
	}
}

type affinity struct {
	gatewayID string
	expires   time.Time
}

// Config tunes the supervisor.
type Config struct {
	Strategy          Strategy
	Sticky            bool
	StickyTTL         time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	FailureThreshold  int
	RecoveryThreshold int
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = RoundRobin
	}
	if c.StickyTTL <= 0 {
		c.StickyTTL = 30 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
	return c
}

// Supervisor manages the fleet.
type Supervisor struct {
	cfg Config

	mu        sync.Mutex
	gateways  map[string]*Gateway
	order     []string // registration order, for round robin
	rrIndex   int
	sticky    map[string]affinity
	rng       *rand.Rand
	now       func() time.Time

	client *http.Client
}

// New builds a supervisor.
func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:      cfg,
		gateways: make(map[string]*Gateway),
		sticky:   make(map[string]affinity),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// Register adds an instance in Starting state; the first successful
// probe (or MarkHealthy) makes it available.
func (s *Supervisor) Register(g *Gateway) {
	g.setState(Starting)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gateways[g.ID]; !ok {
		s.order = append(s.order, g.ID)
	}
	s.gateways[g.ID] = g
}

// MarkHealthy force-promotes an instance, for tests and local fleets
// without probe endpoints.
func (s *Supervisor) MarkHealthy(id string) {
	s.mu.Lock()
	g := s.gateways[id]
	s.mu.Unlock()
	if g != nil {
		g.setState(Healthy)
	}
}

// Drain moves an instance to Draining: existing connections continue,
// new assignments skip it.
func (s *Supervisor) Drain(id string) {
	s.mu.Lock()
	g := s.gateways[id]
	s.mu.Unlock()
	if g != nil {
		g.setState(Draining)
	}
}

// Unregister removes an instance and purges affinities referencing it.
// Idempotent.
func (s *Supervisor) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gateways[id]; ok {
		g.setState(Stopped)
		delete(s.gateways, id)
	}
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for user, aff := range s.sticky {
		if aff.gatewayID == id {
			delete(s.sticky, user)
		}
	}
}

// Get selects a gateway for userID (may be "" for strategies that
// ignore it). Returns nil when no instance is available.
func (s *Supervisor) Get(userID string) *Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Sticky && userID != "" {
		if aff, ok := s.sticky[userID]; ok {
			if s.now().Before(aff.expires) {
				if g, live := s.gateways[aff.gatewayID]; live && g.available() {
					return g
				}
			}
			delete(s.sticky, userID)
		}
	}

	avail := s.availableLocked()
	if len(avail) == 0 {
		return nil
	}

	var pick *Gateway
	switch s.cfg.Strategy {
	case LeastConnections:
		pick = avail[0]
		for _, g := range avail[1:] {
			if g.Connections() < pick.Connections() {
				pick = g
			}
		}
	case Random:
		pick = avail[s.rng.Intn(len(avail))]
	case IPHash:
		h := fnv.New32a()
		h.Write([]byte(userID))
		pick = avail[int(h.Sum32())%len(avail)]
	case Weighted:
		total := 0
		for _, g := range avail {
			w := g.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		n := s.rng.Intn(total)
		for _, g := range avail {
			w := g.Weight
			if w <= 0 {
				w = 1
			}
			if n < w {
				pick = g
				break
			}
			n -= w
		}
	default: // RoundRobin
		s.rrIndex = (s.rrIndex + 1) % len(avail)
		pick = avail[s.rrIndex]
	}

	if s.cfg.Sticky && userID != "" && pick != nil {
		s.sticky[userID] = affinity{gatewayID: pick.ID, expires: s.now().Add(s.cfg.StickyTTL)}
	}
	return pick
}

// availableLocked returns available gateways in registration order.
func (s *Supervisor) availableLocked() []*Gateway {
	out := make([]*Gateway, 0, len(s.gateways))
	for _, id := range s.order {
		if g, ok := s.gateways[id]; ok && g.available() {
			out = append(out, g)
		}
	}
	return out
}

// Snapshot reports the fleet for the health detail endpoint.
func (s *Supervisor) Snapshot() []map[string]any {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	gws := make(map[string]*Gateway, len(s.gateways))
	for k, v := range s.gateways {
		gws[k] = v
	}
	s.mu.Unlock()

	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		g, ok := gws[id]
		if !ok {
			continue
		}
		g.mu.Lock()
		out = append(out, map[string]any{
			"id":          g.ID,
			"url":         g.URL(),
			"state":       string(g.state),
			"connections": g.connections,
			"total":       g.totalReqs,
			"failed":      g.failedReqs,
		})
		g.mu.Unlock()
	}
	return out
}

// Run probes every instance's /health endpoint at the configured
// interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			gws := make([]*Gateway, 0, len(s.gateways))
			for _, g := range s.gateways {
				gws = append(gws, g)
			}
			s.mu.Unlock()
			for _, g := range gws {
				go s.probe(ctx, g)
			}
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, g *Gateway) {
	if g.State() == Draining || g.State() == Stopped {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.URL()+"/health", nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	ok := err == nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		resp.Body.Close()
	}
	s.applyProbe(g, ok)
}

// applyProbe advances the per-gateway threshold state machine.
func (s *Supervisor) applyProbe(g *Gateway, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ok {
		switch g.state {
		case Starting:
			g.state = Healthy
		case Unhealthy, Degraded:
			g.probeOKs++
			if g.probeOKs >= s.cfg.RecoveryThreshold {
				g.state = Healthy
				g.probeFails = 0
				g.probeOKs = 0
			} else {
				g.state = Degraded
			}
		default:
			g.probeFails = 0
		}
		return
	}
	g.probeOKs = 0
	switch g.state {
	case Healthy, Starting:
		g.probeFails++
		if g.probeFails >= s.cfg.FailureThreshold {
			g.state = Unhealthy
			slog.Warn("fleet: gateway unhealthy", "gateway", g.ID)
		}
	case Degraded:
		g.state = Unhealthy
	}
}
