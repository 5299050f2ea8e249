package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cursorbot/cursorbot/internal/health"
)

// controlServer is the local HTTP surface: health endpoints plus the
// HTTP-backed transports (webchat, API, Google Chat webhook).
type controlServer struct {
	srv *http.Server
}

// startControlServer binds gateway.host:port and serves until closed.
func (a *App) startControlServer(ctx context.Context) (*controlServer, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/ready", a.handleReady)
	mux.HandleFunc("/health/detail", a.handleHealthDetail)

	if a.webchatAdapter != nil {
		mux.Handle("/ws", a.webchatAdapter.HTTPHandler())
	}
	if a.apiAdapter != nil {
		mux.Handle("/v1/", http.StripPrefix("/v1", a.apiAdapter.HTTPHandler()))
	}
	if a.googlechatAdapter != nil {
		path := a.cfg.Channels.GoogleChat.WebhookPath
		if path == "" {
			path = "/webhook/googlechat"
		}
		mux.Handle(path, a.googlechatAdapter.HTTPHandler())
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Gateway.Host, a.cfg.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control server: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("control server: serve failed", "error", err)
		}
	}()
	slog.Info("control server: listening", "addr", addr)
	return &controlServer{srv: srv}, nil
}

func (c *controlServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.srv.Shutdown(ctx)
}

// handleHealth reports overall liveness: 200 while the process can
// serve at all, 503 only when every subsystem is unhealthy.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := a.Health.Overall()
	status := http.StatusOK
	if overall == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": overall.String()})
}

// handleReady gates traffic: 200 only after startup completed and
// before shutdown began.
func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// handleHealthDetail reports per-subsystem state. Config is masked;
// secrets never leave the process.
func (a *App) handleHealthDetail(w http.ResponseWriter, r *http.Request) {
	received, dropped, handlerErrs := a.Gateway.Stats()
	detail := map[string]any{
		"status":  a.Health.Overall().String(),
		"ready":   a.Ready(),
		"probes":  a.Health.Reports(),
		"config":  a.cfg.MaskedCopy(),
		"uptime":  time.Since(startTime).Round(time.Second).String(),
		"gateway": map[string]any{
			"transports":     a.Gateway.Transports(),
			"received":       received,
			"dropped":        dropped,
			"handler_errors": handlerErrs,
		},
		"sessions": map[string]any{"active": a.Registry.Count()},
		"limits":   map[string]any{"buckets": a.Limiter.BucketCount()},
		"audit":    map[string]any{"denials": a.Audit.DenyCount()},
		"queue":    map[string]any{"pending": a.Queue.PendingCount()},
	}
	if a.Fleet != nil {
		detail["fleet"] = a.Fleet.Snapshot()
	}
	if a.webchatAdapter != nil {
		detail["webchat"] = map[string]any{"clients": a.webchatAdapter.ClientCount()}
	}
	writeJSON(w, http.StatusOK, detail)
}

var startTime = time.Now()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
