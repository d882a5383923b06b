package main

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/krmx/krmx-go/pkg/server"
)

// adminServer exposes /healthz and /metrics on a separate listener so
// observability traffic never competes with websocket upgrades.
type adminServer struct {
	srv     *server.Server
	logger  zerolog.Logger
	http    *http.Server
	started time.Time
	proc    *process.Process
}

type healthResponse struct {
	Status      string  `json:"status"`
	UptimeSecs  float64 `json:"uptime_seconds"`
	Users       int     `json:"users"`
	LinkedUsers int     `json:"linked_users"`
	Goroutines  int     `json:"goroutines"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    float64 `json:"memory_mb"`
}

func newAdminServer(srv *server.Server, addr string, logger zerolog.Logger) *adminServer {
	a := &adminServer{
		srv:     srv,
		logger:  logger,
		started: time.Now(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		a.proc = proc
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	a.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return a
}

func (a *adminServer) start() {
	go func() {
		a.logger.Info().Str("addr", a.http.Addr).Msg("admin endpoint listening")
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("admin endpoint error")
		}
	}()
}

func (a *adminServer) stop() {
	a.http.Close()
}

func (a *adminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	users := a.srv.Users()
	linked := 0
	for _, u := range users {
		if u.IsLinked {
			linked++
		}
	}

	resp := healthResponse{
		Status:      a.srv.Status().String(),
		UptimeSecs:  time.Since(a.started).Seconds(),
		Users:       len(users),
		LinkedUsers: linked,
		Goroutines:  runtime.NumGoroutine(),
	}
	if a.proc != nil {
		if cpu, err := a.proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
		if mem, err := a.proc.MemoryInfo(); err == nil {
			resp.MemoryMB = float64(mem.RSS) / 1024.0 / 1024.0
		}
	}

	code := http.StatusOK
	if a.srv.Status() != server.StatusListening {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
