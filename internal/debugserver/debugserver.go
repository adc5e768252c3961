// Package debugserver implements the operator-facing diagnostic HTTP
// server. It is structurally adapted from the teacher's internal/api
// package (plain net/http, no framework, a withLogging middleware, one
// handler method per route) but exposes read-only bus introspection
// instead of an OpenAI-compatible chat API. None of it is reachable
// from guest processes.
package debugserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/skip2/go-qrcode"
	"github.com/yuin/goldmark"

	"github.com/kernelkit/novabus/internal/audit"
	"github.com/kernelkit/novabus/internal/buildinfo"
	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/programs/registry"
	"github.com/kernelkit/novabus/internal/telemetry"
)

// Server is the diagnostic HTTP server.
type Server struct {
	address  string
	port     int
	coll     *bus.Collection
	reg      *registry.Program // nil if the registry program is disabled
	auditLog *audit.Store      // nil if the audit trail is disabled
	tel      *telemetry.Bus
	ws       *telemetry.WSServer
	emitQR   bool
	logger   *slog.Logger
	server   *http.Server
}

// Deps bundles the collaborators the debug server reports on. reg and
// auditLog may be nil when their respective native program/audit trail
// is disabled in configuration.
type Deps struct {
	Collection  *bus.Collection
	Registry    *registry.Program
	Audit       *audit.Store
	Telemetry   *telemetry.Bus
	EmitQRCodes bool
}

// NewServer creates a diagnostic server bound to address:port.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		coll:     deps.Collection,
		reg:      deps.Registry,
		auditLog: deps.Audit,
		tel:      deps.Telemetry,
		ws:       telemetry.NewWSServer(deps.Telemetry, logger),
		emitQR:   deps.EmitQRCodes,
		logger:   logger,
	}
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /adapters", s.handleAdapters)
	mux.HandleFunc("GET /registry", s.handleRegistry)
	mux.HandleFunc("GET /registry/{hash}.png", s.handleRegistryQR)
	mux.HandleFunc("GET /audit", s.handleAudit)
	mux.HandleFunc("GET /ws/events", s.ws.ServeHTTP)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting debug server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("debugserver request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("debugserver: failed to write JSON response", "error", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"name": "novabus", "status": "ok"}, s.logger)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// adapterView is the JSON rendering of bus.AdapterInfo with
// human-readable fields added via go-humanize, the same "nice to a
// human reading the dashboard" role it plays in the teacher's web
// dashboard.
type adapterView struct {
	Pid                  bus.Pid  `json:"pid"`
	RegisteredInterfaces []string `json:"registered_interfaces"`
	ExpectedResponses    int      `json:"expected_responses"`
	ExpectedResponsesSI  string   `json:"expected_responses_human"`
}

func (s *Server) handleAdapters(w http.ResponseWriter, r *http.Request) {
	if s.coll == nil {
		writeJSON(w, []adapterView{}, s.logger)
		return
	}
	infos := s.coll.Adapters()
	out := make([]adapterView, 0, len(infos))
	for _, info := range infos {
		ifaces := make([]string, 0, len(info.RegisteredInterfaces))
		for _, h := range info.RegisteredInterfaces {
			ifaces = append(ifaces, h.String())
		}
		out = append(out, adapterView{
			Pid:                  info.Pid,
			RegisteredInterfaces: ifaces,
			ExpectedResponses:    info.ExpectedResponses,
			ExpectedResponsesSI:  humanize.Comma(int64(info.ExpectedResponses)),
		})
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if s.reg == nil {
		fmt.Fprintln(w, "<p>registry program disabled</p>")
		return
	}

	fmt.Fprintln(w, "<!doctype html><html><body><h1>novabus interface registry</h1>")
	for _, e := range s.reg.Entries() {
		fmt.Fprintf(w, "<section><h2>%s</h2><p>hash: <code>%s</code></p>", e.Name, e.Hash)
		if s.emitQR {
			// Keyed by hash, not name: interface names routinely contain
			// "/" (e.g. "novabus.tcp.accepted/v1"), which a single
			// {name}.png path segment can't carry.
			fmt.Fprintf(w, `<img src="/registry/%s.png" alt="QR code for %s">`, e.Hash, e.Name)
		}
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(e.Description), &buf); err != nil {
			s.logger.Debug("debugserver: render registry description", "interface", e.Name, "error", err)
		} else {
			w.Write(buf.Bytes())
		}
		fmt.Fprintln(w, "</section>")
	}
	fmt.Fprintln(w, "</body></html>")
}

func (s *Server) handleRegistryQR(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if s.reg == nil {
		http.NotFound(w, r)
		return
	}
	var target *registry.Entry
	for _, e := range s.reg.Entries() {
		if e.Hash.String() == hash {
			target = &e
			break
		}
	}
	if target == nil {
		http.NotFound(w, r)
		return
	}
	png, err := qrcode.Encode(target.Hash.String(), qrcode.Medium, 256)
	if err != nil {
		http.Error(w, "failed to render QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeJSON(w, map[string]any{"enabled": false}, s.logger)
		return
	}
	recent, err := s.auditLog.RecentRegistrations(50)
	if err != nil {
		s.logger.Warn("debugserver: query recent registrations", "error", err)
	}
	writeJSON(w, map[string]any{
		"enabled":       true,
		"stats":         s.auditLog.Stats(),
		"registrations": recent,
		"uptime":        buildinfo.Uptime().String(),
	}, s.logger)
}
