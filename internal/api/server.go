package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tvheadendepg/internal/clock"
	"tvheadendepg/internal/coordinator"
	"tvheadendepg/internal/entry"
	"tvheadendepg/internal/epg"
	"tvheadendepg/internal/tvheadend"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	requestTimeout = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = (wsPongWait * 9) / 10
)

// EntryService is the entry lifecycle surface the API needs.
type EntryService interface {
	List() []*entry.Handle
	Get(id string) (*entry.Handle, error)
	Refresh(ctx context.Context, id string) (epg.Snapshot, error)
	Record(ctx context.Context, id string, eventID int64) error
}

// Server provides HTTP API endpoints for the EPG bridge
type Server struct {
	entries  EntryService
	clock    clock.Clock
	logger   *zap.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer creates a new API server
func NewServer(entries EntryService, clk clock.Clock, logger *zap.Logger, port int) *Server {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	s := &Server{
		entries: entries,
		clock:   clk,
		logger:  logger.Named("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.routes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/entries", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Get("/", s.handleListEntries)
			r.Get("/{id}/epg", s.handleGetEPG)
			r.Post("/{id}/refresh", s.handleRefresh)
			r.Post("/{id}/record", s.handleRecord)
		})
		r.Get("/{id}/ws", s.handleEntryWS)
	})

	return r
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// EntryInfo describes one set up entry.
type EntryInfo struct {
	ID     string             `json:"id"`
	Title  string             `json:"title"`
	URL    string             `json:"url"`
	Slug   string             `json:"slug"`
	Status coordinator.Status `json:"status"`
}

// EPGResponse is the published snapshot of one entry.
type EPGResponse struct {
	EntryID   string             `json:"entry_id"`
	Title     string             `json:"title"`
	Stale     bool               `json:"stale"`
	Status    coordinator.Status `json:"status"`
	FetchedAt time.Time          `json:"fetched_at"`
	Entries   []epg.Entry        `json:"entries"`
	Upcoming  []epg.Summary      `json:"upcoming,omitempty"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RecordRequest is the body of the record endpoint.
type RecordRequest struct {
	EventID *int64 `json:"event_id"`
}

func infoFor(h *entry.Handle) EntryInfo {
	return EntryInfo{
		ID:     h.ID,
		Title:  h.Title,
		URL:    h.Client.BaseURL(),
		Slug:   h.Slug,
		Status: h.Coordinator.Status(),
	}
}

func epgFor(h *entry.Handle, snap epg.Snapshot) EPGResponse {
	status := h.Coordinator.Status()
	entries := snap.Entries
	if entries == nil {
		entries = []epg.Entry{}
	}
	return EPGResponse{
		EntryID:   h.ID,
		Title:     h.Title,
		Stale:     !status.LastUpdateSuccess,
		Status:    status,
		FetchedAt: snap.FetchedAt,
		Entries:   entries,
	}
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	handles := s.entries.List()
	infos := make([]EntryInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, infoFor(h))
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// handleGetEPG returns the published snapshot. ?upcoming=N adds the next N
// programmes in start order.
func (s *Server) handleGetEPG(w http.ResponseWriter, r *http.Request) {
	h, err := s.entries.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	snap, _ := h.Coordinator.Data()
	resp := epgFor(h, snap)

	if v := r.URL.Query().Get("upcoming"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "bad_request",
				Message: fmt.Sprintf("upcoming must be a positive integer, got %q", v),
			})
			return
		}
		resp.Upcoming = snap.Upcoming(s.clock.Now(), n)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.entries.Refresh(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	h, err := s.entries.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, epgFor(h, snap))
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "bad_request",
			Message: `body must be {"event_id": <id>}`,
		})
		return
	}

	if err := s.entries.Record(r.Context(), chi.URLParam(r, "id"), *req.EventID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "scheduled",
		"event_id": *req.EventID,
	})
}

// handleEntryWS streams the current snapshot, then one message per refresh.
func (s *Server) handleEntryWS(w http.ResponseWriter, r *http.Request) {
	h, err := s.entries.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates := make(chan coordinator.Update, 4)
	remove := h.Coordinator.AddListener(func(u coordinator.Update) {
		select {
		case updates <- u:
		default:
			s.logger.Warn("Dropping EPG update for slow websocket client", zap.String("entry", h.ID))
		}
	})
	defer remove()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(v interface{}) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			s.logger.Debug("Websocket write failed", zap.String("entry", h.ID), zap.Error(err))
			return false
		}
		return true
	}

	snap, _ := h.Coordinator.Data()
	if !send(epgFor(h, snap)) {
		return
	}
	s.logger.Debug("Websocket client subscribed",
		zap.String("entry", h.ID),
		zap.String("remote_addr", r.RemoteAddr))

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case u := <-updates:
			if !send(epgFor(h, u.Snapshot)) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"entries": len(s.entries.List()),
	})
}

// statusFor maps an error to its HTTP status and short code.
func statusFor(err error) (int, string) {
	if errors.Is(err, entry.ErrUnknownEntry) {
		return http.StatusNotFound, "unknown_entry"
	}

	// A ConnectionError may wrap a context error, so classify it first.
	switch kind := tvheadend.Kind(err); kind {
	case "auth", "request":
		return http.StatusBadGateway, kind
	case "connection":
		return http.StatusGatewayTimeout, kind
	}

	switch {
	case errors.Is(err, coordinator.ErrStopped):
		return http.StatusServiceUnavailable, "stopped"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", zap.String("error_kind", code), zap.Error(err))
	}
	s.writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/entries", Method: "GET", Description: "List configured TVHeadend entries and their refresh status"},
	{Path: "/api/entries/{id}/epg", Method: "GET", Description: "Published EPG snapshot; ?upcoming=N adds the next N programmes"},
	{Path: "/api/entries/{id}/refresh", Method: "POST", Description: "Refresh the EPG now and return the new snapshot"},
	{Path: "/api/entries/{id}/record", Method: "POST", Description: `Schedule a recording, body {"event_id": N}`},
	{Path: "/api/entries/{id}/ws", Method: "GET", Description: "Websocket: current snapshot, then every refresh"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	preferHTML := strings.HasPrefix(accept, "text/html") || strings.HasPrefix(accept, "*/*")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>TVHeadend EPG API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>TVHeadend EPG API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "TVHeadend EPG API\n")
		fmt.Fprintf(w, "=================\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-28s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop closes websocket streams and gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")
	s.closeOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
