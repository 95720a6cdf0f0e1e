// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// SERVER: HTTP control surface for the editor extension
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/jeranaias/rigrun-assist/internal/governor"
	"github.com/jeranaias/rigrun-assist/internal/metrics"
	"github.com/jeranaias/rigrun-assist/internal/telemetry"
	"github.com/jeranaias/rigrun-assist/internal/trigger"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address. Loopback only.
	DefaultAddr = "127.0.0.1:7432"

	// MaxRequestBodySize is the maximum size for a request body to prevent
	// DoS (1MB covers the bounded editor context with ample headroom).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxContextLength is the maximum length for the text on either side of
	// the cursor.
	MaxContextLength = 512 * 1024

	// Version is the server version.
	Version = "0.1.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the local HTTP surface between the editor extension and the
// governor.
type Server struct {
	addr   string
	router *http.ServeMux
	server *http.Server

	gov         *governor.Governor
	store       *telemetry.Store
	backendName string
	startTime   time.Time
}

// NewServer creates a server for a governor. If addr is empty the default
// loopback address is used.
func NewServer(addr string, gov *governor.Governor) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		addr:      addr,
		router:    http.NewServeMux(),
		gov:       gov,
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// WithTelemetry attaches a telemetry store; feedback events are persisted to
// it and snapshot history becomes queryable.
func (s *Server) WithTelemetry(store *telemetry.Store) *Server {
	s.store = store
	return s
}

// WithBackendName sets the backend name reported by /health and /stats.
func (s *Server) WithBackendName(name string) *Server {
	s.backendName = name
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /v1/assist/trigger", s.handleTrigger)
	s.router.HandleFunc("POST /v1/assist/feedback", s.handleFeedback)
	s.router.HandleFunc("POST /v1/assist/document-close", s.handleDocumentClose)

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
	s.router.HandleFunc("POST /stats/reset", s.handleStatsReset)

	s.router.HandleFunc("POST /cache/clear", s.handleCacheClear)
	s.router.HandleFunc("POST /cache/clear-document", s.handleCacheClearDocument)
	s.router.HandleFunc("POST /toggle", s.handleToggle)

	s.router.HandleFunc("GET /telemetry/snapshots", s.handleTelemetrySnapshots)
}

// Handler returns the composed handler (exported for tests).
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		LoopbackOnlyMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
	)(s.router)
}

// ============================================================================
// TRIGGER HANDLER
// ============================================================================

// TriggerRequest is an editor trigger event on the wire.
type TriggerRequest struct {
	DocumentID   string `json:"document_id"`
	CursorLine   int    `json:"cursor_line"`
	CursorColumn int    `json:"cursor_column"`
	TextBefore   string `json:"text_before"`
	TextAfter    string `json:"text_after"`
	LanguageID   string `json:"language_id"`
}

// TriggerResponse is the governor's resolution of a trigger. The outcome is
// never an HTTP error: a declined or dropped trigger is a normal 200 with an
// empty suggestion.
type TriggerResponse struct {
	Outcome    string `json:"outcome"`
	Suggestion string `json:"suggestion,omitempty"`
	Signature  string `json:"signature"`
	FromCache  bool   `json:"from_cache"`
	Confidence string `json:"confidence,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// handleTrigger handles POST /v1/assist/trigger. The call blocks until the
// governor resolves the trigger (debounce included), so the extension gets
// exactly one response per trigger.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("Invalid trigger body: %v", err)
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if req.DocumentID == "" {
		s.writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}
	if len(req.TextBefore) > MaxContextLength || len(req.TextAfter) > MaxContextLength {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("context exceeds maximum length of %d bytes", MaxContextLength))
		return
	}

	resultCh := make(chan governor.Result, 1)
	s.gov.Trigger(trigger.Event{
		DocumentID:   req.DocumentID,
		CursorLine:   req.CursorLine,
		CursorColumn: req.CursorColumn,
		TextBefore:   req.TextBefore,
		TextAfter:    req.TextAfter,
		LanguageID:   req.LanguageID,
		Timestamp:    time.Now(),
	}, func(res governor.Result) {
		resultCh <- res
	})

	select {
	case res := <-resultCh:
		resp := TriggerResponse{
			Outcome:   res.Outcome.String(),
			Signature: res.Signature.String(),
			FromCache: res.FromCache,
			RequestID: res.RequestID,
		}
		if res.Outcome.HasSuggestion() {
			resp.Suggestion = res.Suggestion
			if res.FromCache {
				resp.Confidence = res.Confidence.String()
			}
		}
		s.writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
		// Editor gave up; the governor resolves the trigger on its own.
	}
}

// ============================================================================
// FEEDBACK HANDLERS
// ============================================================================

// FeedbackRequest records the user's verdict on a suggestion.
type FeedbackRequest struct {
	Signature string `json:"signature"`
	Accepted  bool   `json:"accepted"`
}

// handleFeedback handles POST /v1/assist/feedback.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	sig := trigger.ParseSignature(req.Signature)
	if sig == trigger.SignatureGeneric && req.Signature != "" && req.Signature != trigger.SignatureGeneric.String() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown signature %q", req.Signature))
		return
	}

	if req.Accepted {
		s.gov.RecordAcceptance(sig)
	} else {
		s.gov.RecordRejection(sig)
	}

	if s.store != nil {
		if err := s.store.RecordFeedback(r.Context(), sig.String(), req.Accepted, time.Now()); err != nil {
			log.Printf("assist: feedback persist failed: %v", err)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DocumentCloseRequest names the document being closed.
type DocumentCloseRequest struct {
	DocumentID string `json:"document_id"`
}

// handleDocumentClose handles POST /v1/assist/document-close.
func (s *Server) handleDocumentClose(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req DocumentCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if req.DocumentID == "" {
		s.writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	s.gov.CloseDocument(req.DocumentID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// HEALTH AND STATS HANDLERS
// ============================================================================

// HealthResponse reports process liveness.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Backend       string `json:"backend"`
	Enabled       bool   `json:"enabled"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       Version,
		Backend:       s.backendName,
		Enabled:       s.gov.Enabled(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

// StatsResponse is the statistics surface plus server-level context.
type StatsResponse struct {
	metrics.Snapshot

	Enabled        bool              `json:"enabled"`
	Backend        string            `json:"backend"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	FeedbackTotals map[string][2]int `json:"feedback_totals,omitempty"`
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Snapshot:       s.gov.Statistics(),
		Enabled:        s.gov.Enabled(),
		Backend:        s.backendName,
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
		FeedbackTotals: s.gov.FeedbackTotals(),
	})
}

// handleStatsReset handles POST /stats/reset.
func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	s.gov.ResetStatistics()
	log.Printf("STATS_RESET")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// CONTROL HANDLERS
// ============================================================================

// handleCacheClear handles POST /cache/clear.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.gov.ClearCache()
	log.Printf("CACHE_CLEARED")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCacheClearDocument handles POST /cache/clear-document.
func (s *Server) handleCacheClearDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req DocumentCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if req.DocumentID == "" {
		s.writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	s.gov.ClearDocumentCache(req.DocumentID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleToggle handles POST /toggle.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	enabled := s.gov.ToggleEnabled()
	log.Printf("TOGGLED | enabled=%v", enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// ============================================================================
// TELEMETRY HANDLERS
// ============================================================================

// handleTelemetrySnapshots handles GET /telemetry/snapshots.
func (s *Server) handleTelemetrySnapshots(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "telemetry not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}

	rows, err := s.store.RecentSnapshots(r.Context(), limit)
	if err != nil {
		log.Printf("assist: snapshot query failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "snapshot query failed")
		return
	}

	type snapshotRow struct {
		TakenAt  time.Time        `json:"taken_at"`
		Snapshot metrics.Snapshot `json:"snapshot"`
	}
	out := make([]snapshotRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, snapshotRow{TakenAt: row.TakenAt, Snapshot: row.Snapshot})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		// The trigger endpoint holds connections through debounce plus a
		// full backend call; the write timeout must outlast both.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s backend=%s", s.addr, Version, s.backendName)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    status,
		},
	})
}
