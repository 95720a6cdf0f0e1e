// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-assist/internal/backend"
	"github.com/jeranaias/rigrun-assist/internal/governor"
)

// newTestServer builds a server over a fast governor and an instant backend.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	completer := backend.CompleterFunc(func(ctx context.Context, req backend.CompletionRequest) (backend.CompletionResponse, error) {
		return backend.CompletionResponse{Text: "completed-body", Model: "test"}, nil
	})
	gov := governor.New(governor.Config{
		Debounce:             10 * time.Millisecond,
		Cooldown:             time.Millisecond,
		MaxRequestsPerMinute: 100,
		MaxConcurrent:        4,
		RequestTimeout:       2 * time.Second,
	}, completer, nil, nil)
	t.Cleanup(gov.Close)
	return NewServer("127.0.0.1:0", gov).WithBackendName("test")
}

// do issues a request against the full middleware chain from a loopback peer.
func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

// TestTriggerEndpointReturnsSuggestion verifies the full path from HTTP body
// to backend completion.
func TestTriggerEndpointReturnsSuggestion(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/assist/trigger", TriggerRequest{
		DocumentID: "doc-1",
		TextBefore: "function add(a, b) {",
		TextAfter:  "}",
		LanguageID: "javascript",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TriggerResponse](t, rec)
	assert.Equal(t, "suggestion", resp.Outcome)
	assert.Equal(t, "completed-body", resp.Suggestion)
	assert.Equal(t, "function-decl-missing-body", resp.Signature)
	assert.False(t, resp.FromCache)
	assert.NotEmpty(t, resp.RequestID)
}

// TestTriggerEndpointDeclinesGenericContext verifies a declined trigger is a
// normal 200 with no suggestion, not an error.
func TestTriggerEndpointDeclinesGenericContext(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/assist/trigger", TriggerRequest{
		DocumentID: "doc-1",
		TextBefore: "let x = 1;",
		LanguageID: "javascript",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TriggerResponse](t, rec)
	assert.Equal(t, "no-trigger", resp.Outcome)
	assert.Empty(t, resp.Suggestion)
}

// TestTriggerEndpointValidation verifies body validation failures.
func TestTriggerEndpointValidation(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/assist/trigger", TriggerRequest{TextBefore: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/assist/trigger", bytes.NewBufferString("{not json"))
	req.RemoteAddr = "127.0.0.1:54321"
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

// TestFeedbackEndpoint verifies feedback recording and signature validation.
func TestFeedbackEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/assist/feedback", FeedbackRequest{
		Signature: "todo-comment",
		Accepted:  false,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	totals := s.gov.FeedbackTotals()
	assert.Equal(t, [2]int{0, 1}, totals["todo-comment"])

	rec = do(t, s, http.MethodPost, "/v1/assist/feedback", FeedbackRequest{
		Signature: "not-a-signature",
		Accepted:  true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestDocumentCloseEndpoint verifies the close route requires a document id.
func TestDocumentCloseEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/assist/document-close", DocumentCloseRequest{DocumentID: "doc-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/assist/document-close", DocumentCloseRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestHealthEndpoint verifies the liveness response.
func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Backend)
	assert.True(t, resp.Enabled)
}

// TestStatsAndReset verifies statistics accumulate and reset over HTTP.
func TestStatsAndReset(t *testing.T) {
	s := newTestServer(t)

	do(t, s, http.MethodPost, "/v1/assist/trigger", TriggerRequest{
		DocumentID: "doc-1",
		TextBefore: "function add(a, b) {",
		TextAfter:  "}",
		LanguageID: "javascript",
	})

	rec := do(t, s, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), stats["total_requests"])
	assert.Equal(t, float64(1), stats["api_calls"])
	assert.Equal(t, "test", stats["backend"])

	rec = do(t, s, http.MethodPost, "/stats/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/stats", nil)
	stats = decode[map[string]any](t, rec)
	assert.Equal(t, float64(0), stats["total_requests"])
}

// TestToggleEndpoint verifies the enabled flag flips and disabled triggers
// resolve immediately.
func TestToggleEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]bool](t, rec)
	assert.False(t, resp["enabled"])

	rec = do(t, s, http.MethodPost, "/v1/assist/trigger", TriggerRequest{
		DocumentID: "doc-1",
		TextBefore: "function add(a, b) {",
		LanguageID: "javascript",
	})
	trig := decode[TriggerResponse](t, rec)
	assert.Equal(t, "disabled", trig.Outcome)

	rec = do(t, s, http.MethodPost, "/toggle", nil)
	resp = decode[map[string]bool](t, rec)
	assert.True(t, resp["enabled"])
}

// TestCacheClearEndpoints verifies both clear routes.
func TestCacheClearEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/cache/clear", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/cache/clear-document", DocumentCloseRequest{DocumentID: "doc-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/cache/clear-document", DocumentCloseRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestTelemetrySnapshotsWithoutStore verifies the route 404s when telemetry
// is disabled.
func TestTelemetrySnapshotsWithoutStore(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/telemetry/snapshots", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestLoopbackGuard verifies non-loopback peers are rejected before any
// handler runs.
func TestLoopbackGuard(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
