// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend provides the model backend boundary for the governor.
package backend

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// COMPLETION BOUNDARY
// =============================================================================

// CompletionRequest is the prompt handed to a backend.
type CompletionRequest struct {
	// Prompt is the assembled prompt text.
	Prompt string
	// MaxTokens caps the generated completion length.
	MaxTokens int
	// LanguageID hints the source language to the model.
	LanguageID string
}

// CompletionResponse is a successful backend completion.
type CompletionResponse struct {
	// Text is the raw completion text.
	Text string
	// Model is the model that produced it, when the backend reports one.
	Model string
	// Latency is the observed round-trip time.
	Latency time.Duration
}

// Completer is the model backend: one logical operation, observed latency
// 50ms to 2000ms, may fail with network/timeout/quota errors. Implementations
// must honor ctx cancellation.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// Sentinel errors for backend failure modes. The governor treats all of them
// identically (degrade to no suggestion); they exist so logs and tests can
// tell failure classes apart.
var (
	// ErrNotConfigured indicates the backend has no endpoint or key.
	ErrNotConfigured = errors.New("backend not configured")

	// ErrTimeout indicates the call exceeded its deadline.
	ErrTimeout = errors.New("backend request timed out")

	// ErrQuota indicates the provider rejected the call for rate or credit
	// reasons.
	ErrQuota = errors.New("backend quota exceeded")

	// ErrUnavailable indicates the backend could not be reached.
	ErrUnavailable = errors.New("backend unavailable")
)

// IsTimeout reports whether err is a deadline-style failure, including
// context deadline expiry from the transport.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// =============================================================================
// FUNC ADAPTER
// =============================================================================

// CompleterFunc adapts a plain function to the Completer interface.
// Tests use this to stand in for a real backend.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (CompletionResponse, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	return f(ctx, req)
}
