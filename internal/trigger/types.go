// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trigger classifies editor events into completion trigger signatures.
package trigger

import (
	"fmt"
	"time"
)

// ============================================================================
// EVENT TYPE
// ============================================================================

// Event is a snapshot of the editor state at a completion opportunity.
// Created per keystroke or selection change and discarded after one
// request cycle.
type Event struct {
	// DocumentID identifies the document (URI or path).
	DocumentID string
	// CursorLine is the zero-based line of the cursor.
	CursorLine int
	// CursorColumn is the zero-based column of the cursor.
	CursorColumn int
	// TextBefore is the document text before the cursor.
	TextBefore string
	// TextAfter is the document text after the cursor.
	TextAfter string
	// LanguageID is the editor language identifier (e.g. "go", "python").
	LanguageID string
	// Timestamp is when the event was observed.
	Timestamp time.Time
}

// CurrentLine returns the text of the line the cursor is on, up to the cursor.
func (e Event) CurrentLine() string {
	line := e.TextBefore
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '\n' {
			return line[i+1:]
		}
	}
	return line
}

// ============================================================================
// SIGNATURE TYPE
// ============================================================================

// Signature is the coarse classification of a trigger context.
// Many Events map to one Signature; the pattern cache and the rejection
// tracker are keyed by it.
type Signature int

const (
	// SignatureGeneric represents an unmatched context. Never triggers.
	SignatureGeneric Signature = iota
	// SignatureFunctionDecl represents a function or method declaration with
	// an empty or stub body.
	SignatureFunctionDecl
	// SignatureClassDecl represents a class/type declaration lacking members.
	SignatureClassDecl
	// SignatureTodoComment represents a TODO or FIXME comment line.
	SignatureTodoComment
	// SignatureTryBlock represents a try block missing a catch/finally.
	SignatureTryBlock
	// SignatureTestStub represents a test function with an empty body.
	SignatureTestStub
	// SignatureAlgorithmComment represents a natural-language comment
	// describing an algorithm above an empty code region.
	SignatureAlgorithmComment
)

// String returns the stable wire name of the signature.
func (s Signature) String() string {
	switch s {
	case SignatureGeneric:
		return "generic"
	case SignatureFunctionDecl:
		return "function-decl-missing-body"
	case SignatureClassDecl:
		return "class-decl-empty"
	case SignatureTodoComment:
		return "todo-comment"
	case SignatureTryBlock:
		return "try-without-catch"
	case SignatureTestStub:
		return "test-stub"
	case SignatureAlgorithmComment:
		return "algorithm-comment"
	default:
		return fmt.Sprintf("Signature(%d)", s)
	}
}

// ParseSignature maps a wire name back to a Signature.
// Unknown names map to SignatureGeneric.
func ParseSignature(name string) Signature {
	switch name {
	case "function-decl-missing-body":
		return SignatureFunctionDecl
	case "class-decl-empty":
		return SignatureClassDecl
	case "todo-comment":
		return SignatureTodoComment
	case "try-without-catch":
		return SignatureTryBlock
	case "test-stub":
		return SignatureTestStub
	case "algorithm-comment":
		return SignatureAlgorithmComment
	default:
		return SignatureGeneric
	}
}

// Signatures lists every signature that can trigger, in priority order.
func Signatures() []Signature {
	return []Signature{
		SignatureFunctionDecl,
		SignatureClassDecl,
		SignatureTodoComment,
		SignatureTryBlock,
		SignatureTestStub,
		SignatureAlgorithmComment,
	}
}

// ============================================================================
// DECISION TYPE
// ============================================================================

// Decision is the result of classifying an Event.
type Decision struct {
	// ShouldTrigger reports whether the context is worth a model call.
	ShouldTrigger bool
	// Signature is the derived trigger signature.
	Signature Signature
}

// String returns a human-readable summary of the decision.
func (d Decision) String() string {
	if !d.ShouldTrigger {
		return fmt.Sprintf("skip (%s)", d.Signature)
	}
	return fmt.Sprintf("trigger (%s)", d.Signature)
}
