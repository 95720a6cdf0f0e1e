// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// GOVERNOR: Prompt assembly from editor trigger events
package governor

import (
	"strings"

	"github.com/jeranaias/rigrun-assist/internal/trigger"
)

// Prompt context windows, in bytes. The window before the cursor carries most
// of the signal; the window after exists so the model does not duplicate code
// that already follows the cursor.
const (
	promptBeforeWindow = 2000
	promptAfterWindow  = 500
)

// cursorMarker shows the model where the completion belongs.
const cursorMarker = "<CURSOR>"

// BuildPrompt assembles the backend prompt from a trigger event: a language
// tag, the bounded text around the cursor, and a cursor marker. The same
// event always yields the same prompt, which is what makes cache
// fingerprinting by prompt text sound.
func BuildPrompt(ev trigger.Event) string {
	var b strings.Builder
	b.Grow(promptBeforeWindow + promptAfterWindow + 64)

	if ev.LanguageID != "" {
		b.WriteString("Language: ")
		b.WriteString(ev.LanguageID)
		b.WriteString("\n\n")
	}
	b.WriteString(promptTail(ev.TextBefore, promptBeforeWindow))
	b.WriteString(cursorMarker)
	b.WriteString(promptHead(ev.TextAfter, promptAfterWindow))
	return b.String()
}

// promptTail returns the last n bytes of s, aligned to a line boundary when
// one exists inside the window.
func promptTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i+1 < len(cut) {
		return cut[i+1:]
	}
	return cut
}

// promptHead returns the first n bytes of s, aligned to a line boundary when
// one exists inside the window.
func promptHead(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		return cut[:i+1]
	}
	return cut
}
