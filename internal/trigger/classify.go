// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// TRIGGER: Pattern detection for completion opportunities
package trigger

import (
	"regexp"
	"strings"
)

// ============================================================================
// PATTERN TABLES
// ============================================================================

// Declaration patterns are intentionally language-loose: the classifier sees
// many languages and only needs a coarse signal, never a parse.
var (
	// funcDeclRe matches function/method declarations across common languages:
	// Go, JavaScript/TypeScript, Python, Rust, Java/C#-style methods.
	funcDeclRe = regexp.MustCompile(`(?m)^\s*(?:(?:pub|public|private|protected|static|async|export)\s+)*(?:func|function|fn|def)\s+([A-Za-z_][A-Za-z0-9_]*)\s*(?:\[[^\]]*\])?\(`)

	// methodDeclRe matches C-family method declarations without a keyword,
	// e.g. "public int sum(int a, int b) {".
	methodDeclRe = regexp.MustCompile(`(?m)^\s*(?:(?:public|private|protected|static|final|override|async)\s+)+[A-Za-z_<>\[\],\s]+\s([A-Za-z_][A-Za-z0-9_]*)\s*\([^)]*\)\s*\{?\s*$`)

	// classDeclRe matches class/struct/interface declarations.
	classDeclRe = regexp.MustCompile(`(?m)^\s*(?:(?:pub|public|export|abstract)\s+)*(?:class|struct|interface|trait)\s+[A-Za-z_][A-Za-z0-9_]*|^\s*type\s+[A-Za-z_][A-Za-z0-9_]*\s+(?:struct|interface)\s*\{`)

	// todoRe matches TODO/FIXME markers inside a comment line.
	todoRe = regexp.MustCompile(`(?:(?://|#|--|/\*|\*)\s*)(?:TODO|FIXME|HACK|XXX)\b`)

	// testNameRe matches conventional test function names.
	testNameRe = regexp.MustCompile(`(?:func\s+Test[A-Z_]|def\s+test_|(?:it|test)\s*\(\s*['"\x60])`)
)

// algorithmWords are verbs that suggest a comment is describing behavior to
// implement rather than annotating existing code.
var algorithmWords = []string{
	"calculate", "compute", "sort", "filter", "parse", "convert", "iterate",
	"traverse", "merge", "validate", "return", "find", "count", "sum",
	"implement", "algorithm", "recursively", "loop",
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

// Classify maps an editor event to a trigger decision.
// Total: any input, including empty documents and cursors at end-of-file,
// yields a Decision without panicking. Unmatched contexts yield
// {ShouldTrigger: false, Signature: SignatureGeneric}.
func Classify(ev Event) Decision {
	// Only the tail of the before-text and the head of the after-text matter;
	// bounding them keeps classification O(1) for large documents.
	before := tail(ev.TextBefore, 2000)
	after := head(ev.TextAfter, 500)

	if strings.TrimSpace(before) == "" {
		return Decision{ShouldTrigger: false, Signature: SignatureGeneric}
	}

	// Test stubs are function declarations too, so they are checked first.
	if isTestStub(before, after) {
		return Decision{ShouldTrigger: true, Signature: SignatureTestStub}
	}
	if isFunctionDeclMissingBody(before, after) {
		return Decision{ShouldTrigger: true, Signature: SignatureFunctionDecl}
	}
	if isClassDeclEmpty(before, after) {
		return Decision{ShouldTrigger: true, Signature: SignatureClassDecl}
	}
	if isTodoComment(before) {
		return Decision{ShouldTrigger: true, Signature: SignatureTodoComment}
	}
	if isTryWithoutCatch(before, after) {
		return Decision{ShouldTrigger: true, Signature: SignatureTryBlock}
	}
	if isAlgorithmComment(before, after) {
		return Decision{ShouldTrigger: true, Signature: SignatureAlgorithmComment}
	}

	return Decision{ShouldTrigger: false, Signature: SignatureGeneric}
}

// ============================================================================
// RECOGNIZERS
// ============================================================================

// lastNonEmptyLines returns up to n trailing non-empty lines of s, most
// recent last.
func lastNonEmptyLines(s string, n int) []string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			out = append([]string{lines[i]}, out...)
		}
	}
	return out
}

// bodyIsEmpty reports whether the code region following a declaration is an
// empty or stub body. It accepts "{}" pairs split across the cursor, a bare
// trailing "{", a Python-style ":" suffix, and pass/stub-only bodies.
func bodyIsEmpty(before, after string) bool {
	trimmedBefore := strings.TrimRight(before, " \t\n")
	rest := strings.TrimSpace(after)

	// Cursor inside "{}" or "{ }": before ends with "{", after starts with "}".
	if strings.HasSuffix(trimmedBefore, "{") {
		if rest == "" || strings.HasPrefix(rest, "}") {
			return true
		}
	}

	// Whole "{}" on the declaration line before the cursor.
	if strings.HasSuffix(trimmedBefore, "{}") || strings.HasSuffix(trimmedBefore, "{ }") {
		return true
	}

	// Python: declaration line ends with ":" and the following region is
	// empty or a bare "pass".
	if strings.HasSuffix(trimmedBefore, ":") {
		firstAfter := ""
		for _, line := range strings.Split(after, "\n") {
			if strings.TrimSpace(line) != "" {
				firstAfter = strings.TrimSpace(line)
				break
			}
		}
		if firstAfter == "" || firstAfter == "pass" || strings.HasPrefix(firstAfter, "...") {
			return true
		}
	}

	return false
}

// isFunctionDeclMissingBody detects a function/method declaration immediately
// followed by an empty or stub body.
func isFunctionDeclMissingBody(before, after string) bool {
	recent := lastNonEmptyLines(before, 2)
	if len(recent) == 0 {
		return false
	}
	declWindow := strings.Join(recent, "\n")
	if !funcDeclRe.MatchString(declWindow) && !methodDeclRe.MatchString(declWindow) {
		return false
	}
	return bodyIsEmpty(before, after)
}

// isClassDeclEmpty detects a class/struct declaration lacking members.
func isClassDeclEmpty(before, after string) bool {
	recent := lastNonEmptyLines(before, 2)
	if len(recent) == 0 {
		return false
	}
	if !classDeclRe.MatchString(strings.Join(recent, "\n")) {
		return false
	}
	return bodyIsEmpty(before, after)
}

// isTodoComment detects a TODO/FIXME comment on the current or previous line.
func isTodoComment(before string) bool {
	recent := lastNonEmptyLines(before, 2)
	for _, line := range recent {
		if todoRe.MatchString(line) {
			return true
		}
	}
	return false
}

// isTryWithoutCatch detects a try block opened before the cursor with no
// matching catch/finally (or except) ahead of it.
func isTryWithoutCatch(before, after string) bool {
	idx := strings.LastIndex(before, "try")
	if idx < 0 {
		return false
	}
	// Word boundary check: "try" must not be part of a longer identifier.
	if idx > 0 {
		prev := before[idx-1]
		if prev != ' ' && prev != '\t' && prev != '\n' && prev != '{' && prev != ';' {
			return false
		}
	}
	if idx+3 < len(before) {
		next := before[idx+3]
		if (next >= 'a' && next <= 'z') || (next >= 'A' && next <= 'Z') || next == '_' {
			return false
		}
	}
	opened := before[idx:]
	if !strings.Contains(opened, "{") && !strings.Contains(opened, ":") {
		return false
	}
	remainder := opened + head(after, 500)
	for _, handler := range []string{"catch", "finally", "except"} {
		if strings.Contains(remainder, handler) {
			return false
		}
	}
	return true
}

// isTestStub detects a conventional test function with an empty body.
func isTestStub(before, after string) bool {
	recent := lastNonEmptyLines(before, 2)
	if len(recent) == 0 {
		return false
	}
	if !testNameRe.MatchString(strings.Join(recent, "\n")) {
		return false
	}
	return bodyIsEmpty(before, after)
}

// isAlgorithmComment detects a natural-language comment describing an
// algorithm directly above an empty code region. Requires at least four
// words and one behavioral verb so that short annotations do not trigger.
func isAlgorithmComment(before, after string) bool {
	recent := lastNonEmptyLines(before, 1)
	if len(recent) == 0 {
		return false
	}
	line := strings.TrimSpace(recent[0])

	var text string
	switch {
	case strings.HasPrefix(line, "//"):
		text = strings.TrimPrefix(line, "//")
	case strings.HasPrefix(line, "#"):
		text = strings.TrimPrefix(line, "#")
	case strings.HasPrefix(line, "--"):
		text = strings.TrimPrefix(line, "--")
	case strings.HasPrefix(line, "*"):
		text = strings.TrimPrefix(line, "*")
	default:
		return false
	}

	// TODO markers are a separate signature.
	if todoRe.MatchString(line) {
		return false
	}

	if len(strings.Fields(text)) < 4 {
		return false
	}

	lower := strings.ToLower(text)
	hasVerb := false
	for _, w := range algorithmWords {
		if strings.Contains(lower, w) {
			hasVerb = true
			break
		}
	}
	if !hasVerb {
		return false
	}

	// The region below the comment must be empty up to the next content.
	firstAfterLine := ""
	for _, l := range strings.Split(after, "\n") {
		if strings.TrimSpace(l) != "" {
			firstAfterLine = strings.TrimSpace(l)
			break
		}
	}
	return firstAfterLine == "" || firstAfterLine == "}" || firstAfterLine == "end"
}

// ============================================================================
// HELPERS
// ============================================================================

// tail returns the last n bytes of s, aligned to a line boundary when
// possible so regexes anchored at line starts behave predictably.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if idx := strings.IndexByte(cut, '\n'); idx >= 0 && idx < len(cut)-1 {
		return cut[idx+1:]
	}
	return cut
}

// head returns the first n bytes of s.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
