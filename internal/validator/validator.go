// Package validator applies heuristic completeness checks to LLM answers.
// A failed check is advisory: callers log it and keep the answer.
package validator

import (
	"strings"
	"unicode/utf8"
)

const MinLength = 10

type Result struct {
	Complete bool
	Reason   string
}

var ellipses = []string{"...", "…", "……", "。。。"}

var truncationMarkers = []string{
	"[truncated]",
	"(truncated)",
	"to be continued",
	"（未完",
	"(未完",
	"未完待续",
	"待续",
	"内容过长",
	"由于篇幅",
}

const terminalRunes = "。！？.!?」』\"”’')）]】}`>*"

var pairs = []struct {
	open, close string
	name        string
}{
	{"（", "）", "full-width parentheses"},
	{"“", "”", "quotation marks"},
	{"「", "」", "corner brackets"},
	{"『", "』", "white corner brackets"},
}

// IsComplete reports whether text looks like a whole answer.
func IsComplete(text string) bool {
	return Check(text).Complete
}

func Check(text string) Result {
	trimmed := strings.TrimSpace(text)

	if utf8.RuneCountInString(trimmed) < MinLength {
		return Result{Reason: "shorter than minimum length"}
	}

	for _, e := range ellipses {
		if strings.HasSuffix(trimmed, e) {
			return Result{Reason: "ends with an ellipsis"}
		}
	}

	tail := strings.ToLower(lastRunes(trimmed, 24))
	for _, marker := range truncationMarkers {
		if strings.Contains(tail, marker) {
			return Result{Reason: "ends with truncation wording"}
		}
	}

	for _, p := range pairs {
		if strings.Count(trimmed, p.open) != strings.Count(trimmed, p.close) {
			return Result{Reason: "unbalanced " + p.name}
		}
	}

	if strings.Count(trimmed, "```")%2 != 0 {
		return Result{Reason: "unterminated code block"}
	}

	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if !strings.ContainsRune(terminalRunes, last) {
		return Result{Reason: "does not end with terminal punctuation"}
	}

	return Result{Complete: true}
}

func lastRunes(s string, n int) string {
	count := 0
	for i := len(s); i > 0; {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
		count++
		if count == n {
			return s[i:]
		}
	}
	return s
}
