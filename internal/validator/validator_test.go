package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		complete bool
		reason   string
	}{
		{"complete english", "The patient is stable and may be discharged.", true, ""},
		{"complete chinese", "患者生命体征平稳，建议继续观察。", true, ""},
		{"complete code block", "Run this:\n```\nfmt.Println(1)\n```", true, ""},
		{"too short", "Fine.", false, "shorter than minimum length"},
		{"whitespace padded short", "   ok.    ", false, "shorter than minimum length"},
		{"ascii ellipsis", "The results indicate that...", false, "ends with an ellipsis"},
		{"unicode ellipsis", "检查结果显示患者需要……", false, "ends with an ellipsis"},
		{"truncation marker", "Summary of labs follows here [truncated]", false, "ends with truncation wording"},
		{"chinese truncation", "以下为病历摘要内容，未完待续", false, "ends with truncation wording"},
		{"no terminal punctuation", "The patient is stable and may be discharged", false, "does not end with terminal punctuation"},
		{"unbalanced parens", "建议复查（血常规和肝功能。", false, "unbalanced full-width parentheses"},
		{"unbalanced quotes", "医生说“请继续按时服药。", false, "unbalanced quotation marks"},
		{"open code fence", "Example:\n```go\nfmt.Println(1)\n", false, "unterminated code block"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(tt.text)
			assert.Equal(t, tt.complete, got.Complete)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, tt.complete, IsComplete(tt.text))
		})
	}
}

func TestTruncationWordingOnlyCountsAtEnd(t *testing.T) {
	text := "The note said to be continued later, but the plan is now final." + strings.Repeat(" Stable.", 5)
	assert.True(t, IsComplete(text))
}
