package budget

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
)

func Test_Estimate(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]int{
		"":                      0,
		"dub":                   1,
		"lo-fi":                 1,
		"lo-fi hip hop":         3,
		strings.Repeat("x", 40): 10,
	} {
		if got := Estimate(in); got != want {
			t.Errorf("Estimate(%q) = %d, want %d", in, got, want)
		}
	}
}

func Test_EstimateMessages_CountsRoleAndOverhead(t *testing.T) {
	t.Parallel()
	// 4 overhead + "user" (1) + "hello world" (2) per message.
	msgs := []*schema.Message{schema.UserMessage("hello world"), schema.UserMessage("hello world")}
	if got := EstimateMessages(msgs); got != 14 {
		t.Errorf("EstimateMessages = %d, want 14", got)
	}
	if got := EstimateMessages(nil); got != 0 {
		t.Errorf("EstimateMessages(nil) = %d", got)
	}
}

func Test_FitLines(t *testing.T) {
	t.Parallel()

	// neighbours returns n lines ordered nearest first, each 3 tokens with
	// its newline.
	neighbours := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("track%03d", i)
		}
		return out
	}
	system := []*schema.Message{schema.SystemMessage("sys")}
	huge := []*schema.Message{schema.SystemMessage(strings.Repeat("x", 4*7000))}

	tests := []struct {
		name      string
		fixed     []*schema.Message
		lines     []string
		maxTokens int
		wantLen   int
	}{
		{name: "fits untouched", fixed: system, lines: neighbours(5), maxTokens: DefaultMaxContextTokens, wantLen: 5},
		{name: "no lines", fixed: system, maxTokens: DefaultMaxContextTokens, wantLen: 0},
		{name: "tail trimmed", lines: neighbours(3), maxTokens: 7, wantLen: 2},
		{name: "exact fit kept", lines: neighbours(3), maxTokens: 9, wantLen: 3},
		{name: "fixed alone over budget", fixed: huge, lines: neighbours(2), maxTokens: DefaultMaxContextTokens, wantLen: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := FitLines(tc.fixed, tc.lines, tc.maxTokens)
			if len(got) != tc.wantLen {
				t.Fatalf("want %d lines, got %d", tc.wantLen, len(got))
			}
			for i := range got {
				if got[i] != tc.lines[i] {
					t.Errorf("line %d = %q, want the nearest %q kept", i, got[i], tc.lines[i])
				}
			}
		})
	}
}
