package agent

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcdefgh", 2},
		{"你好", 2},    // 2 chars / 1.5, ceiled
		{"你好吗", 2},   // 3 / 1.5
		{"hi 你好", 3}, // mixed
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTruncateToTokens(t *testing.T) {
	long := strings.Repeat("word ", 200)
	got := TruncateToTokens(long, 50)
	if EstimateTokens(got) > 50 {
		t.Errorf("estimate %d exceeds cap", EstimateTokens(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("no truncation marker: %q", got[len(got)-10:])
	}

	short := "brief"
	if TruncateToTokens(short, 100) != short {
		t.Error("string under cap modified")
	}
	if TruncateToTokens(long, 0) != "" {
		t.Error("zero cap should empty the string")
	}

	// Multibyte input is cut on rune boundaries.
	cjk := strings.Repeat("记", 300)
	trimmed := TruncateToTokens(cjk, 20)
	for _, r := range trimmed {
		if r != '记' && r != '…' {
			t.Fatalf("broken rune %q", r)
		}
	}
}
