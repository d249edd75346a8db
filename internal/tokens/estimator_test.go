package tokens

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one char rounds up", "a", 1},
		{"four chars is one token", "abcd", 1},
		{"five chars rounds up", "abcde", 2},
		{"longer text", strings.Repeat("a", 400), 100},
		{"whitespace counts", "    ", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimateMonotonic(t *testing.T) {
	prev := 0
	for i := 1; i <= 64; i++ {
		got := Estimate(strings.Repeat("x", i))
		if got < prev {
			t.Fatalf("estimate decreased at length %d: %d < %d", i, got, prev)
		}
		prev = got
	}
}
