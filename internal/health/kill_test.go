package health

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateInputKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short passes through", "read_file", "read_file"},
		{"ascii cut at limit", strings.Repeat("a", 121), strings.Repeat("a", 120) + "…"},
		{"rune straddling the cut", strings.Repeat("a", 119) + "éx", strings.Repeat("a", 119) + "…"},
		{"multibyte only", strings.Repeat("é", 80), strings.Repeat("é", 60) + "…"},
	}
	for _, tt := range tests {
		got := truncateInput(tt.in, 120)
		if got != tt.want {
			t.Errorf("%s: truncateInput = %q, want %q", tt.name, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("%s: truncated input is not valid UTF-8: %q", tt.name, got)
		}
	}
}
