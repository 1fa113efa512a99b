package symbol

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"000001", "sz000001"},
		{"600000", "sh600000"},
		{"510300", "sh510300"},
		{"900901", "sh900901"},
		{"300750", "sz300750"},
		{"sz000001", "sz000001"},
		{"SH600000", "sh600000"},
		{"000001.SZ", "sz000001"},
		{"600000.SH", "sh600000"},
		{" 000001 ", "sz000001"},
		{"000001extra", "sz000001"},
		{"", ""},
		{"abc", ""},
		{"12345", ""},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTushare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"sz000001", "000001.SZ"},
		{"sh600000", "600000.SH"},
		{"000001", "000001.SZ"},
		{"bogus", ""},
	}

	for _, tt := range tests {
		if got := Tushare(tt.in); got != tt.want {
			t.Errorf("Tushare(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
