// Package symbol normalizes A-share stock codes.
//
// Quote sources and brokers disagree on code formats: "000001",
// "sz000001", "000001.SZ", "SH600000". Everything internal uses the
// normalized lowercase form "sz000001" / "sh600000"; the helpers here
// convert at the edges.
package symbol

import "strings"

// Normalize converts any common code spelling to the canonical
// "sh######" / "sz######" form. Returns "" when no 6-digit code can be
// extracted. Market selection for bare codes: leading 5, 6 or 9 is
// Shanghai, everything else Shenzhen.
func Normalize(code string) string {
	bare := Bare(code)
	if bare == "" {
		return ""
	}
	return marketFor(bare) + bare
}

// Bare extracts the 6-digit numeric code, dropping market prefixes,
// suffixes and punctuation. Returns "" when fewer than 6 digits remain.
func Bare(code string) string {
	s := strings.ToLower(strings.TrimSpace(code))
	s = strings.TrimPrefix(s, "sh")
	s = strings.TrimPrefix(s, "sz")

	var digits []byte
	for i := 0; i < len(s) && len(digits) < 6; i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) < 6 {
		return ""
	}
	return string(digits)
}

// Tushare converts a code to the "######.SH" / "######.SZ" form the
// tushare API expects. Returns "" for invalid codes.
func Tushare(code string) string {
	bare := Bare(code)
	if bare == "" {
		return ""
	}
	return bare + "." + strings.ToUpper(marketFor(bare))
}

func marketFor(bare string) string {
	switch bare[0] {
	case '5', '6', '9':
		return "sh"
	default:
		return "sz"
	}
}
