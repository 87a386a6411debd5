package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

const (
	Byte     int64 = 1
	KibiByte int64 = 1 << 10
	MebiByte int64 = 1 << 20
	GibiByte int64 = 1 << 30
	TebiByte int64 = 1 << 40
)

// Suffixes are matched case-insensitively. Bare single letters are binary,
// SI suffixes are decimal.
var multipliers = map[string]int64{
	"":      Byte,
	"b":     Byte,
	"byte":  Byte,
	"bytes": Byte,

	"kb": 1000,
	"mb": 1000 * 1000,
	"gb": 1000 * 1000 * 1000,
	"tb": 1000 * 1000 * 1000 * 1000,

	"k":   KibiByte,
	"kib": KibiByte,
	"m":   MebiByte,
	"mib": MebiByte,
	"g":   GibiByte,
	"gib": GibiByte,
	"t":   TebiByte,
	"tib": TebiByte,
}

// ParseByteSize parses sizes such as "512", "64KiB", "1.5MB" or "2 G" into
// bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	split := strings.IndexFunc(s, unicode.IsLetter)
	number, suffix := s, ""
	if split >= 0 {
		number, suffix = strings.TrimSpace(s[:split]), s[split:]
	}

	mult, ok := multipliers[strings.ToLower(suffix)]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q in %q", suffix, s)
	}

	if n, err := strconv.ParseInt(number, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size %q", s)
		}
		if n > math.MaxInt64/mult {
			return 0, fmt.Errorf("size %q overflows", s)
		}
		return n * mult, nil
	}

	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q (expected a form like 512, 64KiB or 1.5MB)", s)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	bytes := f * float64(mult)
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(bytes), nil
}

// FormatByteSize renders n with the largest binary unit that keeps the
// value at or above one, e.g. "1.5 MiB". The output parses back with
// ParseByteSize.
func FormatByteSize(n int64) string {
	if n < 0 {
		return "invalid"
	}
	if n < KibiByte {
		return fmt.Sprintf("%d B", n)
	}

	units := []struct {
		name string
		size int64
	}{
		{"TiB", TebiByte},
		{"GiB", GibiByte},
		{"MiB", MebiByte},
		{"KiB", KibiByte},
	}
	for _, u := range units {
		if n < u.size {
			continue
		}
		v := float64(n) / float64(u.size)
		return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + " " + u.name
	}
	return fmt.Sprintf("%d B", n)
}
