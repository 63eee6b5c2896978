// Package units formats byte counts the way the console and log file show them.
package units

import (
	"math"
	"strconv"

	"github.com/dustin/go-humanize"
)

var suffixes = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}

// HumanSize renders n with binary multiples and at most one decimal place.
// Exact unit boundaries render without a fraction: 1024 is "1KB".
func HumanSize(n uint64) string {
	if n < 1024 {
		return strconv.FormatUint(n, 10) + "B"
	}
	unit := 0
	value := float64(n)
	for value >= 1024 && unit < len(suffixes)-1 {
		value /= 1024
		unit++
	}
	// 1023.95 and above would print as "1024.0" of the smaller unit.
	if math.Round(value*10)/10 >= 1024 && unit < len(suffixes)-1 {
		value /= 1024
		unit++
	}
	s := strconv.FormatFloat(value, 'f', 1, 64)
	if len(s) > 2 && s[len(s)-2:] == ".0" {
		s = s[:len(s)-2]
	}
	return s + suffixes[unit]
}

// ParseSize parses sizes such as "8GiB", "512 MiB" or "4000000000".
func ParseSize(s string) (uint64, error) {
	return humanize.ParseBytes(s)
}

const (
	KiB uint64 = 1 << 10
	MiB uint64 = 1 << 20
	GiB uint64 = 1 << 30
)
