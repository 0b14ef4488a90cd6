package release

import (
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`(?i)^([\d,]+(?:\.\d+)?)\s*([KMGT]?i?B)$`)

var sizeUnitMultiplier = map[string]int64{
	"B":  1,
	"KB": 1024,
	"MB": 1024 * 1024,
	"GB": 1024 * 1024 * 1024,
	"TB": 1024 * 1024 * 1024 * 1024,
}

// ParseSize converts a human-readable size like "1.5 GB" or "1,024 KB" into
// bytes, binary (1024-based) units. Unrecognized input returns 0 (spec §8
// boundary behavior 11).
func ParseSize(s string) int64 {
	s = strings.TrimSpace(s)
	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0
	}

	numStr := strings.ReplaceAll(matches[1], ",", "")
	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0
	}

	unit := normalizeUnit(matches[2])
	multiplier, ok := sizeUnitMultiplier[unit]
	if !ok {
		return 0
	}

	return int64(value * float64(multiplier))
}

// normalizeUnit collapses "GiB"/"Gb"/"gb" style variants to the canonical
// "GB" key used by sizeUnitMultiplier.
func normalizeUnit(unit string) string {
	unit = strings.ToUpper(unit)
	if unit == "B" {
		return unit
	}
	prefix := strings.TrimSuffix(strings.TrimSuffix(unit, "IB"), "B")
	return prefix + "B"
}
