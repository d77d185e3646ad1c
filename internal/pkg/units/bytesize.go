// Package units converts between byte counts and their human readable form,
// e.g. "25MB" in configuration files.
package units

import (
	"fmt"
	"strconv"
	"strings"
)

// Decimal (SI) byte sizes.
const (
	KB = 1000
	MB = 1000 * KB
	GB = 1000 * MB
	TB = 1000 * GB
	PB = 1000 * TB
)

var decimalAbbrs = []string{"B", "kB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

var decimalMultipliers = map[byte]float64{
	'k': KB,
	'm': MB,
	'g': GB,
	't': TB,
	'p': PB,
}

// HumanSize returns size in the largest fitting decimal unit
// with at most 4 significant digits, e.g. "1.049MB".
func HumanSize(size float64) string {
	i := 0
	for size >= 1000 && i < len(decimalAbbrs)-1 {
		size /= 1000
		i++
	}

	return fmt.Sprintf("%.4g%s", size, decimalAbbrs[i])
}

// FromHumanSize parses a human readable size like "32", "32b", "32kB"
// or "32.5 MB" into bytes. Only a single space between number and
// suffix is tolerated. Negative sizes are rejected.
func FromHumanSize(size string) (int64, error) {
	sep := strings.LastIndexAny(size, "0123456789. ")
	if sep == -1 {
		return -1, fmt.Errorf("invalid size: '%s'", size)
	}

	num, suffix := size[:sep+1], size[sep+1:]
	if size[sep] == ' ' {
		num = size[:sep]
	}

	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return -1, fmt.Errorf("parse size %q: %w", size, err)
	}
	if value < 0 {
		return -1, fmt.Errorf("invalid size: '%s'", size)
	}

	if suffix == "" {
		return int64(value), nil
	}
	if len(suffix) > 3 {
		return -1, fmt.Errorf("invalid suffix: '%s'", suffix)
	}

	suffix = strings.ToLower(suffix)
	if suffix[0] == 'b' {
		if len(suffix) > 1 {
			return -1, fmt.Errorf("invalid suffix: '%s'", suffix)
		}
		return int64(value), nil
	}

	mul, ok := decimalMultipliers[suffix[0]]
	if !ok {
		return -1, fmt.Errorf("invalid suffix: '%s'", suffix)
	}

	switch {
	case len(suffix) == 2 && suffix[1] != 'b':
		return -1, fmt.Errorf("invalid suffix: '%s'", suffix)
	case len(suffix) == 3 && suffix[1:] != "ib":
		return -1, fmt.Errorf("invalid suffix: '%s'", suffix)
	}

	return int64(value * mul), nil
}
