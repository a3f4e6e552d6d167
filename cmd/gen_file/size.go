package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseSize accepts a byte count with an optional B, KB, MB or GB suffix.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := int64(1)

	for _, unit := range []struct {
		suffix string
		shift  uint
	}{{"GB", 30}, {"MB", 20}, {"KB", 10}, {"B", 0}} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = 1 << unit.shift
			s = strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return n * multiplier, nil
}

func sizeLabel(size int64) string {
	switch {
	case size > 0 && size%(1<<30) == 0:
		return fmt.Sprintf("%dGB", size>>30)
	case size > 0 && size%(1<<20) == 0:
		return fmt.Sprintf("%dMB", size>>20)
	case size > 0 && size%(1<<10) == 0:
		return fmt.Sprintf("%dKB", size>>10)
	default:
		return fmt.Sprintf("%dB", size)
	}
}
