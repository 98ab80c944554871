package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseInterval converts interval strings like "1m", "4h", "1d" or "1w" into a duration.
func ParseInterval(interval string) (time.Duration, error) {
	s := strings.TrimSpace(interval)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid interval unit in %q", interval)
	}

	return time.Duration(n) * unit, nil
}

// BucketStart truncates an epoch-millisecond timestamp to the start of its
// interval bucket, returned in epoch seconds.
func BucketStart(timestampMs int64, interval time.Duration) int64 {
	secs := timestampMs / 1000
	width := int64(interval / time.Second)
	if width <= 0 {
		return secs
	}
	return (secs / width) * width
}
