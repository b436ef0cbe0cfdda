package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^(?:(\d+)y)?(?:(\d+)d)?$`)

// parseDuration parses formats like "2y100d", "1y", "365d". A year is 365
// days.
func parseDuration(durationStr string) (time.Duration, error) {
	matches := durationPattern.FindStringSubmatch(strings.TrimSpace(durationStr))
	if matches == nil {
		return 0, fmt.Errorf("invalid format %q, use formats like '2y100d', '1y', '365d'", durationStr)
	}

	var totalDays int

	// Parse years
	if matches[1] != "" {
		years, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, err
		}
		totalDays += years * 365
	}

	// Parse days
	if matches[2] != "" {
		days, err := strconv.Atoi(matches[2])
		if err != nil {
			return 0, err
		}
		totalDays += days
	}

	if totalDays == 0 {
		return 0, fmt.Errorf("duration must be greater than 0")
	}

	return time.Duration(totalDays) * 24 * time.Hour, nil
}

// resolveExpiry turns the grant flags into an expiry. Zero means perpetual.
func resolveExpiry(now time.Time, duration, until string) (time.Time, error) {
	switch {
	case duration != "" && until != "":
		return time.Time{}, fmt.Errorf("--duration and --until are mutually exclusive")

	case duration != "":
		d, err := parseDuration(duration)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d).UTC(), nil

	case until != "":
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			t, err = time.Parse(time.DateOnly, until)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid --until %q: use YYYY-MM-DD or RFC 3339", until)
			}
		}
		if !t.After(now) {
			return time.Time{}, fmt.Errorf("--until %s is not in the future", until)
		}
		return t.UTC(), nil

	default:
		return time.Time{}, nil
	}
}
