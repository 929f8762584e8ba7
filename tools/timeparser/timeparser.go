package timeparser

import (
	"fmt"
	"strconv"
	"time"
)

// ParseDeviceTimestamp parses the capture timestamp a holder device attaches
// to its messages. Firmware versions differ: newer ones send RFC3339, older
// ones send unix seconds or milliseconds as a bare number.
func ParseDeviceTimestamp(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp '%s'", value)
	}
	// Millisecond epochs are 13 digits for any plausible capture date.
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}

// IsWithinTolerance checks if the capture timestamp is within tolerance of
// the time the message was received.
func IsWithinTolerance(capturedAt, receivedAt time.Time, toleranceMinutes int) bool {
	diff := capturedAt.Sub(receivedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}
