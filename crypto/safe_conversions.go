package crypto

import (
	"fmt"
	"math"
	"time"
)

// safeUint64ToInt64 converts uint64 to int64, checking for overflow.
// Token timestamps arrive as uint64 on the wire and are compared against
// time.Unix values.
//
// CWE-190: Integer Overflow or Wraparound
func safeUint64ToInt64(val uint64) (int64, error) {
	if val > math.MaxInt64 {
		return 0, fmt.Errorf("uint64 value exceeds int64 max: %d (max: %d)", val, math.MaxInt64)
	}
	return int64(val), nil
}

// safeInt64ToUint64 converts int64 to uint64, checking for negative values.
//
// CWE-190: Integer Overflow or Wraparound
func safeInt64ToUint64(val int64) (uint64, error) {
	if val < 0 {
		return 0, fmt.Errorf("cannot convert negative int64 to uint64: %d", val)
	}
	return uint64(val), nil
}

// UnixToTime converts a wire timestamp to a time.Time. Timestamps beyond
// int64 range clamp to the largest representable time so that they read as
// "far in the future" rather than wrapping into the past.
func UnixToTime(ts uint64) time.Time {
	v, err := safeUint64ToInt64(ts)
	if err != nil {
		return time.Unix(math.MaxInt64/2, 0)
	}
	return time.Unix(v, 0)
}

// TimeToUnix converts a time to a wire timestamp; times before the epoch
// encode as zero.
func TimeToUnix(t time.Time) uint64 {
	v, err := safeInt64ToUint64(t.Unix())
	if err != nil {
		return 0
	}
	return v
}
