package memd

import "time"

// RelativeExpiryThreshold separates the two expiry encodings: smaller
// values are seconds from now, larger ones are absolute unix seconds.
const RelativeExpiryThreshold = 30 * 24 * time.Hour

// ExpiryFromDuration converts a time-to-live to the wire expiry.
// Zero or negative durations mean no expiry.
func ExpiryFromDuration(d time.Duration, now time.Time) uint32 {
	if d <= 0 {
		return 0
	}
	if d < time.Second {
		d = time.Second
	}
	if d < RelativeExpiryThreshold {
		return uint32(d / time.Second)
	}
	return uint32(now.Add(d).Unix())
}

// ExpiryTime converts a wire expiry back to an absolute time.
// The zero time means no expiry.
func ExpiryTime(expiry uint32, now time.Time) time.Time {
	if expiry == 0 {
		return time.Time{}
	}
	if time.Duration(expiry)*time.Second < RelativeExpiryThreshold {
		return now.Add(time.Duration(expiry) * time.Second)
	}
	return time.Unix(int64(expiry), 0)
}
