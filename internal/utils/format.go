package utils

import (
	"time"

	"github.com/dustin/go-humanize"
)

// HumanBytes renders a byte count, e.g. "6.2 MB". Replaces the hand-rolled converter the teacher carried; see
// DESIGN.md for why go-humanize is wired in instead.
func HumanBytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}

// HumanSpeed renders a bytes-per-second rate as "x.xx MB/s".
func HumanSpeed(bytesPerSec float64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

// HumanDuration renders a remaining-time estimate, e.g. "2m30s".
func HumanDuration(seconds float64) string {
	if seconds <= 0 {
		return "0s"
	}
	return time.Duration(seconds * float64(time.Second)).Round(time.Second).String()
}
