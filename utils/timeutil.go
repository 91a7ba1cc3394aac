package utils

import (
	"sync"
	"time"
)

var (
	stampMu   sync.Mutex
	lastStamp int64
)

// MonotonicStamp returns a UTC nanosecond timestamp strictly greater than any previous
// return value in this process, so file names built from it never collide.
func MonotonicStamp() int64 {
	stampMu.Lock()
	defer stampMu.Unlock()

	now := time.Now().UTC().UnixNano()
	if now <= lastStamp {
		now = lastStamp + 1
	}
	lastStamp = now
	return now
}

// FormatStamp renders a stamp for use in file names.
func FormatStamp(stamp int64) string {
	return time.Unix(0, stamp).UTC().Format("20060102T150405.000000000Z")
}
