package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecordingsRoot is the top-level directory recordings are written under.
const RecordingsRoot = "aufnahmen"

// segmentSeq deduplicates same-second segment names per host:port with a monotonic
// suffix, the `_k` collision policy chosen over the reference implementation's
// best-effort rename.
var (
	segmentSeqMu sync.Mutex
	segmentSeq   = map[string]int{}
)

// EnsureRoot creates RecordingsRoot if it does not already exist.
func EnsureRoot() error {
	if err := os.MkdirAll(RecordingsRoot, 0755); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return nil
}

// NextSegmentPath returns the path for a new segment of host:port, creating its
// date/hour-bucket directory. The hour bucket wraps modulo 24 at the 23:00 boundary.
// A same-second collision against a prior segment for the same host:port appends a
// monotonically increasing "_k" suffix.
func NextSegmentPath(host string, port int, now time.Time) (string, error) {
	dateStr := now.Format("2006-01-02")
	hour := now.Hour()
	nextHour := (hour + 1) % 24
	bucket := fmt.Sprintf("%02d-00_%02d-00", hour, nextHour)

	dir := filepath.Join(RecordingsRoot, dateStr, bucket)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create segment directory: %w", err)
	}

	timestamp := now.Format("2006-01-02_15-04-05")
	base := fmt.Sprintf("%s_%d_%s", host, port, timestamp)

	key := fmt.Sprintf("%s:%d:%s", host, port, timestamp)
	segmentSeqMu.Lock()
	k := segmentSeq[key]
	segmentSeq[key] = k + 1
	segmentSeqMu.Unlock()

	name := base + ".mp4"
	if k > 0 {
		name = fmt.Sprintf("%s_%d.mp4", base, k)
	}

	return filepath.Join(dir, name), nil
}
