// Package retention implements the hourly sweep that deletes recording segments
// older than 24 hours and prunes the now-empty date/hour-bucket directories left
// behind, mirroring the reference implementation's cleanup_old_recordings /
// cleanup_worker pair but scheduled through the teacher's cron dependency instead
// of a sleeping goroutine.
package retention

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MaxAge is the age past which a recording segment is deleted.
const MaxAge = 24 * time.Hour

// schedule runs the sweep at the top of every hour.
const schedule = "0 * * * *"

// Sweeper periodically removes recording segments older than MaxAge.
type Sweeper struct {
	root string
	cron *cron.Cron
}

// New returns a Sweeper that scans root (normally recording.RecordingsRoot).
func New(root string) *Sweeper {
	return &Sweeper{root: root, cron: cron.New()}
}

// Start runs an immediate one-shot sweep and then schedules the hourly job. It
// does not block; call Stop to end the schedule.
func (s *Sweeper) Start() {
	deleted, size := s.Sweep()
	log.Printf("retention: startup sweep removed %d file(s), %d byte(s)", deleted, size)

	if _, err := s.cron.AddFunc(schedule, func() {
		deleted, size := s.Sweep()
		if deleted > 0 {
			log.Printf("retention: hourly sweep removed %d file(s), %d byte(s)", deleted, size)
		}
	}); err != nil {
		log.Printf("retention: failed to schedule hourly sweep: %v", err)
	}

	s.cron.Start()
}

// Stop ends the cron schedule, waiting for any in-progress sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep walks root once, deleting every *.mp4 segment older than MaxAge and then
// removing any date/hour-bucket directory left empty by those deletions. A file
// it cannot age-check or remove is logged and skipped, never aborting the sweep.
func (s *Sweeper) Sweep() (deletedCount int, deletedSize int64) {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return 0, 0
	}

	now := time.Now()
	var dirs []string

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Printf("retention: walk error at %s: %v", path, err)
			return nil
		}
		if info.IsDir() {
			if path != s.root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !strings.HasSuffix(info.Name(), ".mp4") {
			return nil
		}

		age := fileAge(info, now)
		if age <= MaxAge {
			return nil
		}

		size := info.Size()
		if err := os.Remove(path); err != nil {
			log.Printf("retention: failed to remove %s: %v", path, err)
			return nil
		}
		deletedCount++
		deletedSize += size
		return nil
	})
	if err != nil {
		log.Printf("retention: sweep walk failed: %v", err)
	}

	// Remove now-empty directories bottom-up: Walk visits parents before
	// children, so the recorded order is reversed before pruning.
	for i := len(dirs) - 1; i >= 0; i-- {
		removeIfEmpty(dirs[i])
	}

	return deletedCount, deletedSize
}

// fileAge prefers the timestamp embedded in the segment's filename (the last two
// underscore-delimited fields, YYYY-MM-DD_HH-MM-SS) and falls back to the file's
// modification time when the name doesn't parse, matching the reference
// implementation's fallback order.
func fileAge(info os.FileInfo, now time.Time) time.Duration {
	if t, ok := parseFilenameTimestamp(info.Name()); ok {
		return now.Sub(t)
	}
	return now.Sub(info.ModTime())
}

func parseFilenameTimestamp(name string) (time.Time, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "_")
	if len(parts) < 4 {
		return time.Time{}, false
	}

	dateStr := parts[len(parts)-2]
	timeStr := parts[len(parts)-1]
	t, err := time.ParseInLocation("2006-01-02_15-04-05", dateStr+"_"+timeStr, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(dir); err != nil {
		log.Printf("retention: failed to remove empty directory %s: %v", dir, err)
	}
}
