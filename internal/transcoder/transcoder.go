// Package transcoder locates the external ffmpeg-family binary the recording
// supervisor's TRANSCODER backend shells out to (C2). Absence is non-fatal: callers
// degrade to the frame-grab backend when no binary is found.
package transcoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const probeTimeout = 5 * time.Second

const binaryName = "ffmpeg"

// Result is the cached outcome of a probe: either a present binary at Path, or absent.
type Result struct {
	Present bool
	Path    string
}

// Probe is a cache-once-per-process locator, mirroring the teacher's binary-search
// pattern (PATH first, then local candidate directories) but adapted from a
// long-lived restreamer binary to a short-lived `-version` probe.
type Probe struct {
	mu     sync.Mutex
	done   bool
	result Result
}

// New returns an unprimed Probe; the first call to Locate performs the search.
func New() *Probe {
	return &Probe{}
}

// Locate returns the cached result, searching on first call only.
func (p *Probe) Locate() Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return p.result
	}

	p.result = locate()
	p.done = true
	return p.result
}

func locate() Result {
	for _, candidate := range candidatePaths() {
		if verify(candidate) {
			return Result{Present: true, Path: candidate}
		}
	}
	return Result{Present: false}
}

// candidatePaths lists search locations in the order spec'd: PATH first, then
// directories relative to the running program's own directory.
func candidatePaths() []string {
	var candidates []string

	if path, err := exec.LookPath(binaryName); err == nil {
		candidates = append(candidates, path)
	}

	progDir, err := os.Executable()
	if err == nil {
		progDir = filepath.Dir(progDir)
		candidates = append(candidates,
			filepath.Join(progDir, "ffmpeg", "bin", binaryName),
			filepath.Join(progDir, "ffmpeg", binaryName),
			filepath.Join(progDir, binaryName),
		)
	}

	return candidates
}

// verify runs `binary -version` with a wall timeout and reports a clean exit.
func verify(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "-version")
	if err := cmd.Run(); err != nil {
		return false
	}
	return true
}

// String renders the result for logging.
func (r Result) String() string {
	if r.Present {
		return fmt.Sprintf("present(%s)", r.Path)
	}
	return "absent"
}
