package recording

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"time"

	"sentrycam/internal/registry"
)

const (
	segmentDuration = 600 * time.Second

	stdinQuitWait    = 10 * time.Second
	terminateWait    = 5 * time.Second
	corruptThreshold = 1024 // bytes

	pollInterval   = 1 * time.Second
	restartBackoff = 2 * time.Second
)

// transcoderBackend supervises one ffmpeg child process per segment, escalating
// stdin-q -> terminate -> kill on every rotation and on stop, the same ladder the
// teacher's go2rtc.Manager.Stop uses for its single long-lived child, adapted here to
// run once per segment instead of once per process lifetime.
type transcoderBackend struct {
	ffmpegPath    string
	streamURI     string
	host          string
	port          int
	width, height int
	origWidth     int
	origHeight    int
}

func newTranscoderBackend(ffmpegPath, streamURI, host string, port, width, height, origWidth, origHeight int) *transcoderBackend {
	return &transcoderBackend{
		ffmpegPath: ffmpegPath,
		streamURI:  streamURI,
		host:       host,
		port:       port,
		width:      width,
		height:     height,
		origWidth:  origWidth,
		origHeight: origHeight,
	}
}

// segment bundles a running child process with the plumbing needed to stop it and
// learn when it has exited on its own.
type segment struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	path  string
	exit  chan error // buffered 1; receives cmd.Wait()'s result exactly once
}

// run drives the segment lifecycle until sess is stopped. It updates sess's segment
// bookkeeping on every open/rotation so control-plane status reads stay consistent
// with the active segment.
func (b *transcoderBackend) run(sess *registry.Session) {
	defer sess.MarkDone()

	seg, err := b.spawnSegment()
	if err != nil {
		log.Printf("recording[%s:%d]: failed to start initial segment: %v", b.host, b.port, err)
		return
	}
	sess.SetSegment(seg.path, time.Now())

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.StopChan():
			b.stopChild(seg)
			return

		case <-seg.exit:
			log.Printf("recording[%s:%d]: ffmpeg exited unexpectedly, reconnecting", b.host, b.port)
			flagIfCorrupt(seg.path)
			time.Sleep(restartBackoff)
			seg, err = b.spawnSegment()
			if err != nil {
				log.Printf("recording[%s:%d]: failed to respawn segment: %v", b.host, b.port, err)
				return
			}
			sess.SetSegment(seg.path, time.Now())

		case <-ticker.C:
			_, startedAt := sess.Segment()
			if time.Since(startedAt) >= segmentDuration {
				log.Printf("recording[%s:%d]: rotating segment after %s", b.host, b.port, segmentDuration)
				b.stopChild(seg)
				seg, err = b.spawnSegment()
				if err != nil {
					log.Printf("recording[%s:%d]: failed to start next segment: %v", b.host, b.port, err)
					return
				}
				sess.SetSegment(seg.path, time.Now())
			}
		}
	}
}

func (b *transcoderBackend) spawnSegment() (*segment, error) {
	path, err := NextSegmentPath(b.host, b.port, time.Now())
	if err != nil {
		return nil, err
	}

	args := []string{"-rtsp_transport", "tcp", "-i", b.streamURI}

	if b.width < b.origWidth || b.height < b.origHeight {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", b.width, b.height))
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "mp4",
		"-movflags", "+empty_moov+default_base_moof",
		"-frag_duration", "1",
		"-y",
		path,
	)

	cmd := exec.Command(b.ffmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdin: %w", err)
	}
	cmd.Stdout = log.Writer()
	cmd.Stderr = log.Writer()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	seg := &segment{cmd: cmd, stdin: stdin, path: path, exit: make(chan error, 1)}
	go func() { seg.exit <- cmd.Wait() }()

	log.Printf("recording[%s:%d]: segment started: %s", b.host, b.port, path)
	return seg, nil
}

// stopChild implements the canonical stdin-q -> terminate -> kill escalation ladder,
// guaranteeing the child's handle on path is released before the caller opens the
// next segment.
func (b *transcoderBackend) stopChild(seg *segment) {
	if seg.stdin != nil {
		io.WriteString(seg.stdin, "q\n")
		seg.stdin.Close()
	}

	select {
	case <-seg.exit:
	case <-time.After(stdinQuitWait):
		log.Printf("recording[%s:%d]: ffmpeg did not exit on stdin-q, sending terminate", b.host, b.port)
		seg.cmd.Process.Signal(os.Interrupt)
		select {
		case <-seg.exit:
		case <-time.After(terminateWait):
			log.Printf("recording[%s:%d]: ffmpeg did not terminate gracefully, killing", b.host, b.port)
			seg.cmd.Process.Kill()
			<-seg.exit
		}
	}

	flagIfCorrupt(seg.path)
}

func flagIfCorrupt(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() < corruptThreshold {
		log.Printf("recording: segment %s is only %d bytes, likely corrupt (kept)", path, info.Size())
	}
}
