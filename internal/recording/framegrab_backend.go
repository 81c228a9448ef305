package recording

import (
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"time"

	"gocv.io/x/gocv"

	"sentrycam/internal/registry"
)

// sizeCapBytes is the frame-grab-only segment rotation condition (the transcoder
// backend rotates on elapsed time alone).
const sizeCapBytes = 500 * 1024 * 1024

// h264FourCCCandidates are probed in order; the first that opens a writer is chosen,
// matching the reference implementation's codec-tag fallback chain.
var h264FourCCCandidates = []string{"avc1", "H264", "h264", "X264"}

// frameGrabBackend decodes frames in-process via gocv and writes them straight to an
// MP4 container. It cannot carry audio, the trade-off against the transcoder backend.
type frameGrabBackend struct {
	streamURI     string
	host          string
	port          int
	fps           float64
	width, height int // recording resolution, already halved if configured
	origWidth     int
	origHeight    int
}

func newFrameGrabBackend(streamURI, host string, port int, fps float64, width, height, origWidth, origHeight int) *frameGrabBackend {
	return &frameGrabBackend{
		streamURI:  streamURI,
		host:       host,
		port:       port,
		fps:        fps,
		width:      width,
		height:     height,
		origWidth:  origWidth,
		origHeight: origHeight,
	}
}

func (b *frameGrabBackend) needsResize() bool {
	return b.width != b.origWidth || b.height != b.origHeight
}

// run owns the capture handle and writer for the session's lifetime, reconnecting
// once on read failure and rotating segments on the time/size conditions. It returns
// once sess observes a stop request or the stream cannot be reopened.
func (b *frameGrabBackend) run(sess *registry.Session) {
	defer sess.MarkDone()

	cap, ok := b.openCapture()
	if !ok {
		log.Printf("recording[%s:%d]: frame-grab could not open stream", b.host, b.port)
		return
	}
	defer cap.Close()

	fourcc := b.probeFourCC()

	writer, path, err := b.openWriter(fourcc)
	if err != nil {
		log.Printf("recording[%s:%d]: frame-grab could not open writer: %v", b.host, b.port, err)
		return
	}
	sess.SetSegment(path, time.Now())

	frame := gocv.NewMat()
	defer frame.Close()

	reconnectedOnce := false

	for {
		select {
		case <-sess.StopChan():
			writer.Close()
			return
		default:
		}

		if !cap.Read(&frame) || frame.Empty() {
			if reconnectedOnce {
				log.Printf("recording[%s:%d]: frame-grab stream lost twice, ending session", b.host, b.port)
				writer.Close()
				return
			}
			reconnectedOnce = true
			cap.Close()
			cap, ok = b.openCapture()
			if !ok {
				log.Printf("recording[%s:%d]: frame-grab reopen failed, ending session", b.host, b.port)
				writer.Close()
				return
			}
			continue
		}
		reconnectedOnce = false

		out := frame
		var resized gocv.Mat
		if b.needsResize() {
			resized = gocv.NewMat()
			gocv.Resize(frame, &resized, image.Pt(b.width, b.height), 0, 0, gocv.InterpolationLinear)
			out = resized
		}

		writer.Write(out)
		if b.needsResize() {
			resized.Close()
		}

		path, startedAt := sess.Segment()
		rotateByTime := time.Since(startedAt) >= segmentDuration
		rotateBySize := fileSize(path) >= sizeCapBytes
		if rotateByTime || rotateBySize {
			writer.Close()
			writer, path, err = b.openWriter(fourcc)
			if err != nil {
				log.Printf("recording[%s:%d]: frame-grab could not open next segment: %v", b.host, b.port, err)
				return
			}
			sess.SetSegment(path, time.Now())
		}
	}
}

func (b *frameGrabBackend) openCapture() (*gocv.VideoCapture, bool) {
	cap, err := gocv.OpenVideoCapture(b.streamURI)
	if err != nil {
		return nil, false
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, false
	}
	return cap, true
}

// probeFourCC tries each H.264-family tag against a scratch file in the OS temp
// directory, returning the first that opens a writer; falls back to mp4v.
func (b *frameGrabBackend) probeFourCC() string {
	tmpFile := filepath.Join(os.TempDir(), fmt.Sprintf("sentrycam_codec_probe_%d.mp4", os.Getpid()))
	defer os.Remove(tmpFile)

	for _, tag := range h264FourCCCandidates {
		w, err := gocv.VideoWriterFile(tmpFile, tag, b.fps, b.width, b.height, true)
		if err == nil && w.IsOpened() {
			w.Close()
			return tag
		}
		if w != nil {
			w.Close()
		}
	}

	log.Printf("recording[%s:%d]: no H.264 codec tag available, falling back to mp4v", b.host, b.port)
	return "mp4v"
}

// openWriter opens the writer for a fresh segment at b.width x b.height. gocv's
// VideoWriter exposes no per-call quality knob equivalent to cv2's
// VIDEOWRITER_PROP_QUALITY, so segment quality is governed by the codec tag alone;
// this is a deliberate deviation from the reference implementation's quality=65 set.
func (b *frameGrabBackend) openWriter(fourcc string) (*gocv.VideoWriter, string, error) {
	path, err := NextSegmentPath(b.host, b.port, time.Now())
	if err != nil {
		return nil, "", err
	}

	writer, err := gocv.VideoWriterFile(path, fourcc, b.fps, b.width, b.height, true)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open video writer: %w", err)
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, "", fmt.Errorf("video writer did not open for %s", path)
	}

	log.Printf("recording[%s:%d]: segment started: %s", b.host, b.port, path)
	return writer, path, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
