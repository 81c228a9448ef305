// Package preview implements the low-latency MJPEG live-view broker (C8): one
// lazily-opened decoder per camera index, shared across concurrent viewers,
// feeding JPEG frames at roughly 30fps from the sub-stream so a live-view tab
// never competes with the recording session for the main stream.
package preview

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"sentrycam/internal/registry"
)

// frameInterval paces frame delivery to roughly 30fps, matching the reference
// implementation's 33ms sleep between reads.
const frameInterval = 33 * time.Millisecond

// jpegQuality matches the reference implementation's cv2.IMWRITE_JPEG_QUALITY.
const jpegQuality = 85

// decoder owns one shared gocv.VideoCapture against a camera's sub-stream. All
// concurrent viewers of the same camera index read through the same decoder;
// read() serializes access so frames are never torn between readers.
type decoder struct {
	mu  sync.Mutex
	cap *gocv.VideoCapture
	uri string
}

func newDecoder(uri string) *decoder {
	return &decoder{uri: uri}
}

func (d *decoder) ensureOpen() error {
	if d.cap != nil && d.cap.IsOpened() {
		return nil
	}
	cap, err := gocv.OpenVideoCapture(d.uri)
	if err != nil {
		return fmt.Errorf("failed to open preview stream: %w", err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("preview stream did not open")
	}
	d.cap = cap
	return nil
}

// read returns one JPEG-encoded frame, reconnecting once on a failed read
// before giving up.
func (d *decoder) read() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureOpen(); err != nil {
		return nil, err
	}

	frame := gocv.NewMat()
	defer frame.Close()

	if !d.cap.Read(&frame) || frame.Empty() {
		d.cap.Close()
		d.cap = nil
		if err := d.ensureOpen(); err != nil {
			return nil, err
		}
		if !d.cap.Read(&frame) || frame.Empty() {
			return nil, fmt.Errorf("preview stream produced no frame")
		}
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{gocv.IMWriteJpegQuality, jpegQuality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode preview frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

func (d *decoder) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cap != nil {
		d.cap.Close()
		d.cap = nil
	}
}

// Broker serves MJPEG multipart streams against each camera's sub-stream,
// sharing one decoder per index across all concurrent viewers.
type Broker struct {
	reg *registry.Registry

	mu       sync.Mutex
	decoders map[int]*decoder
}

// New returns a Broker backed by reg, used to resolve a camera index's
// sub-stream URI on first access.
func New(reg *registry.Registry) *Broker {
	return &Broker{reg: reg, decoders: make(map[int]*decoder)}
}

func (b *Broker) decoderFor(i int) (*decoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := b.decoders[i]; ok {
		return d, nil
	}

	cam, ok := b.reg.Camera(i)
	if !ok {
		return nil, fmt.Errorf("camera %d not found", i)
	}
	uri := cam.SubStreamURI
	if uri == "" {
		uri = cam.MainStreamURI
	}

	d := newDecoder(uri)
	b.decoders[i] = d
	return d, nil
}

// Stream writes an MJPEG multipart/x-mixed-replace body for camera index i to
// w, one "--frame" part per JPEG frame, until stop is closed or a write fails.
// It never returns an error for a normal client disconnect.
func (b *Broker) Stream(w io.Writer, i int, stop <-chan struct{}) error {
	d, err := b.decoderFor(i)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			frame, err := d.read()
			if err != nil {
				log.Printf("preview[%d]: %v", i, err)
				return err
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
				return nil
			}
			if _, err := w.Write(frame); err != nil {
				return nil
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return nil
			}
			if f, ok := w.(interface{ Flush() }); ok {
				f.Flush()
			}
		}
	}
}

// Close releases every decoder the broker has opened, used on shutdown and
// whenever a rescan invalidates the camera index space.
func (b *Broker) Close() {
	b.mu.Lock()
	indices := make([]int, 0, len(b.decoders))
	for i := range b.decoders {
		indices = append(indices, i)
	}
	b.mu.Unlock()

	for _, i := range indices {
		b.Invalidate(i)
	}
}

// Invalidate drops the decoder for index i, closing its capture handle. The
// next viewer request reopens a fresh decoder against the (possibly changed)
// sub-stream URI.
func (b *Broker) Invalidate(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.decoders[i]; ok {
		d.close()
		delete(b.decoders, i)
	}
}
