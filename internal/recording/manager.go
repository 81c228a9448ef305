// Package recording implements the per-camera recording supervisor (C6): segmented
// MP4 capture behind two interchangeable back-ends (an external transcoder process
// with audio, or an in-process frame-grabber without it), restarting on stream loss
// and guaranteeing clean segment handoff on rotation and stop.
package recording

import (
	"fmt"
	"log"
	"time"

	"gocv.io/x/gocv"

	"sentrycam/internal/registry"
	"sentrycam/internal/transcoder"
)

// ErrAlreadyRunning mirrors registry.ErrAlreadyRunning for callers that only import
// this package.
var ErrAlreadyRunning = registry.ErrAlreadyRunning

// ErrNotRunning mirrors registry.ErrNotRunning for callers that only import this
// package.
var ErrNotRunning = registry.ErrNotRunning

// Manager starts and stops recording sessions against a shared registry.
type Manager struct {
	reg      *registry.Registry
	probe    *transcoder.Probe
	halfRes  func() bool
}

// New returns a Manager. halfRes is consulted fresh on every Start so a credentials
// change takes effect for the next recording without restarting the process.
func New(reg *registry.Registry, probe *transcoder.Probe, halfRes func() bool) *Manager {
	return &Manager{reg: reg, probe: probe, halfRes: halfRes}
}

// Start begins a recording session for camera index i. It implements the full start
// sequence from the per-camera start gate through backend selection and the
// IDLE->STARTING->RUNNING transition.
func (m *Manager) Start(i int) error {
	cam, ok := m.reg.Camera(i)
	if !ok {
		return fmt.Errorf("camera %d not found", i)
	}

	sess, err := m.reg.BeginStart(i)
	if err != nil {
		return err
	}

	cap, err := gocv.OpenVideoCapture(cam.MainStreamURI)
	if err != nil || !cap.IsOpened() {
		if cap != nil {
			cap.Close()
		}
		m.reg.Evict(i)
		return fmt.Errorf("failed to open main stream for camera %d: %w", i, err)
	}

	fps := clampFPS(cap.Get(gocv.VideoCaptureFPS))
	width, height := clampDimensions(int(cap.Get(gocv.VideoCaptureFrameWidth)), int(cap.Get(gocv.VideoCaptureFrameHeight)))
	cap.Close()

	recWidth, recHeight := recordingResolution(width, height, m.halfRes())

	result := m.probe.Locate()

	var release func()
	if result.Present {
		b := newTranscoderBackend(result.Path, cam.MainStreamURI, cam.Host, cam.Port, recWidth, recHeight, width, height)
		go b.run(sess)
		release = func() { sess.RequestStop() }
		m.reg.SetRunning(i, registry.BackendTranscoder, release)
	} else {
		b := newFrameGrabBackend(cam.MainStreamURI, cam.Host, cam.Port, fps, recWidth, recHeight, width, height)
		go b.run(sess)
		release = func() { sess.RequestStop() }
		m.reg.SetRunning(i, registry.BackendFrameGrab, release)
	}

	log.Printf("recording[%s:%d]: session %d started (backend=%s, %dx%d)", cam.Host, cam.Port, i, result, recWidth, recHeight)
	return nil
}

// Stop requests a graceful stop for index i's recording session, waiting for the
// backend's escalation ladder to complete and the entry to be evicted.
func (m *Manager) Stop(i int) error {
	sess, ok := m.reg.Session(i)
	if !ok {
		return ErrNotRunning
	}

	if err := m.reg.Stop(i); err != nil {
		return err
	}

	// The backend goroutine releases its resources and closes Done() upon observing
	// sess.StopChan(); wait for that before the 500ms thread-drain step and eviction.
	<-sess.Done()
	time.Sleep(500 * time.Millisecond)
	m.reg.Evict(i)
	return nil
}

// StopAll stops every currently tracked session, used by shutdown and by a
// credentials change (which must stop all sessions before persisting and
// rescanning).
func (m *Manager) StopAll() {
	for _, i := range m.reg.AllSessionIndices() {
		if err := m.Stop(i); err != nil {
			log.Printf("recording: stop-all index %d: %v", i, err)
		}
	}
}
