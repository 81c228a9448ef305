package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestReplaceSwapsCamerasAtomically(t *testing.T) {
	r := New()
	r.Replace([]CameraRecord{{Host: "192.168.100.5", Port: 888}})

	got := r.Cameras()
	if len(got) != 1 || got[0].Host != "192.168.100.5" {
		t.Errorf("Cameras() = %+v, want one record for 192.168.100.5", got)
	}
}

func TestReplaceEvictsSessionsPastNewLength(t *testing.T) {
	r := New()
	r.Replace([]CameraRecord{{Host: "a"}, {Host: "b"}})

	sess, err := r.BeginStart(1)
	if err != nil {
		t.Fatalf("BeginStart(1) error = %v", err)
	}
	r.SetRunning(1, BackendFrameGrab, func() { sess.RequestStop() })

	// Simulate the backend supervisor goroutine: it only marks itself done once
	// it has observed the stop signal, mirroring a real ffmpeg/gocv backend's
	// release-then-MarkDone sequence.
	go func() {
		<-sess.StopChan()
		sess.MarkDone()
	}()

	r.Replace([]CameraRecord{{Host: "a"}})

	// Replace must not synchronously delete the session: it has to transition to
	// STOPPING and wait for the supervisor to finish first.
	got, ok := r.Session(1)
	if !ok {
		t.Fatalf("expected session 1 to still be present immediately after Replace (eviction is asynchronous)")
	}
	if got.State != StateStopping {
		t.Errorf("State = %v, want StateStopping immediately after Replace", got.State)
	}

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for session 1's supervisor to finish")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Session(1); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("expected session 1 to be evicted once its supervisor finished")
}

func TestBeginStartSecondCallObservesAlreadyRunning(t *testing.T) {
	r := New()
	r.Replace([]CameraRecord{{Host: "a"}})

	sess, err := r.BeginStart(0)
	if err != nil {
		t.Fatalf("first BeginStart(0) error = %v", err)
	}
	r.SetRunning(0, BackendFrameGrab, func() {})
	_ = sess

	if _, err := r.BeginStart(0); err != ErrAlreadyRunning {
		t.Errorf("second BeginStart(0) error = %v, want ErrAlreadyRunning", err)
	}
}

func TestConcurrentBeginStartExactlyOneSucceeds(t *testing.T) {
	r := New()
	r.Replace([]CameraRecord{{Host: "a"}})

	const n = 20
	var successes int32
	var wg sync.WaitGroup
	wg.Add(n)
	for k := 0; k < n; k++ {
		go func() {
			defer wg.Done()
			if sess, err := r.BeginStart(0); err == nil {
				atomic.AddInt32(&successes, 1)
				r.SetRunning(0, BackendFrameGrab, func() {})
				_ = sess
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestStopOnIdleSessionReturnsErrNotRunning(t *testing.T) {
	r := New()
	if err := r.Stop(0); err != ErrNotRunning {
		t.Errorf("Stop(0) on empty registry error = %v, want ErrNotRunning", err)
	}
}

func TestStopSignalsStopChannel(t *testing.T) {
	r := New()
	r.Replace([]CameraRecord{{Host: "a"}})
	sess, err := r.BeginStart(0)
	if err != nil {
		t.Fatalf("BeginStart(0) error = %v", err)
	}
	r.SetRunning(0, BackendFrameGrab, func() {})

	if err := r.Stop(0); err != nil {
		t.Fatalf("Stop(0) error = %v", err)
	}

	select {
	case <-sess.StopChan():
	default:
		t.Errorf("expected stop channel to be closed after Stop")
	}

	got, _ := r.Session(0)
	if got.State != StateStopping {
		t.Errorf("State = %v, want StateStopping", got.State)
	}
}

func TestScanFlagSerializesOneInFlightScan(t *testing.T) {
	r := New()
	if !r.TryBeginScan() {
		t.Fatalf("first TryBeginScan() = false, want true")
	}
	if r.TryBeginScan() {
		t.Errorf("second concurrent TryBeginScan() = true, want false")
	}
	r.EndScan()
	if !r.TryBeginScan() {
		t.Errorf("TryBeginScan() after EndScan() = false, want true")
	}
}
