package recording

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func withTempCwd(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir() error = %v", err)
	}
	t.Cleanup(func() { os.Chdir(orig) })
}

func TestNextSegmentPathLayout(t *testing.T) {
	withTempCwd(t)

	now := time.Date(2026, 3, 5, 14, 22, 7, 0, time.UTC)
	path, err := NextSegmentPath("192.168.100.42", 888, now)
	if err != nil {
		t.Fatalf("NextSegmentPath() error = %v", err)
	}

	want := filepath.Join("aufnahmen", "2026-03-05", "14-00_15-00", "192.168.100.42_888_2026-03-05_14-22-07.mp4")
	if path != want {
		t.Errorf("NextSegmentPath() = %q, want %q", path, want)
	}

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("expected bucket directory to exist: %v", err)
	}
}

func TestNextSegmentPathHourWrapAt2300(t *testing.T) {
	withTempCwd(t)

	now := time.Date(2026, 3, 5, 23, 59, 59, 0, time.UTC)
	path, err := NextSegmentPath("192.168.100.42", 888, now)
	if err != nil {
		t.Fatalf("NextSegmentPath() error = %v", err)
	}

	if !strings.Contains(path, filepath.Join("2026-03-05", "23-00_00-00")) {
		t.Errorf("NextSegmentPath() = %q, want bucket 23-00_00-00", path)
	}
}

func TestNextSegmentPathCollisionAppendsMonotonicSuffix(t *testing.T) {
	withTempCwd(t)

	now := time.Date(2026, 3, 5, 14, 22, 7, 0, time.UTC)

	first, err := NextSegmentPath("10.0.0.1", 888, now)
	if err != nil {
		t.Fatalf("NextSegmentPath() first error = %v", err)
	}
	second, err := NextSegmentPath("10.0.0.1", 888, now)
	if err != nil {
		t.Fatalf("NextSegmentPath() second error = %v", err)
	}
	third, err := NextSegmentPath("10.0.0.1", 888, now)
	if err != nil {
		t.Fatalf("NextSegmentPath() third error = %v", err)
	}

	if strings.Contains(first, "_1.mp4") || strings.Contains(first, "_2.mp4") {
		t.Errorf("first segment path unexpectedly suffixed: %q", first)
	}
	if !strings.HasSuffix(second, "_1.mp4") {
		t.Errorf("second segment path = %q, want _1 suffix", second)
	}
	if !strings.HasSuffix(third, "_2.mp4") {
		t.Errorf("third segment path = %q, want _2 suffix", third)
	}
}

func TestNextSegmentPathDifferentHostNoCollision(t *testing.T) {
	withTempCwd(t)

	now := time.Date(2026, 3, 5, 14, 22, 7, 0, time.UTC)
	a, err := NextSegmentPath("10.0.1.1", 888, now)
	if err != nil {
		t.Fatalf("NextSegmentPath() error = %v", err)
	}
	b, err := NextSegmentPath("10.0.1.2", 888, now)
	if err != nil {
		t.Fatalf("NextSegmentPath() error = %v", err)
	}

	if strings.HasSuffix(a, "_1.mp4") || strings.HasSuffix(b, "_1.mp4") {
		t.Errorf("unrelated hosts should not collide: a=%q b=%q", a, b)
	}
}
