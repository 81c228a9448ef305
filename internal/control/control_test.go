package control

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sentrycam/internal/config"
	"sentrycam/internal/discovery"
	"sentrycam/internal/preview"
	"sentrycam/internal/recording"
	"sentrycam/internal/registry"
	"sentrycam/internal/transcoder"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, string) {
	t.Helper()
	reg := registry.New()
	recordingsRoot := t.TempDir()

	cfgPath := filepath.Join(t.TempDir(), "config.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	disc := discovery.New(reg)
	probe := transcoder.New()
	mgr := recording.New(reg, probe, func() bool { return cfg.Get().HalfResolution })
	prev := preview.New(reg)

	return New(reg, disc, mgr, prev, cfg, recordingsRoot), reg, recordingsRoot
}

func TestRecordStopOnIdleSessionReturnsKeineAktiveAufnahme(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/record/stop/0", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "Keine aktive Aufnahme") {
		t.Fatalf("body = %s, want message Keine aktive Aufnahme", body)
	}
}

func TestRecordStartWithInvalidIndexReturns400(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/record/start/not-a-number", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestGetCredentialsNeverReturnsRealPassword(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/credentials", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"password":"***"`) {
		t.Fatalf("body = %s, want password field masked", rr.Body.String())
	}
}

func TestSetCredentialsRejectsEmptyUsername(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/credentials", strings.NewReader(`{"username":"","password":"x"}`))
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestPlayRecordingRejectsPathEscape(t *testing.T) {
	s, _, root := newTestServer(t)

	if err := os.WriteFile(filepath.Join(filepath.Dir(root), "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/recordings/play/../secret.txt", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestPlayRecordingServesExistingFile(t *testing.T) {
	s, _, root := newTestServer(t)

	segPath := filepath.Join(root, "clip.mp4")
	if err := os.WriteFile(segPath, []byte("fake-mp4"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/recordings/play/clip.mp4", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "video/mp4" {
		t.Fatalf("Content-Type = %q, want video/mp4", rr.Header().Get("Content-Type"))
	}
}

func TestListRecordingsOnEmptyRootReturnsEmptyMap(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/recordings", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"success":true`) {
		t.Fatalf("body = %s, want success:true", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"data":{}`) {
		t.Fatalf("body = %s, want empty data map", rr.Body.String())
	}
}
