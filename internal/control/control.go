// Package control implements the HTTP control plane (C9): discovery trigger,
// per-camera record start/stop/status, credentials management, recording
// listing/playback/download, and the MJPEG preview passthrough. Routing and
// middleware follow the teacher's internal/web/web.go chi setup, generalized
// from its database-backed camera CRUD to the registry/session state this
// system actually carries.
package control

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"sentrycam/internal/config"
	"sentrycam/internal/discovery"
	"sentrycam/internal/onvifprobe"
	"sentrycam/internal/preview"
	"sentrycam/internal/recording"
	"sentrycam/internal/registry"
)

// Response is the standard JSON envelope for every non-streaming endpoint.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Server wires the registry, discovery engine, recording manager, preview
// broker and config store behind the HTTP surface in spec §4.9.
type Server struct {
	reg            *registry.Registry
	disc           *discovery.Engine
	mgr            *recording.Manager
	prev           *preview.Broker
	cfg            *config.Store
	recordingsRoot string
}

// New returns a Server. recordingsRoot is normally recording.RecordingsRoot.
func New(reg *registry.Registry, disc *discovery.Engine, mgr *recording.Manager, prev *preview.Broker, cfg *config.Store, recordingsRoot string) *Server {
	return &Server{reg: reg, disc: disc, mgr: mgr, prev: prev, cfg: cfg, recordingsRoot: recordingsRoot}
}

// Router builds the chi router serving every endpoint in spec §4.9.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.dashboardHandler)
	r.Post("/scan", s.scanHandler)
	r.Get("/cameras", s.camerasHandler)
	r.Post("/record/start/{i}", s.recordStartHandler)
	r.Post("/record/stop/{i}", s.recordStopHandler)
	r.Get("/record/status", s.recordStatusHandler)
	r.Get("/api/credentials", s.getCredentialsHandler)
	r.Post("/api/credentials", s.setCredentialsHandler)
	r.Get("/api/recordings", s.listRecordingsHandler)
	r.Get("/api/recordings/play/*", s.playRecordingHandler)
	r.Get("/api/recordings/download/*", s.downloadRecordingHandler)
	r.Get("/stream/{i}", s.streamHandler)

	return r
}

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, dashboardHTML)
}

// scanHandler triggers a synchronous discovery pass and then auto-starts a
// recording session for every discovered camera that isn't already RUNNING.
func (s *Server) scanHandler(w http.ResponseWriter, r *http.Request) {
	creds := s.cfg.Get()
	found := s.disc.Scan(s.cfg.ScanPrefix(), onvifprobe.Credentials{
		Username: creds.Username,
		Password: creds.Password,
	})

	// The rescan may have remapped camera indices to different cameras, so every
	// cached preview decoder is now potentially pointed at the wrong sub-stream.
	s.prev.Close()

	for i := range found {
		if sess, ok := s.reg.Session(i); ok && sess.State == registry.StateRunning {
			continue
		}
		if err := s.mgr.Start(i); err != nil && err != recording.ErrAlreadyRunning {
			log.Printf("control: auto-start after scan failed for index %d: %v", i, err)
		}
	}

	render.JSON(w, r, Response{
		Success: true,
		Message: fmt.Sprintf("%d Kamera(s) gefunden", len(found)),
		Data:    map[string]int{"cameras": len(found)},
	})
}

func (s *Server) camerasHandler(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, Response{Success: true, Data: s.reg.Cameras()})
}

func cameraIndex(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "i"))
}

func (s *Server) recordStartHandler(w http.ResponseWriter, r *http.Request) {
	i, err := cameraIndex(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, Response{Success: false, Message: "invalid camera index"})
		return
	}

	if err := s.mgr.Start(i); err != nil {
		if err == recording.ErrAlreadyRunning {
			render.JSON(w, r, Response{Success: false, Message: "Aufnahme läuft bereits"})
			return
		}
		render.JSON(w, r, Response{Success: false, Message: err.Error()})
		return
	}

	render.JSON(w, r, Response{Success: true})
}

func (s *Server) recordStopHandler(w http.ResponseWriter, r *http.Request) {
	i, err := cameraIndex(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, Response{Success: false, Message: "invalid camera index"})
		return
	}

	if err := s.mgr.Stop(i); err != nil {
		if err == recording.ErrNotRunning {
			render.JSON(w, r, Response{Success: false, Message: "Keine aktive Aufnahme"})
			return
		}
		render.JSON(w, r, Response{Success: false, Message: err.Error()})
		return
	}

	render.JSON(w, r, Response{Success: true})
}

type sessionStatus struct {
	Recording bool    `json:"recording"`
	Filename  *string `json:"filename,omitempty"`
	StartTime *string `json:"start_time,omitempty"`
	UseFFmpeg *bool   `json:"use_ffmpeg,omitempty"`
}

func (s *Server) recordStatusHandler(w http.ResponseWriter, r *http.Request) {
	cameras := s.reg.Cameras()
	status := make(map[string]sessionStatus, len(cameras))

	for i := range cameras {
		sess, ok := s.reg.Session(i)
		if !ok || sess.State != registry.StateRunning {
			status[strconv.Itoa(i)] = sessionStatus{Recording: false}
			continue
		}

		path, startedAt := sess.Segment()
		startStr := startedAt.Format(time.RFC3339)
		useFFmpeg := sess.Backend == registry.BackendTranscoder
		status[strconv.Itoa(i)] = sessionStatus{
			Recording: true,
			Filename:  &path,
			StartTime: &startStr,
			UseFFmpeg: &useFFmpeg,
		}
	}

	render.JSON(w, r, status)
}

type credentialsPayload struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	HalfResolution bool   `json:"half_resolution"`
}

func (s *Server) getCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	creds := s.cfg.Get()
	render.JSON(w, r, credentialsPayload{
		Username:       creds.Username,
		Password:       "***",
		HalfResolution: creds.HalfResolution,
	})
}

// setCredentialsHandler implements the §8 S7 scenario: stop every session,
// persist the new credentials, then trigger a rescan under them.
func (s *Server) setCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, Response{Success: false, Message: "invalid request body"})
		return
	}

	username := strings.TrimSpace(payload.Username)
	password := strings.TrimSpace(payload.Password)
	if username == "" || password == "" {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, Response{Success: false, Message: "Username und Password dürfen nicht leer sein"})
		return
	}

	s.mgr.StopAll()

	if err := s.cfg.Set(config.Credentials{Username: username, Password: password, HalfResolution: payload.HalfResolution}); err != nil {
		log.Printf("control: failed to persist credentials: %v", err)
	}

	found := s.disc.Scan(s.cfg.ScanPrefix(), onvifprobe.Credentials{Username: username, Password: password})

	// New credentials rescan from scratch, so any cached preview decoder is stale.
	s.prev.Close()

	for i := range found {
		if err := s.mgr.Start(i); err != nil && err != recording.ErrAlreadyRunning {
			log.Printf("control: auto-start after credentials change failed for index %d: %v", i, err)
		}
	}

	render.JSON(w, r, Response{
		Success: true,
		Message: fmt.Sprintf("Login-Daten aktualisiert. %d Kamera(s) mit neuen Credentials gefunden.", len(found)),
	})
}

type recordingItem struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"`
	Camera    string `json:"camera"`
}

// listRecordingsHandler walks the recordings root and groups every segment by
// its date directory and hour-bucket directory, with each group's items sorted
// newest-first by modification time. The date and hour-range groups are JSON
// object keys, which encoding/json writes in ascending order, so the response
// lists dates and hour ranges oldest-first.
func (s *Server) listRecordingsHandler(w http.ResponseWriter, r *http.Request) {
	grouped := make(map[string]map[string][]recordingItem)

	if _, err := os.Stat(s.recordingsRoot); err == nil {
		err := filepath.Walk(s.recordingsRoot, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() || !strings.HasSuffix(info.Name(), ".mp4") {
				return nil
			}

			rel, err := filepath.Rel(s.recordingsRoot, path)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)

			parts := strings.Split(rel, "/")
			date, hourRange := "unknown", "unknown"
			if len(parts) >= 3 {
				date, hourRange = parts[0], parts[1]
			}

			camera := "unknown"
			base := strings.TrimSuffix(info.Name(), ".mp4")
			nameParts := strings.Split(base, "_")
			if len(nameParts) >= 2 {
				camera = nameParts[0] + ":" + nameParts[1]
			}

			if grouped[date] == nil {
				grouped[date] = make(map[string][]recordingItem)
			}
			grouped[date][hourRange] = append(grouped[date][hourRange], recordingItem{
				Filename:  rel,
				Size:      info.Size(),
				Timestamp: info.ModTime().Unix(),
				Camera:    camera,
			})
			return nil
		})
		if err != nil {
			log.Printf("control: failed to list recordings: %v", err)
		}
	}

	for _, byHour := range grouped {
		for _, items := range byHour {
			sort.Slice(items, func(a, b int) bool { return items[a].Timestamp > items[b].Timestamp })
		}
	}

	dates := make([]string, 0, len(grouped))
	for d := range grouped {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	ordered := make(map[string]interface{}, len(dates))
	for _, d := range dates {
		hours := make([]string, 0, len(grouped[d]))
		for h := range grouped[d] {
			hours = append(hours, h)
		}
		sort.Sort(sort.Reverse(sort.StringSlice(hours)))

		byHour := make(map[string][]recordingItem, len(hours))
		for _, h := range hours {
			byHour[h] = grouped[d][h]
		}
		ordered[d] = byHour
	}

	render.JSON(w, r, Response{Success: true, Data: ordered})
}

// safeRecordingPath joins relpath onto the recordings root and rejects any
// result that escapes it, per spec §4.9's path-safety rule.
func (s *Server) safeRecordingPath(relpath string) (string, bool) {
	joined := filepath.Join(s.recordingsRoot, relpath)
	joined = filepath.Clean(joined)

	rootClean := filepath.Clean(s.recordingsRoot)
	if joined != rootClean && !strings.HasPrefix(joined, rootClean+string(os.PathSeparator)) {
		return "", false
	}
	return joined, true
}

func (s *Server) playRecordingHandler(w http.ResponseWriter, r *http.Request) {
	s.serveRecording(w, r, false)
}

func (s *Server) downloadRecordingHandler(w http.ResponseWriter, r *http.Request) {
	s.serveRecording(w, r, true)
}

func (s *Server) serveRecording(w http.ResponseWriter, r *http.Request, asAttachment bool) {
	relpath := chi.URLParam(r, "*")
	path, ok := s.safeRecordingPath(relpath)
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if _, err := os.Stat(path); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	if asAttachment {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	}
	http.ServeFile(w, r, path)
}

func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	i, err := cameraIndex(r)
	if err != nil {
		http.Error(w, "invalid camera index", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	if err := s.prev.Stream(w, i, r.Context().Done()); err != nil {
		log.Printf("control: preview stream for index %d ended: %v", i, err)
	}
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="de">
<head>
  <meta charset="utf-8">
  <title>sentrycam</title>
</head>
<body>
  <h1>sentrycam</h1>
  <p>Kontrollzentrum für Kamera-Erkennung, Aufnahmen und Live-Vorschau.</p>
  <ul>
    <li><a href="/cameras">/cameras</a></li>
    <li><a href="/record/status">/record/status</a></li>
    <li><a href="/api/recordings">/api/recordings</a></li>
  </ul>
</body>
</html>
`
