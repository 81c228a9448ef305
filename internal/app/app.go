// Package app wires every component together and implements the startup and
// shutdown ordering from spec §4.10: config and filesystem setup, the
// retention sweeper's startup pass, the initial auto-starting discovery scan,
// opening the dashboard in a browser, and — on signal — the ordered drain of
// every recording session before the process exits.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"sentrycam/internal/config"
	"sentrycam/internal/control"
	"sentrycam/internal/discovery"
	"sentrycam/internal/onvifprobe"
	"sentrycam/internal/preview"
	"sentrycam/internal/recording"
	"sentrycam/internal/registry"
	"sentrycam/internal/retention"
	"sentrycam/internal/transcoder"
)

// Addr is the fixed HTTP listen address per spec §6.
const Addr = "0.0.0.0:8080"

const browserOpenDelay = 1500 * time.Millisecond

// App bundles every long-lived component and owns the process's startup and
// shutdown ordering.
type App struct {
	cfg     *config.Store
	reg     *registry.Registry
	disc    *discovery.Engine
	mgr     *recording.Manager
	prev    *preview.Broker
	sweeper *retention.Sweeper
	server  *http.Server
}

// New loads configuration from configPath and wires every component, but
// starts nothing yet — call Start to begin serving.
func New(configPath, recordingsRoot string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	reg := registry.New()
	disc := discovery.New(reg)
	probe := transcoder.New()
	mgr := recording.New(reg, probe, func() bool { return cfg.Get().HalfResolution })
	prev := preview.New(reg)
	sweeper := retention.New(recordingsRoot)

	ctrl := control.New(reg, disc, mgr, prev, cfg, recordingsRoot)

	server := &http.Server{
		Addr:         Addr,
		Handler:      ctrl.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // MJPEG preview connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	return &App{
		cfg:     cfg,
		reg:     reg,
		disc:    disc,
		mgr:     mgr,
		prev:    prev,
		sweeper: sweeper,
		server:  server,
	}, nil
}

// Start runs the §4.10 startup sequence: ensure the recordings root exists,
// start the retention sweeper (which performs its own one-shot pass), run the
// initial discovery scan (auto-starting sessions for every camera it finds),
// schedule the browser-open, and begin serving HTTP. It blocks until the
// listener stops; ErrServerClosed after a clean Shutdown is not an error.
func (a *App) Start() error {
	if err := recording.EnsureRoot(); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}

	a.sweeper.Start()

	go a.initialScan()
	go openBrowserAfterDelay("http://localhost:8080")

	log.Printf("sentrycam listening on %s", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) initialScan() {
	creds := a.cfg.Get()
	found := a.disc.Scan(a.cfg.ScanPrefix(), onvifprobe.Credentials{
		Username: creds.Username,
		Password: creds.Password,
	})

	if len(found) == 0 {
		log.Printf("sentrycam: initial scan found no cameras; scan manually via POST /scan")
		return
	}

	log.Printf("sentrycam: initial scan found %d camera(s), starting recordings", len(found))
	for i := range found {
		if err := a.mgr.Start(i); err != nil {
			log.Printf("sentrycam: failed to auto-start recording for index %d: %v", i, err)
		}
	}
}

func openBrowserAfterDelay(url string) {
	time.Sleep(browserOpenDelay)
	if err := openBrowser(url); err != nil {
		log.Printf("sentrycam: could not open browser automatically: %v (open %s manually)", err, url)
	}
}

// openBrowser shells out to the platform's URL-open command. No third-party
// library in the dependency pack wraps this, so it's a direct exec.Command
// call per OS, matching the reference implementation's webbrowser.open.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

// Shutdown implements the §4.10 shutdown sequence: stop accepting new HTTP
// connections, stop every recording session (which itself marks STOPPING,
// signals the backend, and waits out the escalation ladder before finalizing
// the last segment), release preview decoders, and stop the retention
// scheduler.
func (a *App) Shutdown(ctx context.Context) error {
	log.Printf("sentrycam: shutting down")

	err := a.server.Shutdown(ctx)

	a.mgr.StopAll()
	a.prev.Close()
	a.sweeper.Stop()

	log.Printf("sentrycam: shutdown complete")
	return err
}
