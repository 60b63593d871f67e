// Package app wires together the tlmwatch services and manages their
// lifecycle: store, repository, extractor pipeline, BLE scanner, optional
// MQTT ingest, the terminal view, and the status HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/grandcat/zeroconf"

	"tlmwatch/internal/ble"
	"tlmwatch/internal/config"
	"tlmwatch/internal/controller"
	"tlmwatch/internal/frame"
	"tlmwatch/internal/logring"
	"tlmwatch/internal/mqttingest"
	"tlmwatch/internal/repo"
	"tlmwatch/internal/scan"
	"tlmwatch/internal/store"
	"tlmwatch/internal/ui"
)

// App owns the long-lived components and coordinates startup and teardown.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	logs   *logring.Buffer
	store  *store.Store
	repo   *repo.Repository
	mdns   *zeroconf.Server
}

// New constructs a new application instance. logs is the ring buffer the
// logger writes into; the terminal view renders it as the log screen.
func New(cfg config.Config, logger *slog.Logger, logs *logring.Buffer) *App {
	return &App{cfg: cfg, logger: logger, logs: logs}
}

// programView forwards controller updates into the Bubble Tea update loop.
// The model is only ever mutated inside Update, so these sends are the sole
// crossing point between the ingestion goroutines and the view.
type programView struct {
	program *tea.Program
}

func (v *programView) UpdateRow(row ui.Row) {
	v.program.Send(ui.RowUpdatedMsg{Row: row})
}

func (v *programView) Refresh() {
	// Refresh is reached from inside the update loop too (a committed
	// rename runs the callback within Update). Send blocks until the event
	// loop reads the message, and the loop cannot read while it is inside
	// Update, so a synchronous Send here would wedge the whole program.
	go v.program.Send(ui.RefreshMsg{})
}

// Run starts all configured services and blocks until the context is
// cancelled, the operator quits the terminal view, or a service fails.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	repository, err := repo.New(ctx, a.store, a.cfg.DeviceName, a.logger)
	if err != nil {
		return err
	}
	a.repo = repository

	// Quitting the view tears down the whole application, so every other
	// service runs under this derived context.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	view := ui.New(a.logs)
	program := tea.NewProgram(view, tea.WithAltScreen(), tea.WithContext(runCtx))

	ctrl := controller.New(repository, &programView{program: program}, a.logger)
	view.SetRenameFunc(func(externalID, newLabel string) error {
		return ctrl.HandleLabelChange(runCtx, externalID, newLabel)
	})

	verifier := frame.NewVerifier(a.cfg.SecretKey)
	extractor := scan.NewExtractor(verifier, ctrl, a.cfg.DeviceName, a.logger)

	scanErrCh := make(chan error, 1)
	scanner, err := ble.NewScanner(a.cfg.BLEAdapter, a.logger)
	if err != nil {
		// A machine without BlueZ can still ingest over MQTT.
		if a.cfg.MQTTBroker == "" {
			return fmt.Errorf("ble scanner: %w", err)
		}
		a.logger.Warn("ble scanner unavailable, continuing with mqtt ingest only", "error", err)
	} else {
		go func() {
			scanErrCh <- scanner.Run(runCtx, extractor.HandleAdvertisement)
		}()
	}

	var bridge *mqttingest.Bridge
	var bridgeErrCh <-chan error
	if a.cfg.MQTTBroker != "" {
		bridge = mqttingest.New(a.cfg.MQTTBroker, extractor, a.logger)
		bridgeErrCh, err = bridge.Start(runCtx)
		if err != nil {
			return err
		}
		defer bridge.Stop()
	}

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown", "error", err)
		}
	}()

	if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
		a.logger.Warn("mDNS advertisement failed", "error", err)
	}
	defer a.stopMDNS()

	uiErrCh := make(chan error, 1)
	go func() {
		_, err := program.Run()
		// Cancellation is the normal shutdown path, not a failure.
		if err != nil && runCtx.Err() != nil {
			err = nil
		}
		uiErrCh <- err
	}()

	var runErr error
	uiDone := false
	select {
	case <-runCtx.Done():
	case err := <-uiErrCh:
		uiDone = true
		runErr = err
		if err == nil {
			a.logger.Info("terminal view closed")
		}
	case err := <-scanErrCh:
		if err != nil {
			runErr = fmt.Errorf("ble scanner: %w", err)
		}
	case err := <-httpErrCh:
		runErr = err
	case err, ok := <-bridgeErrCh:
		if ok && err != nil {
			runErr = err
		}
	}

	// Wait for the view to restore the terminal before tearing down the
	// rest of the stack.
	cancel()
	if !uiDone {
		<-uiErrCh
	}
	return runErr
}
