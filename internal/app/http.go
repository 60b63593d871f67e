package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"tlmwatch/internal/model"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/api/devices", a.handleDevices)
	mux.HandleFunc("/api/batteries", a.handleBatteries)
	mux.HandleFunc("/api/telemetry/recent", a.handleRecentTelemetry)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	devices, err := a.store.ListDevices(ctx)
	if err != nil {
		a.logger.Error("failed to load devices", "error", err)
		http.Error(w, "failed to load devices", http.StatusInternalServerError)
		return
	}

	response := struct {
		Devices []model.Device `json:"devices"`
	}{Devices: devices}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode devices response", "error", err)
	}
}

func (a *App) handleBatteries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	batteries, err := a.store.ListBatteries(ctx)
	if err != nil {
		a.logger.Error("failed to load batteries", "error", err)
		http.Error(w, "failed to load batteries", http.StatusInternalServerError)
		return
	}

	response := struct {
		Batteries []model.Battery `json:"batteries"`
	}{Batteries: batteries}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode batteries response", "error", err)
	}
}

func (a *App) handleRecentTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 250 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	telemetry, err := a.store.RecentTelemetry(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load recent telemetry", "error", err)
		http.Error(w, "failed to load telemetry", http.StatusInternalServerError)
		return
	}

	response := struct {
		Telemetry []model.Telemetry `json:"telemetry"`
	}{Telemetry: telemetry}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode telemetry response", "error", err)
	}
}
