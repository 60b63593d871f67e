// Package controller glues repository results to the terminal view.
package controller

import (
	"context"
	"fmt"
	"log/slog"

	"tlmwatch/internal/frame"
	"tlmwatch/internal/repo"
	"tlmwatch/internal/ui"
)

// View is the slice of the terminal view the controller drives. The app
// wires it to a sender that injects messages into the render loop.
type View interface {
	UpdateRow(row ui.Row)
	Refresh()
}

// Charger operating modes as reported in the telemetry mode field.
const (
	ModeCharge = iota
	ModeDischarge
	ModeAnalysis
	ModeInternalResistance
)

// ModeName resolves the numeric operating mode to its display name.
func ModeName(mode int) string {
	switch mode {
	case ModeCharge:
		return "Charge"
	case ModeDischarge:
		return "Discharge"
	case ModeAnalysis:
		return "Analysis"
	case ModeInternalResistance:
		return "InternalResistance"
	default:
		return fmt.Sprintf("Mode(%d)", mode)
	}
}

// Controller persists accepted snapshots and keeps the view in sync.
type Controller struct {
	repo   *repo.Repository
	view   View
	logger *slog.Logger
}

// New wires a controller to its repository and view.
func New(r *repo.Repository, view View, logger *slog.Logger) *Controller {
	return &Controller{repo: r, view: view, logger: logger}
}

// HandleTelemetry persists one snapshot and pushes the derived display row
// to the view. It is the extractor's sink.
func (c *Controller) HandleTelemetry(ctx context.Context, snap frame.Snapshot, externalID string) error {
	telemetry, err := c.repo.SaveTelemetry(ctx, snap, externalID)
	if err != nil {
		return err
	}

	battery, ok := c.repo.BatteryByExternalID(externalID)
	if !ok {
		// SaveTelemetry caches the battery it wrote to; not finding it here
		// means the repository contract is broken.
		return fmt.Errorf("battery for %q missing after save: %w", externalID, repo.ErrUnknownDevice)
	}

	c.view.UpdateRow(ui.Row{
		BatteryID:          battery.BatteryID,
		ExternalID:         externalID,
		Label:              battery.DisplayLabel(),
		VoltageMV:          telemetry.VoltageMV,
		ResistanceOhm:      battery.Resistance,
		CapacityMAH:        battery.CapacityMAH,
		DischargeCurrentMA: battery.DischargeCurrentMA,
		AdvCount:           telemetry.AdvCount,
		UptimeSeconds:      telemetry.UptimeSeconds,
		Mode:               ModeName(telemetry.Mode),
	})

	c.logger.Info("telemetry received",
		"device", externalID,
		"battery", battery.DisplayLabel(),
		"voltage_mv", telemetry.VoltageMV,
		"adv", telemetry.AdvCount,
		"uptime_s", fmt.Sprintf("%.1f", telemetry.UptimeSeconds),
	)

	return nil
}

// HandleLabelChange renames the battery behind externalID and refreshes
// the view. Registered as the view's rename callback at wiring time.
func (c *Controller) HandleLabelChange(ctx context.Context, externalID, newLabel string) error {
	if _, err := c.repo.UpdateBatteryLabel(ctx, externalID, newLabel); err != nil {
		return err
	}

	c.logger.Info("battery renamed", "device", externalID, "label", newLabel)
	c.view.Refresh()
	return nil
}
