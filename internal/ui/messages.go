package ui

import "time"

// RowUpdatedMsg carries one display row from the ingestion path into the
// Bubble Tea update loop. All view mutation happens inside Update, so this
// message is the only way telemetry reaches the screen.
type RowUpdatedMsg struct {
	Row Row
}

// RefreshMsg forces a repaint on the next frame, used after out-of-band
// state changes such as a persisted label update.
type RefreshMsg struct{}

// tickMsg drives the cooperative refresh of the log view and flash expiry.
type tickMsg time.Time
