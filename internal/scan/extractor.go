// Package scan turns raw advertisement service data into authenticated,
// deduplicated telemetry snapshots. Advertisements arrive from the BLE
// adapter and, optionally, from the MQTT bridge; both paths converge on
// the same Extractor.
package scan

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"tlmwatch/internal/frame"
)

// Advertisement is one delivery from the wireless stack: the advertising
// device plus its service-data entries.
type Advertisement struct {
	Address     string
	LocalName   string
	ServiceData map[string][]byte
}

// TelemetrySink receives accepted snapshots. Sink errors are logged and
// never abort the scan loop; one lost row is acceptable, a dead scanning
// session is not.
type TelemetrySink interface {
	HandleTelemetry(ctx context.Context, snap frame.Snapshot, externalID string) error
}

// Extractor locates the telemetry service-data entry in an advertisement,
// authenticates and decodes it, and forwards each distinct snapshot
// exactly once per source address.
type Extractor struct {
	verifier   *frame.Verifier
	sink       TelemetrySink
	logger     *slog.Logger
	deviceName string

	// Advertisements are retransmitted many times a second; lastSeen
	// suppresses forwarding until the decoded value actually changes.
	// BLE and MQTT deliveries run on different goroutines.
	mu       sync.Mutex
	lastSeen map[string]frame.Snapshot
}

// NewExtractor builds an extractor forwarding to sink. deviceName is the
// exact advertised local name accepted by HandleAdvertisement.
func NewExtractor(verifier *frame.Verifier, sink TelemetrySink, deviceName string, logger *slog.Logger) *Extractor {
	return &Extractor{
		verifier:   verifier,
		sink:       sink,
		logger:     logger,
		deviceName: deviceName,
		lastSeen:   make(map[string]frame.Snapshot),
	}
}

// HandleAdvertisement filters by advertised name and hands matching
// advertisements to ParseServiceData. The only error it returns is the
// context's, so the outer scan loop can wind down cleanly; everything
// else is logged and swallowed.
func (e *Extractor) HandleAdvertisement(ctx context.Context, adv Advertisement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if adv.LocalName != e.deviceName {
		return nil
	}

	e.ParseServiceData(ctx, adv.Address, adv.ServiceData)
	return nil
}

// ParseServiceData processes the telemetry service-data entry of one
// advertisement, if present. At most one snapshot is forwarded per call.
func (e *Extractor) ParseServiceData(ctx context.Context, addr string, serviceData map[string][]byte) {
	value, ok := serviceData[frame.ServiceUUID]
	if !ok {
		return
	}

	// Accepted shapes: payload+mac, or the legacy form with the 2-byte
	// service id duplicated inside the authenticated window.
	if len(value) != frame.PayloadLen+frame.MACTruncLen &&
		len(value) != frame.PayloadLen+frame.MACTruncLen+len(frame.ServiceIDPrefix) {
		e.logger.Debug("service data is not a telemetry frame", "address", addr, "len", len(value))
		return
	}

	raw := value[:len(value)-frame.MACTruncLen]
	mac := value[len(value)-frame.MACTruncLen:]

	// Fail closed: an unauthenticated frame is indistinguishable from noise.
	if !e.verifier.Verify(raw, mac) {
		e.logger.Warn("dropping frame with invalid mac", "address", addr)
		return
	}

	// The MAC covers the duplicated prefix as transmitted, so strip only
	// after verification.
	if len(raw) == frame.PayloadLen+len(frame.ServiceIDPrefix) {
		if !bytes.Equal(raw[:len(frame.ServiceIDPrefix)], frame.ServiceIDPrefix) {
			e.logger.Debug("service data is not a telemetry frame", "address", addr, "len", len(value))
			return
		}
		raw = raw[len(frame.ServiceIDPrefix):]
	}

	snap, err := frame.Decode(raw)
	if err != nil {
		e.logger.Warn("failed to decode telemetry frame", "address", addr, "error", err)
		return
	}

	// Reserve the dedup slot before forwarding so a concurrent delivery of
	// the same frame (BLE and MQTT arrive on different goroutines) cannot
	// pass the check twice.
	e.mu.Lock()
	prev, seen := e.lastSeen[addr]
	if seen && prev == snap {
		e.mu.Unlock()
		return
	}
	e.lastSeen[addr] = snap
	e.mu.Unlock()

	if err := e.sink.HandleTelemetry(ctx, snap, addr); err != nil {
		e.logger.Error("failed to handle telemetry", "address", addr, "error", err)

		// Roll the reservation back so a retransmission retries the sink,
		// unless a newer snapshot has already claimed the slot.
		e.mu.Lock()
		if cur, ok := e.lastSeen[addr]; ok && cur == snap {
			if seen {
				e.lastSeen[addr] = prev
			} else {
				delete(e.lastSeen, addr)
			}
		}
		e.mu.Unlock()
	}
}
