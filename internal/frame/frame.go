// Package frame implements the authenticated TLM telemetry frame format
// broadcast by the charger beacons: a fixed 14-byte big-endian payload
// followed by a truncated HMAC-SHA256 tag.
package frame

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	// ServiceUUID is the 128-bit service identifier keying the telemetry
	// service-data entry in an advertisement.
	ServiceUUID = "0000feaa-0000-1000-8000-00805f9b34fb"

	// FrameTypeTLM is the fixed tag value in the first payload byte.
	FrameTypeTLM = 0x20

	// PayloadLen is the size of the telemetry payload in bytes.
	PayloadLen = 14

	// MACTruncLen is the number of leading HMAC bytes transmitted over the air.
	MACTruncLen = 4
)

// ServiceIDPrefix is the 16-bit service identifier as transmitted on the
// wire. Some firmware revisions duplicate it in front of the payload.
var ServiceIDPrefix = []byte{0xAA, 0xFE}

// Snapshot is one decoded telemetry frame. Mode, CapacityMAH and
// DischargeCurrentMA are zero for the base TLM layout; extended firmware
// frames populate them. Zero always means "unknown", never "reset".
type Snapshot struct {
	FrameType          uint8
	Version            uint8
	BatteryMilliVolts  uint16
	ResistanceRaw      int16
	AdvCount           uint32
	UptimeSeconds      float64
	Mode               uint8
	CapacityMAH        uint16
	DischargeCurrentMA int16
}

// LengthError reports a payload whose size does not match the TLM layout.
type LengthError struct {
	Expected int
	Actual   int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("tlm payload length mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Decode parses a 14-byte TLM payload. It is pure and deterministic; any
// other input length yields a *LengthError.
func Decode(payload []byte) (Snapshot, error) {
	if len(payload) != PayloadLen {
		return Snapshot{}, &LengthError{Expected: PayloadLen, Actual: len(payload)}
	}

	// The wire field is declared in 0.1s ticks, yet deployed chargers look
	// like they emit milliseconds. The /1000 divisor is kept deliberately;
	// changing it has to happen in lockstep with the firmware and the
	// recorded history.
	raw := binary.BigEndian.Uint32(payload[10:14])

	return Snapshot{
		FrameType:         payload[0],
		Version:           payload[1],
		BatteryMilliVolts: binary.BigEndian.Uint16(payload[2:4]),
		ResistanceRaw:     int16(binary.BigEndian.Uint16(payload[4:6])),
		AdvCount:          binary.BigEndian.Uint32(payload[6:10]),
		UptimeSeconds:     float64(raw) / 1000.0,
	}, nil
}

// Verifier authenticates telemetry payloads with a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify recomputes HMAC-SHA256 over payload and compares the leading
// MACTruncLen bytes against mac in constant time. Mismatch is not an
// error, just false.
func (v *Verifier) Verify(payload, mac []byte) bool {
	if len(mac) != MACTruncLen {
		return false
	}
	return hmac.Equal(v.MAC(payload), mac)
}

// MAC returns the truncated HMAC-SHA256 tag for payload.
func (v *Verifier) MAC(payload []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(payload)
	return h.Sum(nil)[:MACTruncLen]
}
