package frame

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDecodeKnownVector(t *testing.T) {
	payload := mustHex(t, "20010e7400320000000700002710")
	require.Len(t, payload, PayloadLen)

	snap, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, uint8(0x20), snap.FrameType)
	assert.Equal(t, uint8(1), snap.Version)
	assert.Equal(t, uint16(3700), snap.BatteryMilliVolts)
	assert.Equal(t, int16(50), snap.ResistanceRaw)
	assert.Equal(t, uint32(7), snap.AdvCount)
	assert.InDelta(t, 10.0, snap.UptimeSeconds, 1e-9)
}

func TestDecodeNegativeResistance(t *testing.T) {
	payload := mustHex(t, "2001" + "0e74" + "ffce" + "00000007" + "00002710")
	snap, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, int16(-50), snap.ResistanceRaw)
}

func TestDecodeRejectsWrongLengths(t *testing.T) {
	for _, n := range []int{0, 1, 13, 15, 18, 20} {
		snap, err := Decode(make([]byte, n))
		require.Error(t, err, "length %d", n)
		assert.Equal(t, Snapshot{}, snap)

		var lenErr *LengthError
		require.ErrorAs(t, err, &lenErr)
		assert.Equal(t, PayloadLen, lenErr.Expected)
		assert.Equal(t, n, lenErr.Actual)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("secretKey")
	payload := mustHex(t, "20010e7400320000000700002710")

	mac := v.MAC(payload)
	require.Len(t, mac, MACTruncLen)
	assert.True(t, v.Verify(payload, mac))
}

func TestVerifyRejectsTampering(t *testing.T) {
	v := NewVerifier("secretKey")
	payload := mustHex(t, "20010e7400320000000700002710")
	mac := v.MAC(payload)

	for i := range payload {
		flipped := append([]byte(nil), payload...)
		flipped[i] ^= 0x01
		assert.False(t, v.Verify(flipped, mac), "payload bit flip at byte %d", i)
	}

	for i := range mac {
		flipped := append([]byte(nil), mac...)
		flipped[i] ^= 0x80
		assert.False(t, v.Verify(payload, flipped), "mac bit flip at byte %d", i)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	payload := mustHex(t, "20010e7400320000000700002710")
	mac := NewVerifier("secretKey").MAC(payload)
	assert.False(t, NewVerifier("otherKey").Verify(payload, mac))
}

func TestVerifyRejectsShortMAC(t *testing.T) {
	v := NewVerifier("secretKey")
	payload := mustHex(t, "20010e7400320000000700002710")
	mac := v.MAC(payload)
	assert.False(t, v.Verify(payload, mac[:3]))
}
