package scan

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tlmwatch/internal/frame"
)

type captureSink struct {
	calls []sinkCall
	err   error
}

type sinkCall struct {
	snap       frame.Snapshot
	externalID string
}

func (c *captureSink) HandleTelemetry(_ context.Context, snap frame.Snapshot, externalID string) error {
	if c.err != nil {
		return c.err
	}
	c.calls = append(c.calls, sinkCall{snap: snap, externalID: externalID})
	return nil
}

const testPayloadHex = "20010e7400320000000700002710"

func newTestExtractor(t *testing.T) (*Extractor, *captureSink, *frame.Verifier) {
	t.Helper()
	v := frame.NewVerifier("secretKey")
	sink := &captureSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExtractor(v, sink, "ESP32 TLM Beacon", logger), sink, v
}

func signedFrame(t *testing.T, v *frame.Verifier, legacyPrefix bool) []byte {
	t.Helper()
	payload, err := hex.DecodeString(testPayloadHex)
	require.NoError(t, err)

	raw := payload
	if legacyPrefix {
		raw = append(append([]byte(nil), frame.ServiceIDPrefix...), payload...)
	}
	return append(append([]byte(nil), raw...), v.MAC(raw)...)
}

func serviceData(value []byte) map[string][]byte {
	return map[string][]byte{frame.ServiceUUID: value}
}

func TestParseForwardsValidFrame(t *testing.T) {
	ex, sink, v := newTestExtractor(t)

	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(signedFrame(t, v, false)))

	require.Len(t, sink.calls, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", sink.calls[0].externalID)
	assert.Equal(t, uint16(3700), sink.calls[0].snap.BatteryMilliVolts)
	assert.Equal(t, uint32(7), sink.calls[0].snap.AdvCount)
}

func TestParseDeduplicatesIdenticalFrames(t *testing.T) {
	ex, sink, v := newTestExtractor(t)
	value := signedFrame(t, v, false)

	for i := 0; i < 5; i++ {
		ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(value))
	}
	assert.Len(t, sink.calls, 1)

	// A changed payload is forwarded again.
	payload, _ := hex.DecodeString("20010e75003200000008000030d4")
	changed := append(append([]byte(nil), payload...), v.MAC(payload)...)
	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(changed))
	assert.Len(t, sink.calls, 2)
}

func TestParseDeduplicatesPerAddress(t *testing.T) {
	ex, sink, v := newTestExtractor(t)
	value := signedFrame(t, v, false)

	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:01", serviceData(value))
	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:02", serviceData(value))
	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:01", serviceData(value))

	assert.Len(t, sink.calls, 2)
}

func TestParseRejectsInvalidMAC(t *testing.T) {
	ex, sink, v := newTestExtractor(t)
	value := signedFrame(t, v, false)
	value[len(value)-1] ^= 0xFF

	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(value))
	assert.Empty(t, sink.calls)
}

func TestParseLegacyPrefixDecodesIdentically(t *testing.T) {
	ex, sink, v := newTestExtractor(t)

	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:01", serviceData(signedFrame(t, v, false)))
	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:02", serviceData(signedFrame(t, v, true)))

	require.Len(t, sink.calls, 2)
	assert.Equal(t, sink.calls[0].snap, sink.calls[1].snap)
}

func TestParseLegacyLengthWithWrongPrefixIsSkipped(t *testing.T) {
	ex, sink, v := newTestExtractor(t)

	payload, err := hex.DecodeString(testPayloadHex)
	require.NoError(t, err)
	raw := append([]byte{0xDE, 0xAD}, payload...)
	value := append(append([]byte(nil), raw...), v.MAC(raw)...)

	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(value))
	assert.Empty(t, sink.calls)
}

func TestParseSkipsWrongLengths(t *testing.T) {
	ex, sink, _ := newTestExtractor(t)

	for _, n := range []int{0, 4, 17, 19, 21, 40} {
		ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(make([]byte, n)))
	}
	assert.Empty(t, sink.calls)
}

func TestParseIgnoresOtherServices(t *testing.T) {
	ex, sink, v := newTestExtractor(t)

	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", map[string][]byte{
		"0000180f-0000-1000-8000-00805f9b34fb": signedFrame(t, v, false),
	})
	assert.Empty(t, sink.calls)
}

func TestHandleAdvertisementFiltersByName(t *testing.T) {
	ex, sink, v := newTestExtractor(t)
	value := signedFrame(t, v, false)

	err := ex.HandleAdvertisement(context.Background(), Advertisement{
		Address:     "AA:BB:CC:DD:EE:FF",
		LocalName:   "Some Other Device",
		ServiceData: serviceData(value),
	})
	require.NoError(t, err)
	assert.Empty(t, sink.calls)

	err = ex.HandleAdvertisement(context.Background(), Advertisement{
		Address:     "AA:BB:CC:DD:EE:FF",
		LocalName:   "ESP32 TLM Beacon",
		ServiceData: serviceData(value),
	})
	require.NoError(t, err)
	assert.Len(t, sink.calls, 1)
}

func TestHandleAdvertisementPropagatesCancellation(t *testing.T) {
	ex, sink, v := newTestExtractor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ex.HandleAdvertisement(ctx, Advertisement{
		Address:     "AA:BB:CC:DD:EE:FF",
		LocalName:   "ESP32 TLM Beacon",
		ServiceData: serviceData(signedFrame(t, v, false)),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.calls)
}

// gatedSink parks inside HandleTelemetry until released, so a test can
// hold one delivery mid-flight while issuing another.
type gatedSink struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (g *gatedSink) HandleTelemetry(context.Context, frame.Snapshot, string) error {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.entered <- struct{}{}
	<-g.release
	return nil
}

func (g *gatedSink) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestConcurrentIdenticalFramesForwardOnce(t *testing.T) {
	v := frame.NewVerifier("secretKey")
	sink := &gatedSink{entered: make(chan struct{}, 2), release: make(chan struct{})}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ex := NewExtractor(v, sink, "ESP32 TLM Beacon", logger)
	value := signedFrame(t, v, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(value))
	}()

	// First delivery is parked inside the sink; the duplicate arriving on
	// another goroutine must be dropped without a second sink call.
	<-sink.entered
	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(value))

	close(sink.release)
	<-done
	assert.Equal(t, 1, sink.count())
}

func TestSinkErrorRestoresPreviousDedupEntry(t *testing.T) {
	ex, sink, v := newTestExtractor(t)
	first := signedFrame(t, v, false)

	payload, err := hex.DecodeString("20010e75003200000008000030d4")
	require.NoError(t, err)
	second := append(append([]byte(nil), payload...), v.MAC(payload)...)

	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(first))
	require.Len(t, sink.calls, 1)

	sink.err = assert.AnError
	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(second))
	sink.err = nil

	// The failed frame rolled back to the previously forwarded one, so its
	// retransmission is still a duplicate while the failed one retries.
	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(first))
	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(second))

	require.Len(t, sink.calls, 2)
	assert.Equal(t, uint32(8), sink.calls[1].snap.AdvCount)
}

func TestSinkErrorDoesNotPoisonDedup(t *testing.T) {
	ex, sink, v := newTestExtractor(t)
	value := signedFrame(t, v, false)

	sink.err = assert.AnError
	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(value))
	assert.Empty(t, sink.calls)

	// Once the sink recovers, the retransmitted frame still gets through.
	sink.err = nil
	ex.ParseServiceData(context.Background(), "AA:BB:CC:DD:EE:FF", serviceData(value))
	assert.Len(t, sink.calls, 1)
}
