// Package mqttingest feeds telemetry frames from an MQTT broker into the
// same extractor pipeline as live BLE scanning. Remote chargers publish
// their raw signed service data to chargers/<id>/frames.
package mqttingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"tlmwatch/internal/frame"
	"tlmwatch/internal/scan"
)

const (
	frameTopicFilter = "chargers/+/frames"
	connectTimeout   = 10 * time.Second
)

// Bridge subscribes to the frame topic and hands each payload to the
// extractor as if it had arrived over the air.
type Bridge struct {
	broker    string
	extractor *scan.Extractor
	logger    *slog.Logger
	client    mqtt.Client
}

// New builds a bridge for the given broker address, e.g. tcp://host:1883.
func New(broker string, extractor *scan.Extractor, logger *slog.Logger) *Bridge {
	return &Bridge{broker: broker, extractor: extractor, logger: logger}
}

// Start connects and subscribes. Received frames are processed on paho's
// callback goroutine; the returned error channel reports connection loss.
func (b *Bridge) Start(ctx context.Context) (<-chan error, error) {
	errCh := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(b.broker).
		SetClientID(fmt.Sprintf("tlmwatch-%d", time.Now().UnixNano())).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case errCh <- fmt.Errorf("mqtt connection lost: %w", err):
			default:
			}
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", b.broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", b.broker, err)
	}
	b.client = client

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		b.handleFrame(ctx, msg.Topic(), msg.Payload())
	}

	token = client.Subscribe(frameTopicFilter, 0, handler)
	token.Wait()
	if err := token.Error(); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s: %w", frameTopicFilter, err)
	}

	b.logger.Info("mqtt ingest started", "broker", b.broker, "topic", frameTopicFilter)
	return errCh, nil
}

// Stop unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.client == nil {
		return
	}
	if token := b.client.Unsubscribe(frameTopicFilter); token.Wait() && token.Error() != nil {
		b.logger.Warn("mqtt unsubscribe failed", "error", token.Error())
	}
	b.client.Disconnect(250)
	b.logger.Info("mqtt ingest stopped")
}

func (b *Bridge) handleFrame(ctx context.Context, topic string, payload []byte) {
	externalID := externalIDFromTopic(topic)
	if externalID == "" {
		b.logger.Warn("frame on malformed topic", "topic", topic)
		return
	}

	// The payload is the charger's raw service-data value; wrap it so the
	// extractor applies the same authentication and dedup as a live scan.
	b.extractor.ParseServiceData(ctx, externalID, map[string][]byte{
		frame.ServiceUUID: payload,
	})
}

func externalIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "chargers" || parts[2] != "frames" {
		return ""
	}
	return parts[1]
}
