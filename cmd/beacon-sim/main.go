// beacon-sim publishes signed telemetry frames to an MQTT broker so the
// monitor's ingest path can be exercised without charger hardware.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"tlmwatch/internal/frame"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	externalID := flag.String("external-id", "aa:bb:cc:dd:ee:01", "Charger identifier used as the topic segment")
	secret := flag.String("secret", "secretKey", "Shared key used to sign frames")
	voltageMV := flag.Int("voltage-mv", 3700, "Baseline battery voltage in millivolts")
	voltageJitter := flag.Int("voltage-jitter", 15, "Maximum random jitter applied to the voltage")
	resistance := flag.Int("resistance", 120, "Internal resistance reading")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published frames")
	legacyPrefix := flag.Bool("legacy-prefix", false, "Duplicate the service id inside the signed window")
	corruptMAC := flag.Bool("corrupt-mac", false, "Flip a bit in the MAC to exercise rejection")

	flag.Parse()

	signer := frame.NewVerifier(*secret)
	start := time.Now()
	advCount := uint32(0)

	clientID := fmt.Sprintf("beacon-sim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		advCount++

		payload := make([]byte, frame.PayloadLen)
		payload[0] = frame.FrameTypeTLM
		payload[1] = 1
		binary.BigEndian.PutUint16(payload[2:], uint16(randomJitter(*voltageMV, *voltageJitter)))
		binary.BigEndian.PutUint16(payload[4:], uint16(int16(*resistance)))
		binary.BigEndian.PutUint32(payload[6:], advCount)
		binary.BigEndian.PutUint32(payload[10:], uint32(time.Since(start).Milliseconds()))

		signed := payload
		if *legacyPrefix {
			signed = append(append([]byte{}, frame.ServiceIDPrefix...), payload...)
		}

		mac := signer.MAC(signed)
		if *corruptMAC {
			mac[0] ^= 0x01
		}
		data := append(signed, mac...)

		topic := fmt.Sprintf("chargers/%s/frames", *externalID)
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s adv=%d len=%d", topic, advCount, len(data))
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func randomJitter(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.Intn(jitter*2+1) - jitter
	return base + delta
}
