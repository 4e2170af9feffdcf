package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type locationMessage struct {
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	AccuracyM   float64  `json:"accuracy_m"`
	HeadingDeg  *float64 `json:"heading_deg,omitempty"`
	SpeedMps    *float64 `json:"speed_mps,omitempty"`
	TimestampMs int64    `json:"timestamp_ms"`
}

// mock device: drives a contractor in a straight line from start to
// destination, publishing one fix per tick with a little GPS jitter.
func main() {
	var (
		jobID    = flag.String("job", "", "job id (random if empty)")
		fromLat  = flag.Float64("from-lat", 48.8666, "start latitude")
		fromLon  = flag.Float64("from-lon", 2.3550, "start longitude")
		toLat    = flag.Float64("to-lat", 48.8584, "destination latitude")
		toLon    = flag.Float64("to-lon", 2.2945, "destination longitude")
		steps    = flag.Int("steps", 60, "number of fixes until the destination")
		interval = flag.Duration("interval", 2*time.Second, "time between fixes")
		speed    = flag.Float64("speed", 8.3, "reported speed in m/s")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *steps <= 0 || *interval <= 0 {
		fmt.Fprintln(os.Stderr, "error: steps and interval must be positive")
		os.Exit(1)
	}
	if *jobID == "" {
		*jobID = uuid.NewString()
	}

	broker := "tcp://localhost:1883"
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		broker = v
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("enroute-mock-device-" + uuid.NewString())

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("mqtt connect: %v", token.Error())
	}
	defer client.Disconnect(250)

	topic := fmt.Sprintf("/jobs/%s/location", *jobID)
	heading := bearing(*fromLat, *fromLon, *toLat, *toLon)
	log.WithFields(logrus.Fields{"broker": broker, "topic": topic}).Info("publishing")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for i := 0; i <= *steps; i++ {
		f := float64(i) / float64(*steps)
		msg := locationMessage{
			Latitude:    *fromLat + (*toLat-*fromLat)*f + jitter(),
			Longitude:   *fromLon + (*toLon-*fromLon)*f + jitter(),
			AccuracyM:   5 + rand.Float64()*10,
			HeadingDeg:  &heading,
			SpeedMps:    speed,
			TimestampMs: time.Now().UnixMilli(),
		}

		payload, _ := json.Marshal(msg)
		token := client.Publish(topic, 1, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			log.WithError(err).Warn("publish failed")
		} else {
			log.Debugf("published %s", payload)
		}

		if i < *steps {
			<-ticker.C
		}
	}
	log.Info("destination reached")
}

// roughly two metres of noise
func jitter() float64 {
	return (rand.Float64() - 0.5) * 0.00004
}

func bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := lat1*math.Pi/180, lat2*math.Pi/180
	dLon := (lon2 - lon1) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLon)
	return math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
}
