package subscriber

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/sampler"
	"github.com/nandanugg/enroute/module/tracking/service"
)

const (
	locationTopic = "/jobs/+/location"
	statusTopic   = "/jobs/+/status"
)

var statusErrors = map[string]error{
	"permission_denied": sampler.ErrPermissionDenied,
	"timeout":           sampler.ErrPositionTimeout,
}

type locationService interface {
	IngestSample(sample domain.Sample) error
	ReportSensorError(jobID string, err error) error
}

type locationMessage struct {
	Latitude    *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude   *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	AccuracyM   float64  `json:"accuracy_m" validate:"gte=0"`
	HeadingDeg  *float64 `json:"heading_deg,omitempty" validate:"omitempty,gte=0,lt=360"`
	SpeedMps    *float64 `json:"speed_mps,omitempty" validate:"omitempty,gte=0"`
	TimestampMs int64    `json:"timestamp_ms" validate:"required,gt=0"`
}

type statusMessage struct {
	Status string `json:"status" validate:"required"`
}

// LocationSubscriber feeds device samples and positioning status published
// over MQTT into the tracking pipeline.
type LocationSubscriber struct {
	client      mqtt.Client
	locationSvc locationService
	validate    *validator.Validate
	log         logrus.FieldLogger
}

func NewLocationSubscriber(client mqtt.Client, locationSvc locationService, log logrus.FieldLogger) *LocationSubscriber {
	return &LocationSubscriber{
		client:      client,
		locationSvc: locationSvc,
		validate:    validator.New(),
		log:         log,
	}
}

func (s *LocationSubscriber) Start() error {
	for topic, handler := range map[string]mqtt.MessageHandler{
		locationTopic: s.handleLocation,
		statusTopic:   s.handleStatus,
	} {
		token := s.client.Subscribe(topic, 1, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (s *LocationSubscriber) Stop() {
	token := s.client.Unsubscribe(locationTopic, statusTopic)
	token.WaitTimeout(time.Second)
}

func (s *LocationSubscriber) handleLocation(_ mqtt.Client, msg mqtt.Message) {
	log := s.log.WithField("topic", msg.Topic())

	jobID, err := jobIDFromTopic(msg.Topic())
	if err != nil {
		log.WithError(err).Warn("unexpected topic")
		return
	}

	var raw locationMessage
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		log.WithError(err).Warn("invalid location message")
		return
	}
	if err := s.validate.Struct(&raw); err != nil {
		log.WithError(err).Warn("location message failed validation")
		return
	}

	sample := domain.Sample{
		JobID:      jobID,
		Coordinate: domain.Coordinate{Lat: *raw.Latitude, Lon: *raw.Longitude},
		AccuracyM:  raw.AccuracyM,
		HeadingDeg: raw.HeadingDeg,
		SpeedMps:   raw.SpeedMps,
		CapturedAt: time.UnixMilli(raw.TimestampMs),
	}

	if err := s.locationSvc.IngestSample(sample); err != nil {
		if errors.Is(err, service.ErrNoListener) {
			log.WithField("job_id", jobID).Debug("sample for untracked job")
			return
		}
		log.WithError(err).Error("ingest sample failed")
	}
}

func (s *LocationSubscriber) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	log := s.log.WithField("topic", msg.Topic())

	jobID, err := jobIDFromTopic(msg.Topic())
	if err != nil {
		log.WithError(err).Warn("unexpected topic")
		return
	}

	var raw statusMessage
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		log.WithError(err).Warn("invalid status message")
		return
	}
	if err := s.validate.Struct(&raw); err != nil {
		log.WithError(err).Warn("status message failed validation")
		return
	}

	sensorErr, ok := statusErrors[raw.Status]
	if !ok {
		log.WithField("status", raw.Status).Debug("ignoring device status")
		return
	}
	if err := s.locationSvc.ReportSensorError(jobID, sensorErr); err != nil && !errors.Is(err, service.ErrNoListener) {
		log.WithError(err).Error("report sensor error failed")
	}
}

// jobIDFromTopic extracts the job from /jobs/{job_id}/{kind}.
func jobIDFromTopic(topic string) (string, error) {
	parts := strings.Split(strings.TrimPrefix(topic, "/"), "/")
	if len(parts) != 3 || parts[0] != "jobs" || parts[1] == "" {
		return "", fmt.Errorf("topic %q: want /jobs/{job_id}/{kind}", topic)
	}
	return parts[1], nil
}
