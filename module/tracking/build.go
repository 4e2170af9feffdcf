package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/nandanugg/enroute/config"
	"github.com/nandanugg/enroute/module/tracking/internal/handler/consumer"
	handler "github.com/nandanugg/enroute/module/tracking/internal/handler/http"
	"github.com/nandanugg/enroute/module/tracking/internal/handler/subscriber"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/database"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/database/memory"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/database/postgres"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/publisher/rabbitmq"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/route/osrm"
	"github.com/nandanugg/enroute/module/tracking/sampler"
	"github.com/nandanugg/enroute/module/tracking/service"
)

// Infra is the set of connections the module is built on. DB may be nil
// when the memory store is configured.
type Infra struct {
	DB         *sql.DB
	AMQP       *amqp.Connection
	MQTT       mqtt.Client
	HTTPClient *http.Client
	Log        logrus.FieldLogger
}

type Module struct {
	Tracker     *service.Tracker
	LocationSvc *service.LocationService
	Broadcaster *service.Broadcaster

	jobHandler    *handler.JobHandler
	viewerHandler *handler.ViewerHandler
	subscriber    *subscriber.LocationSubscriber
	consumer      *consumer.JobConsumer
	arrivals      *rabbitmq.ArrivalPublisher
	log           logrus.FieldLogger
}

func Build(cfg *config.Config, infra Infra) (*Module, error) {
	log := infra.Log.WithField("module", "tracking")
	tc := cfg.Tracking

	store, err := newStore(cfg, infra.DB)
	if err != nil {
		return nil, err
	}

	arrivals, err := rabbitmq.NewArrivalPublisher(infra.AMQP)
	if err != nil {
		return nil, fmt.Errorf("arrival publisher: %w", err)
	}

	feed := sampler.NewFeed(log)
	geoSampler := sampler.New(feed, sampler.Config{
		MaximumAge: tc.SampleMaxAge,
		Timeout:    tc.SampleTimeout,
	}, log)
	routes := osrm.NewProvider(cfg.OSRMURL, tc.RouteTimeout, infra.HTTPClient, log)
	broadcaster := service.NewBroadcaster(tc.BroadcastBuffer, log)

	tracker := service.NewTracker(service.SessionConfig{
		ArrivalThresholdM:     tc.ArrivalThresholdM,
		MinRouteDisplacementM: tc.RouteMinDisplacementM,
		MinRouteInterval:      tc.RouteMinInterval,
		StoreRetryAttempts:    tc.StoreRetryAttempts,
		StoreRetryBackoff:     tc.StoreRetryBackoff,
		SensorRetryMin:        tc.SensorRetryMin,
		SensorRetryMax:        tc.SensorRetryMax,
		ArrivalRetryAttempts:  service.DefaultSessionConfig().ArrivalRetryAttempts,
	}, service.Deps{
		Sampler:  geoSampler,
		Routes:   routes,
		Store:    store,
		Events:   broadcaster,
		Arrivals: arrivals,
		Log:      log,
	})
	locationSvc := service.NewLocationService(store, feed)

	viewerCfg := service.ViewerConfig{
		StaleAfter:   tc.ViewerStaleAfter,
		ReconnectMin: tc.ViewerReconnectMin,
		ReconnectMax: tc.ViewerReconnectMax,
	}
	viewerDeps := service.ViewerDeps{
		Events: broadcaster,
		Store:  store,
		States: tracker,
		Log:    log,
	}
	newViewer := func(jobID string) handler.ViewerRunner {
		return service.NewViewerSession(jobID, viewerCfg, viewerDeps)
	}

	jobConsumer, err := consumer.NewJobConsumer(infra.AMQP, tracker, log)
	if err != nil {
		return nil, fmt.Errorf("job consumer: %w", err)
	}

	return &Module{
		Tracker:       tracker,
		LocationSvc:   locationSvc,
		Broadcaster:   broadcaster,
		jobHandler:    handler.NewJobHandler(locationSvc, tracker, broadcaster),
		viewerHandler: handler.NewViewerHandler(newViewer, cfg.ViewerJWTSecret, log),
		subscriber:    subscriber.NewLocationSubscriber(infra.MQTT, locationSvc, log),
		consumer:      jobConsumer,
		arrivals:      arrivals,
		log:           log,
	}, nil
}

func newStore(cfg *config.Config, db *sql.DB) (database.LocationRepository, error) {
	if cfg.StoreDriver == "memory" {
		return memory.NewLocationRepo(), nil
	}
	if db == nil {
		return nil, fmt.Errorf("store driver %q needs a database connection", cfg.StoreDriver)
	}
	if err := postgres.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return postgres.NewLocationRepo(db), nil
}

func (m *Module) RegisterRoutes(r *gin.RouterGroup) {
	m.jobHandler.Register(r)
	m.viewerHandler.Register(r)
}

func (m *Module) StartSubscribers(ctx context.Context) error {
	if err := m.subscriber.Start(); err != nil {
		return fmt.Errorf("mqtt subscriber: %w", err)
	}
	if err := m.consumer.Start(ctx); err != nil {
		return fmt.Errorf("job consumer: %w", err)
	}
	return nil
}

// Shutdown stops ingest first so no new samples arrive, then drains the
// tracking sessions and closes the AMQP channels.
func (m *Module) Shutdown(ctx context.Context) error {
	m.subscriber.Stop()
	if err := m.consumer.Close(); err != nil {
		m.log.WithError(err).Warn("close job consumer")
	}

	err := m.Tracker.Shutdown(ctx)

	if cerr := m.arrivals.Close(); cerr != nil {
		m.log.WithError(cerr).Warn("close arrival publisher")
	}
	return err
}
