package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nandanugg/enroute/config"
	"github.com/nandanugg/enroute/module/tracking"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	log, err := config.NewLogger(cfg)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := config.NewHealthChecker()

	var db *sql.DB
	if cfg.StoreDriver != "memory" {
		var err error
		db, err = config.NewPostgres(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		health.Add("postgres", config.PostgresProbe(db))
	}

	amqpConn, err := config.NewRabbitMQ(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = amqpConn.Close() }()
	health.Add("rabbitmq", config.RabbitMQProbe(amqpConn))

	mqttClient, err := config.NewMQTT(cfg, log)
	if err != nil {
		return err
	}
	defer mqttClient.Disconnect(250)
	health.Add("mqtt", config.MQTTProbe(mqttClient))

	trackingModule, err := tracking.Build(cfg, tracking.Infra{
		DB:         db,
		AMQP:       amqpConn,
		MQTT:       mqttClient,
		HTTPClient: &http.Client{},
		Log:        log,
	})
	if err != nil {
		return err
	}

	if err := trackingModule.StartSubscribers(ctx); err != nil {
		return err
	}

	requestLog, accessLog := config.NewRequestLogger(log, "/healthz")
	defer func() { _ = accessLog.Close() }()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLog)
	r.Use(gin.Recovery())

	health.Register(r)
	trackingModule.RegisterRoutes(&r.RouterGroup)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Sessions first so their final writes land before connections close.
		if err := trackingModule.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracking shutdown")
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
