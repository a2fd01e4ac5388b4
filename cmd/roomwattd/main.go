package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"roomwatt-backend/config"
	"roomwatt-backend/internal/actuator"
	"roomwatt-backend/internal/aggregator"
	"roomwatt-backend/internal/api"
	"roomwatt-backend/internal/control"
	"roomwatt-backend/internal/db"
	"roomwatt-backend/internal/events"
	"roomwatt-backend/internal/export"
	"roomwatt-backend/internal/insight"
	"roomwatt-backend/internal/ledger"
	"roomwatt-backend/internal/logging"
	"roomwatt-backend/internal/metrics"
	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/mqttio"
	"roomwatt-backend/internal/notification"
	"roomwatt-backend/internal/occupancy"
	"roomwatt-backend/internal/persist"
	"roomwatt-backend/internal/policy"
	"roomwatt-backend/internal/store"
)

const mqttTimeout = 5 * time.Second

func main() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger.Info("Configuration loaded", zap.String("path", configPath))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	start := time.Now().UTC()

	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	appStore := store.NewGormStore(gormDB)
	logger.Info("Database initialized", zap.String("driver", cfg.Database.Driver))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	writer := persist.NewWriter(cfg.Persist.Workers, cfg.Persist.MaxRetries, cfg.Persist.BaseBackoff, logger, m)
	// the writer outlives ctx so that it can drain after the rooms stop
	writer.Start(context.WithoutCancel(ctx))
	recorder := store.NewAsyncRecorder(appStore, writer)

	l := ledger.New(recorder)
	opens, err := appStore.ListOpenIntervals(ctx)
	if err != nil {
		return fmt.Errorf("load open intervals: %w", err)
	}
	if err := l.Restore(opens); err != nil {
		logger.Warn("Some open intervals could not be restored", zap.Error(err))
	}
	logger.Info("Ledger restored", zap.Int("open_intervals", len(opens)))

	// Actuation goes over MQTT when a broker is configured, otherwise it is
	// only logged.
	var act policy.Actuator = actuator.NewLog(logger)
	var mqttClient *mqttio.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqttio.NewClient(cfg.MQTT, mqttio.OptsFromConfig(cfg.MQTT),
			func(mqtt.Client) { logger.Info("Connected to MQTT broker", zap.String("host", cfg.MQTT.Host)) },
			func(_ mqtt.Client, err error) { logger.Warn("MQTT connection lost", zap.Error(err)) })
		if err := mqttClient.Connect(mqttTimeout); err != nil {
			return fmt.Errorf("connect to mqtt broker: %w", err)
		}
		if err := mqttClient.Publish(mqttClient.BridgeStateTopic(), mqttio.PayloadOnline, 0, true, mqttTimeout); err != nil {
			logger.Warn("Failed to publish bridge state", zap.Error(err))
		}
		act = mqttio.NewActuator(mqttClient, mqttTimeout, logger)
	}

	pol := policy.New(l, act, logger)

	var sim *occupancy.Simulator
	if cfg.Simulator.Enabled {
		sim = occupancy.NewSimulator(cfg.Simulator.Probability, cfg.Simulator.Seed)
	}

	var influx *export.Influx
	if cfg.Influx.URL != "" {
		influx = export.NewInflux(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket, logger)
		defer influx.Close()
	}
	var influxSink func([]model.HourlyBucket)
	if influx != nil {
		influxSink = influx.Sink(writer)
	}

	var ctrl *control.Controller
	agg := aggregator.New(l, func() []int64 { return ctrl.RoomIDs() }, func(buckets []model.HourlyBucket) {
		recorder.BucketsRolled(buckets)
		m.Buckets(buckets)
		if influxSink != nil {
			influxSink(buckets)
		}
	}, cfg.Ledger.Retain, logger, start)

	ctrl = control.New(clockwork.NewRealClock(), pol, l, sim, agg, recorder, logger, control.Options{
		TickInterval: cfg.Control.TickInterval,
		Timeout:      cfg.Occupancy.Timeout,
		StaleAfter:   cfg.Presence.StaleAfter,
		InboxSize:    cfg.Control.InboxSize,
		Simulate:     cfg.Simulator.Enabled,
	})

	webpushOptions := &webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}
	var notifier *notification.WorkerPool
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		notifier = notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions, logger)
		notifier.Start(ctx)
	} else {
		logger.Warn("VAPID keys not configured, push notifications disabled")
		webpushOptions = nil
	}

	var publisher *events.Publisher
	if len(cfg.Events.Kafka.Brokers) > 0 {
		publisher = events.NewPublisher(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, logger)
	}

	ctrl.OnTransition(m.Transition)
	ctrl.OnReport(m.Report)
	if publisher != nil {
		ctrl.OnTransition(publisher.Transition)
		ctrl.OnReport(publisher.Report)
	}
	if notifier != nil {
		ctrl.OnReport(notifier.Notify)
	}

	rooms, err := appStore.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	for _, room := range rooms {
		devices, err := appStore.ListDevices(ctx, room.ID)
		if err != nil {
			return fmt.Errorf("load devices of room %d: %w", room.ID, err)
		}
		if err := ctrl.AddRoom(room, devices); err != nil {
			return fmt.Errorf("start room %d: %w", room.ID, err)
		}
	}

	if mqttClient != nil {
		if err := mqttClient.SubscribePresence(ctrl, logger, mqttTimeout); err != nil {
			return fmt.Errorf("subscribe to presence: %w", err)
		}
	}

	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		ctrl.Run(ctx)
	}()

	handler := api.NewHandler(api.Deps{
		Store:   appStore,
		Control: ctrl,
		Ledger:  l,
		Insight: insight.NewClient(cfg.Insight.URL, cfg.Insight.APIKey, cfg.Insight.Timeout, logger),
		WebPush: webpushOptions,
		Since:   start,
		Retain:  cfg.Ledger.Retain,
		Pending: writer.Pending,
		Logger:  logger,
	})
	router := api.NewRouter(ctx, handler, cfg.Server, m)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.WithCORS(router, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutdown signal received, stopping services", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}

	// Stop the rooms first so that nothing enqueues behind the final flush.
	cancel()
	<-ctrlDone

	if err := writer.Flush(shutdownCtx); err != nil {
		logger.Warn("Persistence queue not drained", zap.Int64("pending", writer.Pending()), zap.Error(err))
	}
	writer.Stop()
	writer.Wait()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close event publisher", zap.Error(err))
		}
	}
	if mqttClient != nil {
		mqttClient.Disconnect(mqttTimeout)
	}

	logger.Info("Server gracefully stopped")
	return nil
}
