package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/kairos-labs/slotkeeper/libs/config"
	"github.com/kairos-labs/slotkeeper/libs/grpcx"
	"github.com/kairos-labs/slotkeeper/libs/httpx"
	"github.com/kairos-labs/slotkeeper/libs/kafkax"
	otelx "github.com/kairos-labs/slotkeeper/libs/otel"
	"github.com/kairos-labs/slotkeeper/libs/runtime"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/booking"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/consumer"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/generation"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/handlers"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/icsimport"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/outbox"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/recurrence"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/regen"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/settings"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8087")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9087")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	cfg, err := settings.Load(config.String("SETTINGS_FILE", ""))
	if err != nil {
		logger.Error("invalid settings", "err", err)
		panic(err)
	}

	ctx, stop := runtime.SignalContext(context.Background())
	defer stop()

	otelCfg, err := otelx.ConfigFromEnv(service)
	if err != nil {
		panic(err)
	}
	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	zones, err := tz.NewResolver(cfg.DefaultZone, cfg.ZoneCacheSize)
	if err != nil {
		panic(err)
	}

	backend, err := openBackend(ctx, logger)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		panic(err)
	}
	defer backend.Close()
	store := backend.store

	brokers := config.String("KAFKA_BROKERS", "")
	checks := backend.checks
	if brokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}

	coord := booking.NewCoordinator(store, logger)
	gen := generation.NewService(store, recurrence.NewExpander(zones, cfg.MaxRange()), zones, logger)
	importer := icsimport.NewImporter(zones, logger)

	publisher := outbox.NewPublisher(store, outbox.NewKafkaWriter(brokers), logger, outbox.PublisherConfig{
		PollEvery: cfg.OutboxPollEvery,
		BatchSize: cfg.OutboxBatchSize,
	})
	go publisher.Run(ctx)

	if topic := config.String("KAFKA_BUSY_TOPIC", consumer.BusyImportedTopic); brokers != "" && topic != "" {
		reader := consumer.NewKafkaReader(consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   topic,
		})
		horizon := time.Duration(cfg.HorizonDays) * 24 * time.Hour
		handler := consumer.BusyImportHandler(store, importer, horizon, func() time.Time { return time.Now().UTC() })
		go consumer.New(reader, backend.inbox, handler, logger).Run(ctx)
	}

	if cfg.RegenSchedule != "" {
		worker := regen.NewWorker(store, gen, logger, regen.Config{
			Schedule:    cfg.RegenSchedule,
			HorizonDays: cfg.HorizonDays,
		})
		go func() {
			if err := worker.Run(ctx); err != nil {
				logger.Error("regeneration worker stopped", "err", err)
			}
		}()
	}

	limiter, limiterCheck := newBookingLimiter(cfg, logger)
	if limiterCheck != nil {
		checks = append(checks, *limiterCheck)
	}
	failOpen, err := config.Bool("RATE_LIMIT_FAIL_OPEN", true)
	if err != nil {
		panic(err)
	}
	bookingGuard := httpx.RateLimit(limiter, httpx.HeaderOrIP("X-Requester-ID"), logger, failOpen)

	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.New(handlers.Deps{
		Store:       store,
		Coordinator: coord,
		Generator:   gen,
		Importer:    importer,
		Zones:       zones,
		Logger:      logger,
		HorizonDays: cfg.HorizonDays,
	}).Register(mux, bookingGuard)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(4<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	grpcDone := make(chan struct{})
	go func() {
		defer close(grpcDone)
		serveGRPC(ctx, ":"+grpcPort, logger)
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	<-grpcDone
	logger.Info("scheduling service stopped")
}

func serveGRPC(ctx context.Context, addr string, logger *slog.Logger) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("grpc listen failed", "addr", addr, "err", err)
		return
	}
	srv, hs := grpcx.NewServer(logger)
	hs.SetServingStatus("scheduling", healthpb.HealthCheckResponse_SERVING)
	logger.Info("grpc server starting", "addr", addr)
	if err := grpcx.Serve(ctx, srv, hs, lis); err != nil {
		logger.Error("grpc server error", "err", err)
	}
}
