package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/opc/internal/health"
	"github.com/vladislavdragonenkov/opc/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/opc/internal/metrics"
	"github.com/vladislavdragonenkov/opc/internal/service/coordinator"
	"github.com/vladislavdragonenkov/opc/internal/service/outbox"
	"github.com/vladislavdragonenkov/opc/internal/service/refund"
	"github.com/vladislavdragonenkov/opc/internal/service/settlement"
	"github.com/vladislavdragonenkov/opc/internal/version"
)

// Run собирает координатор с воркерами и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	// Kafka опционален: без брокеров события остаются в outbox.
	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)

	coordinatorMetrics := metrics.NewCoordinatorMetrics()

	settlementWorker := settlement.NewWorker(
		deps.Payments,
		deps.Orders,
		settlement.WithWorkers(cfg.SettlementWorkers),
		settlement.WithDelay(cfg.SettlementDelay),
		settlement.WithOutbox(deps.Outbox),
		settlement.WithLogger(logger.WithField("component", "settlement-worker")),
	)
	refundWorker := refund.NewWorker(
		deps.Payments,
		deps.Orders,
		refund.WithWorkers(cfg.RefundWorkers),
		refund.WithDelay(cfg.RefundDelay),
		refund.WithOutbox(deps.Outbox),
		refund.WithLogger(logger.WithField("component", "refund-worker")),
	)

	svc := coordinator.New(
		deps.Orders,
		deps.Payments,
		settlementWorker,
		refundWorker,
		coordinator.WithOutbox(deps.Outbox),
		coordinator.WithMetrics(coordinatorMetrics),
		coordinator.WithLogger(logger.WithField("component", "coordinator")),
	)

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		settlementWorker.Run(workersCtx)
	}()
	refundDone := make(chan struct{})
	go func() {
		defer close(refundDone)
		refundWorker.Run(workersCtx)
	}()

	// Outbox worker публикует события в Kafka, когда producer доступен.
	var outboxDone chan struct{}
	if kafkaProducer != nil {
		outboxWorker := outbox.NewWorker(
			deps.Outbox,
			kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicPaymentEvents),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicDeadLetterQueue)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		)
		outboxDone = make(chan struct{})
		go func() {
			defer close(outboxDone)
			outboxWorker.Run(workersCtx)
		}()
	}

	// Consumer внешних платёжных callback (опционально, требует Kafka).
	var callbackConsumer *kafka.Consumer
	if cfg.KafkaBrokers != "" {
		consumer, err := kafka.NewCallbackConsumer(
			splitBrokers(cfg.KafkaBrokers),
			cfg.ConsumerGroup,
			svc,
			kafkaProducer,
			3,
		)
		if err != nil {
			logger.WithError(err).Warn("failed to create callback consumer, continuing without it")
		} else if err := consumer.Start(workersCtx); err != nil {
			logger.WithError(err).Warn("failed to start callback consumer")
		} else {
			callbackConsumer = consumer
		}
	}

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.PostgresStore() != nil {
		healthHandler.RegisterChecker("postgres", healthcheck.NewSimpleChecker("postgres", func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return deps.PostgresStore().Ping(checkCtx)
		}))
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	logger.WithFields(log.Fields{
		"storage": cfg.StorageDriver,
		"kafka":   cfg.KafkaBrokers != "",
	}).Info("координатор заказов и платежей запущен")

	<-ctx.Done()
	logger.Info("получен сигнал остановки, останавливаем воркеры")

	cancelWorkers()
	<-workersDone
	<-refundDone
	if outboxDone != nil {
		<-outboxDone
	}
	if callbackConsumer != nil {
		if err := callbackConsumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop callback consumer")
		}
	}

	shutdownHTTP(metricsSrv, logger)
	closeKafka(kafkaProducer, logger)

	return ctx.Err()
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-проверки.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: newMetricsMux(healthHandler)}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// newMetricsMux собирает маршруты метрик и health-проверок.
func newMetricsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	return mux
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
