package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/notification-relay/internal/config"
	"github.com/jmehdipour/notification-relay/internal/db"
	"github.com/jmehdipour/notification-relay/internal/kafka"
	"github.com/jmehdipour/notification-relay/internal/logger"
	"github.com/jmehdipour/notification-relay/internal/metrics"
	"github.com/jmehdipour/notification-relay/internal/repository"
	"github.com/jmehdipour/notification-relay/internal/service/ingest"
	"github.com/jmehdipour/notification-relay/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

var inboundCmd = &cobra.Command{
	Use:   "inbound",
	Short: "Consume inbound SMS events from Kafka and persist them",
	RunE:  runInbound,
}

func init() {
	inboundCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9102", "address for /metrics (empty disables)")
}

func runInbound(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connection (MySQL)
	dbx, err := db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	// 3) kafka consumer
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "relay-inbound"
	}
	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Kafka.Topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	ingestor := ingest.New(repository.NewInboundEventsRepository(dbx), log)
	w := worker.NewInboundKafka(consumer, ingestor, cfg.Ingest.DedupeHeader, log)

	// 4) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	log.Info("inbound worker started",
		zap.String("topic", consumer.Topic()),
		zap.String("group", groupID),
		zap.String("dedupe_header", cfg.Ingest.DedupeHeader))

	return w.Run(ctx)
}
