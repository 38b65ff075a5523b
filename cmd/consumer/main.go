package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/tow-matching/internal/app"
	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/config"
	"github.com/example/tow-matching/internal/logging"
	"github.com/example/tow-matching/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid or rejected location messages",
	})
	pingsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pings_applied_total",
		Help: "Total location pings applied",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_apply_errors_total",
		Help: "Total pings dropped after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, pingsApplied, applyErrors)
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()
	go a.Settings.Run(ctx, cfg.SettingsRefresh)

	go serveMetrics(ctx, cfg.MetricsAddr, a, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaLocationTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, a.Service, logger)
	logger.Info("shutting down consumer")
}

// serveMetrics exposes metrics plus liveness and readiness probes.
func serveMetrics(ctx context.Context, addr string, a *app.App, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, c := range a.Checks {
			if err := c.Fn(r.Context()); err != nil {
				http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("metrics/health listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}

// MessageReader is the subset of *kafka.Reader the loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Applier applies one idle location ping to the matching core.
type Applier interface {
	ReportLocation(ctx context.Context, p models.LocationPing) error
}

func consume(ctx context.Context, r MessageReader, ap Applier, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var p models.LocationPing
		if err := json.Unmarshal(m.Value, &p); err != nil || p.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "offset", m.Offset, "error", err)
			continue
		}
		// trip progress only comes from the driver's authenticated trip route
		if p.TripID != "" {
			msgsInvalid.Inc()
			logger.Warn("trip ping on location topic refused", "offset", m.Offset, "driver_id", p.DriverID, "trip_id", p.TripID)
			continue
		}
		if err := applyWithRetry(ctx, ap, p, 3, 200*time.Millisecond); err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				applyErrors.Inc()
				logger.Error("location ping dropped", "driver_id", p.DriverID, "error", err)
			} else {
				msgsInvalid.Inc()
				logger.Info("location ping rejected", "driver_id", p.DriverID, "error", err)
			}
			continue
		}
		pingsApplied.Inc()
	}
}

// applyWithRetry retries internal failures with exponential backoff. Caller
// errors such as an unknown driver or a finished trip are returned at once.
func applyWithRetry(ctx context.Context, ap Applier, p models.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = ap.ReportLocation(ctx, p)
		if err == nil || apperr.KindOf(err) != apperr.KindInternal {
			return err
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
