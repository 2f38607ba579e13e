package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendguard/internal/config"
	"attendguard/internal/metrics"
	"attendguard/internal/notify"
	"attendguard/internal/queue"
	"attendguard/internal/store"
)

const eventsQueueKey = "attendguard:events"

// Worker drains domain events published by the API and hands them to the
// notification collaborator, which for now is the log.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.QueueBackend != config.BackendRedis {
		log.Fatalf("worker needs QUEUE_BACKEND=redis, got %q", cfg.QueueBackend)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := store.NewRedis(cfg.RedisAddr)
	defer rdb.Close()

	if _, err := backoff.Retry(ctx, func() (struct{}, error) {
		if !rdb.Healthy(ctx) {
			return struct{}{}, errors.New("redis not reachable")
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(time.Minute)); err != nil {
		log.Fatalf("redis: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.WorkerMetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	q := queue.NewRedisQueue(rdb.Client, eventsQueueKey)
	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for events...")
	for msg := range messages {
		handle(msg)
	}
	log.Println("worker stopped")
}

func handle(msg queue.Message) {
	ev, err := notify.Decode(msg)
	if err != nil {
		log.Printf("dropping event: %v", err)
		metrics.EventsProcessed.WithLabelValues("malformed").Inc()
		return
	}
	lag := time.Since(msg.PublishedAt).Round(time.Millisecond)
	switch ev.Type {
	case notify.EmergencyStopped, notify.FraudAlertRaised:
		log.Printf("ALERT %s session=%s lag=%s payload=%v", ev.Type, ev.SessionID, lag, ev.Payload)
	default:
		log.Printf("%s session=%s lag=%s payload=%v", ev.Type, ev.SessionID, lag, ev.Payload)
	}
	metrics.EventsProcessed.WithLabelValues(string(ev.Type)).Inc()
}
