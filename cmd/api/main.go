package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendguard/internal/attempts"
	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/cloudinary"
	"attendguard/internal/config"
	"attendguard/internal/device"
	"attendguard/internal/enrollment"
	"attendguard/internal/faceclient"
	"attendguard/internal/fraud"
	"attendguard/internal/httpapi"
	"attendguard/internal/httpmiddleware"
	"attendguard/internal/notify"
	"attendguard/internal/photo"
	"attendguard/internal/queue"
	"attendguard/internal/session"
	"attendguard/internal/store"
	"attendguard/internal/token"
)

const (
	eventsQueueKey = "attendguard:events"
	lockLease      = 10 * time.Second
	sweepInterval  = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// backends holds the storage implementations chosen by configuration.
type backends struct {
	sessions session.Repository
	tokens   token.Store
	devices  device.Repository
	records  attendance.Repository
	enroll   enrollment.Checker
	health   map[string]httpapi.HealthCheck
	closers  []func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{health: map[string]httpapi.HealthCheck{}}
	if cfg.StoreBackend == config.BackendMemory {
		roster, err := enrollment.ParseSeed(cfg.EnrollmentSeed)
		if err != nil {
			return nil, err
		}
		b.sessions = session.NewMemoryRepository()
		b.tokens = token.NewMemoryStore()
		b.devices = device.NewMemoryRepository()
		b.records = attendance.NewMemoryRepository()
		b.enroll = roster
		log.Println("store: in-memory (data is lost on restart)")
		return b, nil
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	b.sessions = session.NewPostgresRepository(db.Client)
	b.tokens = token.NewPostgresStore(db.Client)
	b.devices = device.NewPostgresRepository(db.Client)
	b.records = attendance.NewPostgresRepository(db.Client)
	b.enroll = enrollment.NewPostgres(db.Client)
	b.health["postgres"] = db.Healthy
	b.closers = append(b.closers, db.Close)
	return b, nil
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range b.closers {
			_ = c()
		}
	}()

	var rdb *store.Redis
	if cfg.QueueBackend == config.BackendRedis || cfg.LockBackend == config.BackendRedis {
		rdb = store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		b.health["redis"] = rdb.Healthy
	}

	var q queue.Queue
	if cfg.QueueBackend == config.BackendMemory {
		mem := queue.NewInMemory(256)
		q = mem
		go drainLocal(ctx, mem)
	} else {
		q = queue.NewRedisQueue(rdb.Client, eventsQueueKey)
	}
	events := notify.NewQueuePublisher(q)

	var (
		locker  session.Locker
		counter attempts.Counter
	)
	if cfg.LockBackend == config.BackendRedis {
		locker = session.NewRedisLocker(rdb.Client, lockLease)
		counter = attempts.NewRedisCounter(rdb.Client, cfg.AttemptWindow)
	} else {
		locker = session.NewKeyedMutex()
		mem := attempts.NewMemoryCounter(cfg.AttemptWindow)
		go mem.RunSweeper(ctx, sweepInterval)
		counter = mem
	}

	engine, err := fraud.NewEngine(cfg.Scoring())
	if err != nil {
		return err
	}
	tokens := token.NewService(b.tokens, cfg.TokenTTL)
	devices := device.NewValidator(b.devices, cfg.MaxDevicesPerStudent)
	sessions := session.NewManager(b.sessions, tokens, locker, b.enroll, events, session.Options{
		TokenTTL:        cfg.TokenTTL,
		MarkAbsentOnEnd: cfg.MarkAbsentOnEnd,
	})
	var scorer photo.Scorer
	if cfg.FaceSkip {
		log.Println("face analysis disabled, photoUrl-only check-ins will miss evidence")
	} else {
		face := faceclient.New(cfg.FaceServiceURL, false)
		if err := face.Health(ctx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
		}
		scorer = face
	}
	recorder := attendance.NewRecorder(attendance.Deps{
		Repo:     b.records,
		Sessions: sessions,
		Tokens:   tokens,
		Devices:  devices,
		Scorer:   scorer,
		Engine:   engine,
		Attempts: counter,
		Enroll:   b.enroll,
		Events:   events,
	}, attendance.Config{
		LateGrace:    cfg.LateGrace,
		Timeout:      cfg.CheckInTimeout,
		PhotoTimeout: cfg.PhotoTimeout,
		LogRejected:  cfg.LogRejectedAttempts,
	})
	sessions.SetReconciler(recorder)

	schemas, err := httpapi.NewSchemaValidator(32)
	if err != nil {
		return err
	}
	api := &httpapi.Server{
		Sessions: sessions,
		Recorder: recorder,
		Devices:  devices,
		Schemas:  schemas,
		Health:   b.health,
		QRSize:   320,

		ValidateResponses: !cfg.IsProduction(),
	}
	if cfg.CloudinaryEnabled() {
		api.Uploader = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured, photo uploads disabled")
	}

	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	go func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Sweep()
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{SkipPaths: []string{"/healthz", "/metrics"}}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.AllowedOrigins(),
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Token-Expires-At"},
		MaxAge:        12 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(limiter.GinMiddleware())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.Register(r, auth.Authenticate(cfg.JWTSigningKey, cfg.JWTIssuer))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("starting server on :%s (store=%s queue=%s lock=%s)", cfg.HTTPPort, cfg.StoreBackend, cfg.QueueBackend, cfg.LockBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("server exited")
	return nil
}

// drainLocal logs events when the queue lives in this process and no worker can reach it.
func drainLocal(ctx context.Context, q queue.Queue) {
	msgs, err := q.Consume(ctx)
	if err != nil {
		log.Printf("events: consume: %v", err)
		return
	}
	for msg := range msgs {
		log.Printf("event %s (%s): %s", msg.Type, msg.Priority, msg.Body)
	}
}
