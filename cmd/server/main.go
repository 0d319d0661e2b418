package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-parkops/internal/api"
	"github.com/technosupport/ts-parkops/internal/capture"
	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/crypto"
	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/health"
	"github.com/technosupport/ts-parkops/internal/hls"
	"github.com/technosupport/ts-parkops/internal/lots"
	"github.com/technosupport/ts-parkops/internal/metrics"
	"github.com/technosupport/ts-parkops/internal/middleware"
	"github.com/technosupport/ts-parkops/internal/parking"
	"github.com/technosupport/ts-parkops/internal/platform/paths"
	"github.com/technosupport/ts-parkops/internal/platform/sysres"
	"github.com/technosupport/ts-parkops/internal/ratelimit"
	"github.com/technosupport/ts-parkops/internal/rules"
	"github.com/technosupport/ts-parkops/internal/tokens"
	"github.com/technosupport/ts-parkops/internal/vision"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml (default config/default.yaml)")
	flag.Parse()

	cfg, err := config.Load(paths.ResolveConfigPath(*configPath))
	if err != nil {
		log.Fatalf("[ERROR] [main] load config: %v", err)
	}
	loc := cfg.Location()
	log.Printf("[INFO] [main] starting ts-parkops (tz=%s, data=%s)", loc, paths.ResolveDataRoot())

	if err := paths.EnsureDirs(); err != nil {
		log.Fatalf("[ERROR] [main] prepare data dirs: %v", err)
	}

	// --- Database ---
	db, err := sql.Open("postgres", cfg.DB.DSN())
	if err != nil {
		log.Fatalf("[ERROR] [main] open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DB.PoolSize + cfg.DB.Overflow)
	db.SetMaxIdleConns(cfg.DB.PoolSize)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("[ERROR] [main] database unreachable: %v", err)
	}
	cancelPing()
	log.Printf("[INFO] [main] database connected (%s:%d/%s)", cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)

	// --- Redis (rate limiting, token revocation) ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("[ERROR] [main] redis unreachable at %s: %v", cfg.Redis.Addr, err)
	}
	defer rdb.Close()

	// --- Credential keyring ---
	keyring := crypto.NewKeyring()
	if err := keyring.LoadFromEnv(); err != nil {
		log.Fatalf("[ERROR] [main] keyring: %v", err)
	}

	lotSvc := lots.NewService(db, keyring)

	// --- Capture pipeline ---
	pool := sysres.PoolConfig{Size: cfg.DB.PoolSize, MaxOverflow: cfg.DB.Overflow}
	sizing := sysres.Auto(pool)
	log.Printf("[INFO] [main] capture sizing: combos=%d workers=%d budget=%d",
		sizing.MaxConcurrentCombos, sizing.MaxWorkersPerCombo, sizing.TotalBudget)

	grabber := capture.NewGrabber(cfg.Capture)
	scheduler := capture.NewScheduler(cfg.Capture, loc,
		data.TaskModel{DB: db}, data.BatchModel{DB: db}, data.ScreenshotModel{DB: db},
		grabber, capture.ProbeReplayBase, pool)
	filler := capture.NewMinuteFiller(cfg.Capture,
		data.TaskModel{DB: db}, data.BatchModel{DB: db}, data.MinuteModel{DB: db}, grabber)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	runner := capture.NewRunner(scheduler, filler)
	runner.Start(runCtx)

	// --- Vision / change detection ---
	readiness := vision.NewReadiness(cfg.Detection)
	readiness.Start(runCtx)
	engine := vision.NewEngine(cfg.Detection, readiness)

	hub := api.NewHub()

	var pub parking.MultiPublisher
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		log.Printf("[WARN] [main] nats unavailable at %s, change events stay local: %v", cfg.NATS.URL, err)
	} else {
		defer nc.Close()
		pub = append(pub, parking.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, cfg.NATS.PublishRetry))
	}
	pub = append(pub, hub)

	worker := parking.NewWorker(db, cfg.Detection, engine, lotSvc, pub)
	worker.Start()

	// --- Schedule rules ---
	checker := rules.NewChecker(data.RuleModel{DB: db}, scheduler, loc)
	checker.Start()

	// --- NVR health ---
	monitor := health.NewMonitor(data.NVRConfigModel{DB: db}, health.Config{
		Interval: time.Duration(cfg.Health.IntervalSec) * time.Second,
		Workers:  cfg.Health.Workers,
	})
	monitor.Start()

	// --- HLS review sessions ---
	hlsMgr := hls.NewManager(hls.Config{FFmpegBin: cfg.Capture.FFmpegBin})

	// --- HTTP surface ---
	tokenMgr := tokens.NewManager(cfg.HTTP.SigningKey)
	blacklist := tokens.NewRedisBlacklist(rdb)
	auth := middleware.NewServiceAuth(tokenMgr, blacklist)

	limiter := ratelimit.NewLimiter(rdb, cfg.HTTP.SigningKey)
	rl := middleware.NewRateLimitMiddleware(limiter, ratelimit.LimitConfig{
		Rate:   cfg.HTTP.RateLimitRate,
		Window: time.Duration(cfg.HTTP.RateLimitWindowSec) * time.Second,
	})

	srv := api.NewServer(db, scheduler, lotSvc, monitor, hlsMgr, hub)

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS)

	r.Get("/healthz", srv.Healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/hls/{id}/{file}", srv.ServeHLS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(rl.Limit)
		srv.Register(r)
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[INFO] [main] http listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ERROR] [main] http server: %v", err)
		}
	}()

	// --- Shutdown ---
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("[INFO] [main] received %s, shutting down", sig)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] [main] http shutdown: %v", err)
	}

	cancelRun()
	runner.Stop()
	checker.Stop()
	monitor.Stop()
	worker.Stop()
	hlsMgr.StopAll()
	hub.Close()

	log.Printf("[INFO] [main] shutdown complete")
}
