package main

import (
	"net/http"
	"os"
	"time"

	"cryonix-panel/work/config"
	"cryonix-panel/work/database"
	"cryonix-panel/work/importer"
	"cryonix-panel/work/logger"
	"cryonix-panel/work/orchestrator"
	"cryonix-panel/work/status"
	"cryonix-panel/work/transcoder"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App bundles the wired components the HTTP handlers work against.
type App struct {
	Config       *config.Config
	DB           *database.DB
	Orchestrator *orchestrator.Orchestrator
	Importer     *importer.Importer
	Aggregator   *status.Aggregator
}

func main() {
	cfg := config.LoadConfig()

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger.SetLogLevel(level)
	log := logger.New(level)

	if _, err := os.Stat(config.DefaultConfigPath); os.IsNotExist(err) {
		if err := config.CreateExampleConfig(config.DefaultConfigPath + ".example"); err == nil {
			log.Info("no settings file found, wrote example to %s.example", config.DefaultConfigPath)
		}
	}

	log.Info("starting cryonix panel core")
	log.Info("transcoder endpoint: %s", cfg.TranscoderURL)
	log.Info("reconcile interval: %v, max stop attempts: %d", cfg.ReconcileInterval, cfg.ReconcileMaxAttempts)

	db, err := database.Open(cfg.DatabasePath, log)
	if err != nil {
		log.Error("failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	pool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Error("failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer pool.Release()

	client := transcoder.New(cfg, log)
	orch := orchestrator.New(cfg, db, client, log)
	agg := status.New(cfg, db, client, log)

	imp, err := importer.New(cfg, db, log)
	if err != nil {
		log.Error("failed to create importer: %v", err)
		os.Exit(1)
	}

	reconciler := orchestrator.NewReconciler(orch, pool)
	go reconciler.Run()
	defer reconciler.Stop()

	app := &App{
		Config:       cfg,
		DB:           db,
		Orchestrator: orch,
		Importer:     imp,
		Aggregator:   agg,
	}

	router := mux.NewRouter()
	setupAdminRoutes(router, app)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info("listening on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed: %v", err)
		os.Exit(1)
	}
}
