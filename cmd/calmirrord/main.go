package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calmirror/calmirror/internal/backup"
	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/db"
	"github.com/calmirror/calmirror/internal/engine"
	"github.com/calmirror/calmirror/internal/notify"
	"github.com/calmirror/calmirror/internal/orchestrator"
	"github.com/calmirror/calmirror/internal/scheduler"
	"github.com/calmirror/calmirror/internal/source"
	"github.com/calmirror/calmirror/internal/state"
	"github.com/calmirror/calmirror/internal/target"
	"github.com/calmirror/calmirror/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "calmirror.yaml", "path to the configuration file")
	oneShot := flag.Bool("once", false, "run a single sync batch and exit")
	forceResync := flag.Bool("force-resync", false, "with -once: clear targets and rebuild from source")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting calmirror...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrMissingConfig) {
			log.Fatalf("Wrote a starter configuration to %s; fill in the source credentials and restart", *configPath)
		}
		log.Fatalf("Failed to load configuration: %v", err)
	}

	notifyCfg := &notify.Config{
		WebhookURL:     cfg.Notify.WebhookURL,
		CooldownPeriod: cfg.NotifyCooldown(),
	}
	if notifyCfg.WebhookURL != "" {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			log.Fatalf("Invalid alert configuration: %v", err)
		}
	}
	notifier := notify.New(notifyCfg)
	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (cooldown: %v)", notifyCfg.CooldownPeriod)
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		log.Fatalf("Failed to initialize state store: %v", err)
	}

	caldavClient, err := source.NewCalDAVClient(cfg.Source.URL, cfg.Source.Username, cfg.Source.Password, cfg.Sync.ExpandRecurring)
	if err != nil {
		log.Fatalf("Failed to initialize CalDAV client: %v", err)
	}
	lister := source.NewRetryingLister(caldavClient, cfg.Source.FetchRetries)

	targets := target.NewFactory(cfg.Sync.MutationsPerSecond)

	mappings := cfg.ResolveMappings()
	for _, mapping := range mappings {
		tc := targets(mapping.TargetCalendar)
		if ec, ok := tc.(interface{ EnsureCalendar(context.Context) error }); ok {
			if err := ec.EnsureCalendar(context.Background()); err != nil {
				log.Fatalf("Target calendar %q unavailable: %v", mapping.TargetCalendar, err)
			}
		}
	}

	eng := engine.New(lister, targets, store, engine.Options{
		PastDays:                cfg.Source.PastDays,
		FutureDays:              cfg.Source.FutureDays,
		SafetyThreshold:         cfg.Sync.SafetyThreshold,
		SafetyEnabled:           !cfg.Sync.DisableSafetyGate,
		OverrideTargetDeletions: cfg.Sync.OverrideTargetDeletions,
		VerifyThreshold:         cfg.Sync.VerifyThreshold,
	})

	orch := orchestrator.New(eng, mappings, database, notifier)

	if *oneShot {
		batch := orch.RunBatch(context.Background(), orchestrator.Options{ForceResync: *forceResync})
		if batch.Failed > 0 {
			os.Exit(1)
		}
		return
	}

	var backups *backup.Manager
	if cfg.Backup.Dir != "" {
		backups, err = backup.New(cfg.Backup.Dir, cfg.Backup.Retention, cfg.BackupInterval(), lister, cfg.Source.Calendars)
		if err != nil {
			log.Fatalf("Failed to initialize backups: %v", err)
		}
	}

	sched := scheduler.New(orch, backups, database, cfg.SyncInterval(), cfg.Source.PastDays, cfg.Source.FutureDays)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())
	web.SetupRoutes(router, web.NewHandlers(cfg, database, sched), cfg.Web.BasicAuth)

	server := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	sched.Start()

	go func() {
		log.Printf("Server listening on %s", cfg.Web.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Stopped")
}
