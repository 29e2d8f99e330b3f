package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/YuHaibo/antigravity-cockpit/internal/api"
	"github.com/YuHaibo/antigravity-cockpit/internal/auth/google"
	"github.com/YuHaibo/antigravity-cockpit/internal/auth/token"
	"github.com/YuHaibo/antigravity-cockpit/internal/config"
	"github.com/YuHaibo/antigravity-cockpit/internal/schedule"
	"github.com/YuHaibo/antigravity-cockpit/internal/store"
	"github.com/YuHaibo/antigravity-cockpit/internal/trigger"
	"github.com/YuHaibo/antigravity-cockpit/internal/version"
	"github.com/YuHaibo/antigravity-cockpit/internal/wake"
)

func main() {
	configPath := flag.String("config", "cockpit.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	flow := google.NewFlow(st)
	authority := token.NewAuthority(st)
	executor := wake.NewExecutor(st)
	executor.SetDefaultPrompt(cfg.DefaultPrompt)
	scheduler := schedule.NewScheduler()

	orchestrator := trigger.NewOrchestrator(st, authority, executor, scheduler)
	if err := orchestrator.Initialize(); err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	// Daily maintenance: keep the reset ledger bounded.
	maintenance := cron.New()
	retention := time.Duration(cfg.LedgerRetentionDays) * 24 * time.Hour
	maintenance.AddFunc("15 3 * * *", func() {
		st.PruneResetEvents(retention)
	})
	maintenance.Start()

	server := api.NewServer(st, flow, authority, orchestrator)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(cfg.AdminPassword, cfg.CORSOrigins),
	}

	go func() {
		log.Printf("Antigravity Cockpit waked %s starting on http://%s", version.Version, addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("Shutting down")
	flow.Cancel()
	orchestrator.Dispose()
	maintenance.Stop()
	httpServer.Close()
}
