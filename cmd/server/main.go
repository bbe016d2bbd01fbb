package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/session-radar/backend/internal/config"
	"github.com/session-radar/backend/internal/monitor"
	"github.com/session-radar/backend/internal/procscan"
	"github.com/session-radar/backend/internal/session"
	"github.com/session-radar/backend/internal/watcher"
	"github.com/session-radar/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	root := flag.String("root", "", "Override watch root (single directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *root != "" {
		cfg.Watch.Roots = []string{*root}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid watch root: %v", err)
		}
	}

	cache := session.NewCache(cfg.Monitor.CacheTTL)
	notifier := monitor.NewNotifier(cfg.Notify.Cooldown, cfg.Notify.Buffer)
	cache.Subscribe(notifier.Observe)
	hub := ws.NewHub(cache, cfg.Hub.BroadcastThrottle, cfg.Hub.SnapshotInterval, cfg.Hub.SendBuffer)

	watch, err := watcher.New(cfg.Watch.Roots, cfg.Watch.Debounce, cfg.Watch.RescanInterval)
	if err != nil {
		log.Fatalf("Failed to create watcher: %v", err)
	}
	inspector := procscan.NewInspector(cfg.Monitor.ProcessNames, cfg.Monitor.ProcessPollInterval)
	mon := monitor.NewMonitor(cfg, cache, watch, inspector, notifier)

	health := func() ws.Health {
		watched, degraded := watch.Health()
		return ws.Health{
			WatchedPaths:   watched,
			DegradedPaths:  degraded,
			ActiveSessions: mon.ActiveSessions(),
			CacheSize:      cache.Len(),
			Clients:        hub.ClientCount(),
		}
	}
	invalidate := func(sessionID string) {
		if sessionID == "" {
			cache.InvalidateAll()
		} else {
			cache.InvalidateSession(sessionID)
		}
		mon.Refresh(sessionID)
	}
	server := ws.NewServer(cache, hub, health, invalidate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mon.Run(ctx)
	go hub.Run(ctx)

	// Notification delivery belongs to an external collaborator; until one
	// attaches, transitions are logged so they're visible in dev.
	go func() {
		for ev := range notifier.Events() {
			log.Printf("[notify] %s: %s -> %s", ev.SessionID, ev.From, ev.To)
		}
	}()

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	if err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
