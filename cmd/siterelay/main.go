package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fieldworks/siterelay/internal/config"
	"github.com/fieldworks/siterelay/internal/httpapi"
	"github.com/fieldworks/siterelay/internal/mediaspool"
	"github.com/fieldworks/siterelay/internal/outbox"
	"github.com/fieldworks/siterelay/internal/sendq"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("SITERELAY_CONFIG")), "path to TOML config file")
	flag.Parse()

	cfg := loadConfig(*configPath)
	applyEnvOverrides(cfg)

	backend, err := outbox.BuildStateBackendFromDSN(cfg.Store.DSN, cfg.Store.MinFreeBytes)
	if err != nil {
		log.Fatalf("failed to initialize durable queue store: %v", err)
	}

	spool, err := mediaspool.New(cfg.Spool.Dir, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize media spool: %v", err)
	}
	defer spool.Close()

	probeURL := cfg.Sync.ProbeURL
	if probeURL == "" {
		probeURL = strings.TrimRight(cfg.Sync.EndpointBaseURL, "/") + "/health"
	}
	monitor := outbox.NewMonitor(outbox.MonitorOptions{
		Probe:         outbox.HTTPProbe(probeURL, nil),
		ProbeInterval: cfg.Sync.ProbeInterval,
		Logger:        log.Default(),
	})
	monitor.Start()
	defer monitor.Close()

	registry := outbox.NewRegistry()
	client := outbox.NewEndpointClient(cfg.Sync.EndpointBaseURL, cfg.Sync.EndpointToken, nil)
	mustRegister(registry, outbox.KindCreateRecord, outbox.NewEndpointHandler(client, "/v1/records"))
	mustRegister(registry, outbox.KindDecision, outbox.NewEndpointHandler(client, "/v1/decisions"))
	mustRegister(registry, outbox.KindMediaUpload, outbox.NewMediaHandler(client, "/v1/media", spool))
	mustRegister(registry, outbox.KindSignatureUpload, outbox.NewMediaHandler(client, "/v1/signatures", spool))

	sub, err := outbox.New(outbox.Options{
		Backend:         backend,
		Registry:        registry,
		Monitor:         monitor,
		Logger:          log.Default(),
		SyncInterval:    cfg.Sync.Interval,
		MaxAttempts:     cfg.Sync.MaxAttempts,
		RetentionWindow: cfg.Sync.RetentionWindow,
	})
	if err != nil {
		log.Fatalf("failed to initialize delivery subsystem: %v", err)
	}
	sub.Start()
	defer sub.Close()

	if cfg.Chat.Enabled {
		transport := sendq.NewWebSocketTransport(cfg.Chat.ChannelURL, nil)
		queue, err := sendq.New(transport, sendq.Options{
			MinInterval: cfg.Chat.MinInterval,
			Cooldown:    cfg.Chat.Cooldown,
			Logger:      log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize chat send queue: %v", err)
		}
		defer queue.Close()
		defer transport.Close()
		log.Printf("chat send queue attached to %s", cfg.Chat.ChannelURL)
	}

	if cfg.HTTP.Enabled {
		server := httpapi.NewServerWithConfig(sub, httpapi.ServerConfig{
			AuthToken: cfg.HTTP.AuthToken,
		})
		go func() {
			log.Printf("siterelay ops API listening on %s", cfg.HTTP.Address)
			if err := http.ListenAndServe(cfg.HTTP.Address, server); err != nil {
				log.Fatalf("ops API failed: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.DefaultConfig()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func applyEnvOverrides(cfg *config.Config) {
	if dsn := strings.TrimSpace(os.Getenv("SITERELAY_STORE_DSN")); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if base := strings.TrimSpace(os.Getenv("SITERELAY_ENDPOINT_BASE_URL")); base != "" {
		cfg.Sync.EndpointBaseURL = base
	}
	if token := strings.TrimSpace(os.Getenv("SITERELAY_ENDPOINT_TOKEN")); token != "" {
		cfg.Sync.EndpointToken = token
	}
	if token := strings.TrimSpace(os.Getenv("SITERELAY_OPS_TOKEN")); token != "" {
		cfg.HTTP.AuthToken = token
	}
	cfg.Sync.Interval = durationEnv("SITERELAY_SYNC_INTERVAL", cfg.Sync.Interval)
	cfg.Sync.MaxAttempts = intEnv("SITERELAY_MAX_ATTEMPTS", cfg.Sync.MaxAttempts)
	cfg.Sync.RetentionWindow = durationEnv("SITERELAY_RETENTION_WINDOW", cfg.Sync.RetentionWindow)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func mustRegister(registry *outbox.Registry, kind outbox.MutationKind, handler outbox.HandlerFunc) {
	if err := registry.Register(kind, handler); err != nil {
		log.Fatalf("failed to register %s handler: %v", kind, err)
	}
}
