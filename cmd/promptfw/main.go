// Command promptfw runs the prompt firewall: a local proxy that scans
// outbound AI API traffic for PII, prompt injection and budget overruns
// before it leaves the machine.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"promptfw/internal/access"
	"promptfw/internal/admin"
	"promptfw/internal/alerts"
	"promptfw/internal/budget"
	"promptfw/internal/config"
	"promptfw/internal/detect"
	"promptfw/internal/firewall"
	"promptfw/internal/intercept"
	"promptfw/internal/proxy"
	"promptfw/internal/rules"
	"promptfw/internal/stream"
	"promptfw/internal/telemetry"
	"promptfw/internal/tokenizer"
	"promptfw/internal/traffic"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging.Level)

	apiKey := cfg.Admin.APIKey
	generated := false
	if apiKey == "" {
		apiKey = generateAPIKey()
		generated = true
	}

	dataDir := cfg.Storage.DataDir
	ledger, err := budget.Open(filepath.Join(dataDir, "budget.db"))
	if err != nil {
		slog.Error("Failed to open budget ledger", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	ruleStore := rules.NewStore(filepath.Join(dataDir, "rules.json"))
	accessMgr := access.NewManager(filepath.Join(dataDir, "access_rules.json"))
	piiDetector := detect.NewPIIDetector()
	injDetector := detect.NewInjectionDetector()
	estimator := tokenizer.NewEstimator()
	interceptor := intercept.New(ruleStore, piiDetector, injDetector, estimator, ledger)
	alertMgr := alerts.NewManager()

	trafficLog, err := openTrafficLog(cfg)
	if err != nil {
		slog.Error("Failed to open traffic log", "error", err)
		os.Exit(1)
	}
	defer trafficLog.Close()

	statsFn := func() firewall.Stats {
		s := traffic.ComputeStats(trafficLog.Snapshot(), time.Now())
		s.TotalSpendToday, _ = ledger.Spend("daily")
		s.TotalTokensToday, _ = ledger.Tokens("daily")
		return s
	}

	broadcaster := stream.NewBroadcaster(trafficLog, stream.StatsFunc(statsFn))

	tel, err := telemetry.NewProvider(telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: true,
	})
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	proxyHandler := proxy.New(proxy.Config{
		Interceptor:   interceptor,
		Access:        accessMgr,
		TrafficLog:    trafficLog,
		Publisher:     broadcaster,
		Alerts:        alertMgr,
		Telemetry:     tel,
		DefaultTarget: cfg.Proxy.DefaultTarget,
	})

	adminAPI := admin.New(admin.Config{
		APIKey:      apiKey,
		CORSOrigins: cfg.Admin.CORSOrigins,
		Rules:       ruleStore,
		Access:      accessMgr,
		PII:         piiDetector,
		Injection:   injDetector,
		Interceptor: interceptor,
		Ledger:      ledger,
		Alerts:      alertMgr,
		TrafficLog:  trafficLog,
		Stream:      broadcaster,
		Stats:       admin.StatsFunc(statsFn),
	})

	proxyServer := &http.Server{Addr: cfg.Proxy.Listen, Handler: proxyHandler}
	adminServer := &http.Server{Addr: cfg.Admin.Listen, Handler: adminAPI}

	printBanner(cfg, apiKey, generated)

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Proxy listening", "addr", cfg.Proxy.Listen)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	go func() {
		slog.Info("Admin API listening", "addr", cfg.Admin.Listen)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("admin server: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server failed", "error", err)
		shutdown(proxyServer, adminServer, tel)
		os.Exit(1)
	case sig := <-sigChan:
		slog.Info("Shutting down", "signal", sig.String())
		shutdown(proxyServer, adminServer, tel)
	}
}

func shutdown(proxyServer, adminServer *http.Server, tel *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxyServer.Shutdown(ctx); err != nil {
		slog.Warn("Proxy shutdown error", "error", err)
	}
	if err := adminServer.Shutdown(ctx); err != nil {
		slog.Warn("Admin shutdown error", "error", err)
	}
	if err := tel.Shutdown(ctx); err != nil {
		slog.Warn("Telemetry shutdown error", "error", err)
	}
}

func openTrafficLog(cfg *config.Config) (traffic.Store, error) {
	if cfg.Traffic.Store == "redis" {
		return traffic.NewRedisLog(cfg.Traffic.Redis, cfg.Traffic.Capacity)
	}
	return traffic.NewMemoryLog(cfg.Traffic.Capacity), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func generateAPIKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		slog.Error("Failed to generate API key", "error", err)
		os.Exit(1)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func defaultConfigPath() string {
	if p := os.Getenv("PF_CONFIG"); p != "" {
		return p
	}
	return "promptfw.yaml"
}

func printBanner(cfg *config.Config, apiKey string, generated bool) {
	fmt.Printf(`
  Prompt Firewall
  ---------------
  Proxy      http://%s
  Admin API  http://%s
  Stream     ws://%s/ws

`, cfg.Proxy.Listen, cfg.Admin.Listen, cfg.Admin.Listen)

	if generated {
		// Printed once so the operator can use the admin API; set
		// PF_API_KEY or admin.api_key to pin it.
		slog.Info("Generated admin API key", "api_key", apiKey)
	}
	slog.Info("CORS origins configured", "origins", cfg.Admin.CORSOrigins)
}
