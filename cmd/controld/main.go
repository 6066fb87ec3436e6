// Command controld is the control-layer middleware: it ingests field
// telemetry over the bus, maintains per-device aggregation and safety
// state, orchestrates advisory analysis, and serves the HTTP/WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/modax/controld/internal/advisory"
	"github.com/modax/controld/internal/api"
	"github.com/modax/controld/internal/audit"
	"github.com/modax/controld/internal/bus"
	"github.com/modax/controld/internal/cache"
	"github.com/modax/controld/internal/command"
	"github.com/modax/controld/internal/config"
	"github.com/modax/controld/internal/events"
	"github.com/modax/controld/internal/ingest"
	"github.com/modax/controld/internal/metrics"
	"github.com/modax/controld/internal/registry"
	"github.com/modax/controld/internal/safety"
	"github.com/modax/controld/internal/ws"
)

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 1
	exitBus      = 2
	exitInternal = 3
)

const (
	shutdownGrace  = 5 * time.Second
	gaugeInterval  = 5 * time.Second
	busConnectWait = 90 * time.Second
)

func main() {
	os.Exit(realMain())
}

// ignoreHangup keeps a closing controlling terminal from terminating the
// process. There is no live config reload, so SIGHUP carries no meaning here.
func ignoreHangup() {
	signal.Ignore(syscall.SIGHUP)
}

func realMain() int {
	ignoreHangup()
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting control layer",
		"bus_transport", cfg.BusTransport,
		"api_addr", net.JoinHostPort(cfg.APIHost, strconv.Itoa(cfg.APIPort)),
		"ai_enabled", cfg.AIEnabled,
	)

	auditLog, auditCloser, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("audit sink unavailable", "path", cfg.AuditLogPath, "error", err)
		return exitConfig
	}
	if auditCloser != nil {
		defer auditCloser.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	eventBus := events.NewBus()
	deviceReg := registry.New(registry.Options{
		WindowSeconds: cfg.AggregationWindowSeconds,
		MaxDataPoints: cfg.MaxDataPoints,
		OnlineTTL:     time.Duration(cfg.DeviceOnlineTTLSeconds) * time.Second,
	}, eventBus)
	gate := safety.NewGate()

	apiCache := cache.New("api")
	advisoryCache := cache.New("advisory")

	transport, err := buildTransport(cfg, m, logger)
	if err != nil {
		logger.Error("bus transport setup failed", "error", err)
		return exitConfig
	}

	interval := time.Duration(cfg.AIAnalysisIntervalSeconds) * time.Second
	var orchestrator *advisory.Orchestrator
	if cfg.AIEnabled {
		client := advisory.NewClient(cfg.AILayerURL, time.Duration(cfg.AILayerTimeoutSeconds)*time.Second)
		orchestrator = advisory.NewOrchestrator(deviceReg, client, advisoryCache, eventBus, m, advisory.OrchestratorOptions{
			Interval:    interval,
			MinSamples:  cfg.AIMinSamples,
			MaxInFlight: int64(cfg.AIMaxConcurrency),
			Logger:      logger,
		})
	}

	advisoryTTL := interval
	if advisoryTTL < 10*time.Second {
		advisoryTTL = 10 * time.Second
	}
	ingress := ingest.New(deviceReg, gate, advisoryCache, advisoryTTL, auditLog, m, logger)
	if err := ingress.Subscribe(transport); err != nil {
		logger.Error("bus subscription failed", "error", err)
		return exitBus
	}

	dispatcher := command.NewDispatcher(deviceReg, gate, transport, auditLog, m, logger)
	hub := ws.NewHub(eventBus, m, auditLog, ws.Options{
		SendBuffer:     cfg.WSSendBuffer,
		MaxConnections: cfg.WSMaxConnections,
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger,
	})

	server := api.New(cfg, api.Deps{
		Registry:      deviceReg,
		Gate:          gate,
		Dispatcher:    dispatcher,
		Bus:           transport,
		APICache:      apiCache,
		AdvisoryCache: advisoryCache,
		Audit:         auditLog,
		Metrics:       m,
		Gatherer:      reg,
		Hub:           hub,
		Logger:        logger,
	})

	// First connection is part of startup: an unreachable bus after the
	// attempt budget is a bootstrap failure, not a runtime condition.
	connectCtx, connectCancel := context.WithTimeout(context.Background(), busConnectWait)
	err = transport.Connect(connectCtx)
	connectCancel()
	if err != nil {
		logger.Error("bus unreachable at startup", "error", err)
		return exitBus
	}
	defer transport.Disconnect()

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.APIHost, strconv.Itoa(cfg.APIPort)),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g run.Group
	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	g.Add(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	})

	if orchestrator != nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			err := orchestrator.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			runStatusTicker(ctx, deviceReg, gate, eventBus, m, cfg.AIEnabled)
			return nil
		}, func(error) {
			cancel()
		})
	}

	err = g.Run()
	hub.Close()

	var sigErr run.SignalError
	if err == nil || errors.As(err, &sigErr) {
		logger.Info("shutdown complete")
		return exitOK
	}
	logger.Error("fatal error", "error", err)
	return exitInternal
}

// runStatusTicker keeps the fleet gauges fresh and pushes the periodic
// system_status event to WebSocket consumers.
func runStatusTicker(ctx context.Context, reg *registry.Registry, gate *safety.Gate, bus *events.Bus, m *metrics.Metrics, aiEnabled bool) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := reg.OnlineIDs()
			safe := gate.Evaluate(reg.OnlineSafety())
			m.DevicesOnline.Set(float64(len(online)))
			m.SetSystemSafe(safe)

			bus.Publish(events.Event{
				Type:      events.TypeSystemStatus,
				Timestamp: float64(time.Now().UnixNano()) / 1e9,
				Data: map[string]any{
					"is_safe":        safe,
					"devices_online": online,
					"last_update":    reg.LastUpdate(),
					"ai_enabled":     aiEnabled,
					"estop_engaged":  gate.Estop(),
				},
			})
		}
	}
}

func buildTransport(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (bus.Bus, error) {
	onState := func(s bus.State) {
		m.SetBusState(s)
		logger.Info("bus state", "state", string(s))
	}
	onPublish := func(topic, result string) {
		m.BusPublish.WithLabelValues(topic, result).Inc()
	}

	switch cfg.BusTransport {
	case "mqtt":
		return bus.NewMQTT(bus.MQTTOptions{
			Host:        cfg.MQTTBrokerHost,
			Port:        cfg.MQTTBrokerPort,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			UseTLS:      cfg.MQTTUseTLS,
			CACerts:     cfg.MQTTCACerts,
			CertFile:    cfg.MQTTCertFile,
			KeyFile:     cfg.MQTTKeyFile,
			TLSInsecure: cfg.MQTTTLSInsecure,
			ClientID:    "controld-" + uuid.NewString()[:8],
			OnState:     onState,
			OnPublish:   onPublish,
			Logger:      logger,
		})
	case "redis":
		return bus.NewRedis(bus.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			OnState:   onState,
			OnPublish: onPublish,
			Logger:    logger,
		}), nil
	case "local":
		return bus.NewLocal(), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrConfig, cfg.BusTransport)
	}
}

func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.UseJSONLogs {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
