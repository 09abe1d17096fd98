// hbbalancer - Helbreath login and enter-game load balancer.
//
// hbbalancer accepts login and enter-game handshakes from game clients,
// resolves the requested world to one of its world server processes, relays
// the request and returns the world server's answer, or a rejection when the
// world cannot be reached. It exposes a REST API and Prometheus metrics, keeps
// an audit log of handshakes and publishes telemetry via MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hbbalancer/hbbalancer/internal/api"
	"github.com/hbbalancer/hbbalancer/internal/cli"
	"github.com/hbbalancer/hbbalancer/internal/config"
	"github.com/hbbalancer/hbbalancer/internal/db"
	"github.com/hbbalancer/hbbalancer/internal/directory"
	"github.com/hbbalancer/hbbalancer/internal/events"
	"github.com/hbbalancer/hbbalancer/internal/health"
	"github.com/hbbalancer/hbbalancer/internal/network"
	"github.com/hbbalancer/hbbalancer/internal/scheduler"
	"github.com/hbbalancer/hbbalancer/internal/telemetry"
	"github.com/hbbalancer/hbbalancer/internal/util"
)

const Banner = `
  _     _     _           _                            
 | |__ | |__ | |__   __ _| | __ _ _ __   ___ ___ _ __  
 | '_ \| '_ \| '_ \ / _' | |/ _' | '_ \ / __/ _ \ '__| 
 | | | | |_) | |_) | (_| | | (_| | | | | (_|  __/ |    
 |_| |_|_.__/|_.__/ \__,_|_|\__,_|_| |_|\___\___|_|  v%s
 Helbreath login balancer
`

func main() {
	configPath := flag.String("config", config.DefaultConfigFile, "path to the JSON or YAML configuration file")
	interactive := flag.Bool("console", true, "read operator commands from stdin")
	flag.Parse()

	fmt.Printf(Banner, util.Version)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting hbbalancer")

	// A broken config still yields defaults with no worlds: the balancer
	// starts and rejects every request.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration, continuing with defaults and no worlds")
	}

	logCfg := util.LogConfig{
		Level:      cfg.ApplicationData.Logging.Level,
		Directory:  cfg.ApplicationData.Logging.Directory,
		MaxSizeMB:  cfg.ApplicationData.Logging.MaxSizeMB,
		MaxBackups: cfg.ApplicationData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	dir := directory.New(cfg.WorldMap())
	log.Info().Strs("worlds", dir.Worlds()).Msg("world directory built")

	var handshakeLog *db.HandshakeLog
	if cfg.ApplicationData.Database.Enabled {
		handshakeLog, err = db.NewHandshakeLog(cfg.ApplicationData.Database.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open handshake audit log, auditing disabled")
		} else {
			handshakeLog.Subscribe(eventBus)
		}
	}

	listener := network.NewListener(cfg.Balancer, dir, eventBus)
	healthMgr := health.NewManager(cfg, dir, listener, eventBus)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.ApplicationData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	apiDeps := api.Dependencies{Catalog: dir, Sessions: listener, Health: healthMgr}
	cliDeps := cli.Dependencies{Catalog: dir, Sessions: listener, Prober: healthMgr}
	if handshakeLog != nil {
		apiDeps.History = handshakeLog
		cliDeps.History = handshakeLog
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// The balancer port is the only fatal component.
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.Balancer.ListenAddr()).Msg("starting balancer listener")
		if err := startWithRetry(ctx, "balancer listener", listener.Start, 15); err != nil {
			log.Error().Err(err).Msg("balancer listener failed after retries")
			errCh <- fmt.Errorf("balancer listener: %w", err)
		}
	}()

	if cfg.ApplicationData.API.Enabled {
		apiServer := api.NewServer(cfg, eventBus, apiDeps)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.ApplicationData.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if handshakeLog != nil {
		sched := scheduler.NewScheduler(cfg, handshakeLog)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
	}

	// quit in the console emits a shutdown event.
	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, e events.Event) error {
		if e.Source != "main" {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		}
		return nil
	})

	if *interactive {
		console := cli.NewCLI(eventBus, cliDeps, os.Stdin, os.Stdout)
		// The console goroutine is not waited for: it may be blocked on stdin.
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	cancel()

	eventBus.EmitSync(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Sessions emit their final outcome while the listener stops, so the bus
	// and the audit log close last.
	eventBus.Stop()
	if handshakeLog != nil {
		if err := handshakeLog.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close handshake audit log")
		}
	}

	log.Info().Msg("hbbalancer stopped")
}

// startWithRetry retries startFn on bind errors at a fixed 3 second interval.
// It returns nil on success or the last error once retries are exhausted.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
