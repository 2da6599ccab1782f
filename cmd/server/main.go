// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"daq-bridge/internal/bridge"
	"daq-bridge/internal/config"
	"daq-bridge/internal/discovery"
	"daq-bridge/internal/firmware"
	"daq-bridge/internal/handler"
	"daq-bridge/internal/model"
	"daq-bridge/internal/protocol"
	"daq-bridge/internal/routes"
	"daq-bridge/internal/service"
	"daq-bridge/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server

	// Protocol
	codec  *protocol.Codec
	policy *protocol.Policy
	link   protocol.Link
	bridge *bridge.Server

	// Events
	eventBus  *handler.EventBus
	wsHandler *handler.WebSocketHandler

	// Services
	deviceService   *service.DeviceService
	firmwareService *service.FirmwareService

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "daq-bridge")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"protocol", app.initializeProtocol},
		{"events", app.initializeEvents},
		{"link", app.initializeLink},
		{"bridge", app.initializeBridge},
		{"services", app.initializeServices},
		{"server", app.initializeServer},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	return app, nil
}

// initializeProtocol builds the frame codec and the timeout policy
func (app *Application) initializeProtocol() error {
	pc := app.config.Protocol

	app.codec = protocol.NewCodec(protocol.Markers{
		Start:          pc.StartMarker,
		End:            pc.EndMarker[0],
		LineTerminator: pc.LineTerminator,
	})

	app.policy = protocol.DefaultPolicy(app.codec)
	if pc.ShortReadTimeout > 0 {
		app.policy.ShortReadTimeout = pc.ShortReadTimeout
	}
	if pc.DrainTimeout > 0 {
		app.policy.DrainTimeout = pc.DrainTimeout
	}

	for name, override := range pc.Timeouts {
		class, ok := protocol.ParseCommandClass(name)
		if !ok {
			return fmt.Errorf("unknown command class %q", name)
		}
		profile := app.policy.ProfileFor(class)
		if override.ConnectTimeout > 0 {
			profile.ConnectTimeout = override.ConnectTimeout
		}
		if override.MaxWait > 0 {
			profile.MaxWait = override.MaxWait
		}
		app.policy.SetProfile(class, profile)
	}

	app.logger.Info("Protocol initialized",
		zap.String("start_marker", pc.StartMarker),
		zap.String("end_marker", pc.EndMarker),
		zap.Int("timeout_overrides", len(pc.Timeouts)),
	)
	return nil
}

// initializeEvents creates the event bus and the WebSocket stream fed by it
func (app *Application) initializeEvents() error {
	app.eventBus = handler.NewEventBus(app.logger)
	app.wsHandler = handler.NewWebSocketHandler(app.eventBus, app.config.Security.AllowedOrigins, app.logger)
	return nil
}

// initializeLink creates the direct link used while the bridge is stopped
func (app *Application) initializeLink() error {
	dc := app.config.Device

	connType, err := model.ParseConnectionType(dc.ConnectionType)
	if err != nil {
		return err
	}

	link, err := protocol.CreateLink(protocol.LinkConfig{
		Type: connType,
		TCP: protocol.TCPConfig{
			Host:      dc.TCP.Host,
			Port:      dc.TCP.Port,
			KeepAlive: dc.TCP.KeepAlive,
		},
		Serial: protocol.SerialConfig{
			Port:     dc.Serial.Port,
			BaudRate: dc.Serial.BaudRate,
			DataBits: dc.Serial.DataBits,
			StopBits: dc.Serial.StopBits,
			Parity:   dc.Serial.Parity,
		},
	}, protocol.NewCollector(app.policy, protocol.RoleClient), app.logger)
	if err != nil {
		return err
	}

	app.link = link
	app.logger.Info("Direct link configured",
		zap.String("type", string(link.GetProtocolType())),
		zap.String("address", link.Address()),
	)
	return nil
}

// initializeBridge creates the bridge server; it is started on demand or by auto_start
func (app *Application) initializeBridge() error {
	bc := app.config.Bridge

	policy, err := bridge.ParseReconnectPolicy(bc.ReconnectPolicy)
	if err != nil {
		return err
	}

	cfg := bridge.Config{
		Host:                   bc.Host,
		Port:                   bc.Port,
		AllowedClient:          bc.AllowedClient,
		ReconnectPolicy:        policy,
		LogRejectWhenConnected: bc.LogRejectWhenConnected,
		GreetingTimeout:        bc.GreetingTimeout,
		AcceptPollInterval:     bc.AcceptPollInterval,
		QuietPrefixes:          bc.QuietPrefixes,
	}

	collector := protocol.NewCollector(app.policy, protocol.RoleServer)
	app.bridge = bridge.New(cfg, collector, app.logger, service.BridgeEventOptions(app.eventBus)...)
	return nil
}

// initializeServices creates service instances
func (app *Application) initializeServices() error {
	app.deviceService = service.NewDeviceService(app.link, app.bridge, app.codec, app.eventBus, app.logger)

	opts, err := firmwareOptions(&app.config.Firmware)
	if err != nil {
		return err
	}

	app.firmwareService = service.NewFirmwareService(
		app.deviceService,
		app.codec,
		app.deviceService,
		app.eventBus,
		service.FirmwareServiceConfig{
			StopBridgeOnSuccess: app.config.Firmware.StopBridgeOnSuccess,
			MaxImageSize:        app.config.Firmware.MaxImageSize,
		},
		app.logger,
		opts...,
	)

	app.logger.Info("Services initialized successfully")
	return nil
}

func firmwareOptions(fc *config.FirmwareConfig) ([]firmware.Option, error) {
	mode, err := firmware.ParseWidthMode(fc.WidthMode)
	if err != nil {
		return nil, err
	}

	return []firmware.Option{
		firmware.WithConfirmTimeout(fc.ConfirmTimeout),
		firmware.WithBootAttempts(fc.BootAttempts),
		firmware.WithRetries(fc.Retries, fc.RetryDelay),
		firmware.WithRecordAttempts(fc.RecordAttempts),
		firmware.WithRecordBackoff(fc.RecordBackoff),
		firmware.WithInterRecordDelay(fc.InterRecordDelay),
		firmware.WithAddressDelay(fc.AddressDelay),
		firmware.WithLinkSpeed(fc.LinkSpeed, fc.LinkSpeedFallbacks...),
		firmware.WithSettleDelay(fc.SettleDelay),
		firmware.WithWidthMode(mode),
		firmware.WithPumpEvery(fc.PumpEvery),
	}, nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.deviceService,
		app.firmwareService,
		discovery.NewPortScanner(app.logger),
		app.wsHandler,
	)

	router := routerManager.SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)
	return nil
}

// startBackgroundServices starts the event fan-out, the bridge and its idle monitor
func (app *Application) startBackgroundServices() {
	go app.eventBus.Start()
	go app.wsHandler.Run(app.ctx)

	if app.config.Bridge.AutoStart {
		if err := app.deviceService.StartBridge(app.ctx); err != nil {
			app.logger.Error("Failed to auto-start bridge", zap.Error(err))
		}
	}

	monitor := bridge.NewIdleMonitor(
		app.bridge,
		app.config.AutoStopAfter(),
		app.config.Bridge.IdleCheckInterval,
		app.logger,
		func(idle time.Duration) {
			app.eventBus.Publish(model.NewEvent(model.EventBridgeStopped, "bridge", "WARNING", app.bridge.Status()))
		},
	)
	go monitor.Run(app.ctx)

	app.logger.Info("Background services started",
		zap.Bool("bridge_auto_start", app.config.Bridge.AutoStart),
		zap.Duration("bridge_auto_stop", app.config.AutoStopAfter()),
	)
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown stops the transfer, the bridge and the HTTP server, in that order
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "daq-bridge")
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	err = multierr.Append(err, app.firmwareService.Shutdown(ctx))
	if stopErr := app.deviceService.StopBridge(); !errors.Is(stopErr, bridge.ErrNotRunning) {
		err = multierr.Append(err, stopErr)
	}
	err = multierr.Append(err, app.server.Shutdown(ctx))

	app.cancel()
	app.eventBus.Close()

	for _, e := range multierr.Errors(err) {
		app.logger.Error("Shutdown error", zap.Error(e))
	}

	app.logger.Info("Application shutdown completed")
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start serves HTTP and blocks until a shutdown signal arrives
func (app *Application) Start() error {
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(
				app.config.Server.TLS.CertFile,
				app.config.Server.TLS.KeyFile,
			)
		} else {
			err = app.server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.startBackgroundServices()
	app.waitForShutdown()

	return nil
}
