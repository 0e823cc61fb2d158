package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modbus-edge-gateway/pkg/alerts"
	"modbus-edge-gateway/pkg/api"
	"modbus-edge-gateway/pkg/config"
	"modbus-edge-gateway/pkg/devices"
	"modbus-edge-gateway/pkg/events"
	"modbus-edge-gateway/pkg/health"
	"modbus-edge-gateway/pkg/logger"
	"modbus-edge-gateway/pkg/metrics"
	"modbus-edge-gateway/pkg/modbus"
	"modbus-edge-gateway/pkg/mqtt"
	"modbus-edge-gateway/pkg/polling"
	"modbus-edge-gateway/pkg/storage"
	"modbus-edge-gateway/pkg/ws"
)

// retentionSweepInterval paces the database retention worker
const retentionSweepInterval = 6 * time.Hour

// Application wires the gateway components together
type Application struct {
	config    *config.Config
	store     *storage.Store
	events    *events.Bus
	master    *modbus.Master
	manager   *devices.Manager
	engine    *alerts.Engine
	poller    *polling.Service
	monitor   *health.Monitor
	hub       *ws.Hub
	bridge    *mqtt.Bridge
	collector *metrics.Collector
	server    *api.Server

	cancel context.CancelFunc
}

// NewApplication loads configuration and builds every component
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}

	logger.Init(&cfg.Logging)
	logger.LogStartup("🔧 Logging initialized with level: %s", cfg.Logging.Level)

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	evbus := events.NewBus(events.DefaultQueueSize)
	master := modbus.NewMaster(&cfg.Modbus)
	manager := devices.NewManager(master, &cfg.Modbus, store, evbus)
	engine := alerts.NewEngine(store, evbus)
	monitor := health.NewMonitor()

	engine.SetDeviceSource(func() []alerts.DeviceState {
		snapshot := manager.Snapshot()
		states := make([]alerts.DeviceState, 0, len(snapshot))
		for _, d := range snapshot {
			states = append(states, alerts.DeviceState{
				UnitID: d.UnitID, Status: d.Status, LastSeen: d.LastSeen,
			})
		}
		return states
	})

	poller := polling.NewService(master, &cfg.Polling, &cfg.Modbus, manager, store, engine, evbus)
	poller.SetHealthMonitor(monitor)

	hub := ws.NewHub(evbus)

	var bridge *mqtt.Bridge
	if cfg.MQTT.Host != "" {
		bridge = mqtt.NewBridge(&cfg.MQTT, evbus)
		bridge.SetInventorySource(func() (interface{}, []int) {
			snapshot := manager.Snapshot()
			var online []int
			for _, d := range snapshot {
				if d.Status == devices.StatusOnline {
					online = append(online, d.UnitID)
				}
			}
			doc := map[string]interface{}{
				"gateway": map[string]interface{}{
					"port":      cfg.Modbus.Port,
					"baud_rate": cfg.Modbus.BaudRate,
				},
				"devices": snapshot,
			}
			return doc, online
		})
	}

	collector := metrics.NewCollector()
	collector.SetBusStats(master.Stats)
	collector.SetDeviceCounts(
		func() int { return len(manager.Snapshot()) },
		func() int {
			online := 0
			for _, d := range manager.Snapshot() {
				if d.Status == devices.StatusOnline {
					online++
				}
			}
			return online
		},
	)
	collector.SetWSClients(hub.ClientCount)
	collector.SetActiveAlerts(engine.ActiveCount)
	collector.SetPolling(func() uint64 { return poller.Status().Cycles }, poller.Running)

	server := api.NewServer(cfg, api.Deps{
		Bus:       master,
		Manager:   manager,
		Poller:    poller,
		Engine:    engine,
		Store:     store,
		Hub:       hub,
		Bridge:    bridge,
		Monitor:   monitor,
		Collector: collector,
	})

	return &Application{
		config:    cfg,
		store:     store,
		events:    evbus,
		master:    master,
		manager:   manager,
		engine:    engine,
		poller:    poller,
		monitor:   monitor,
		hub:       hub,
		bridge:    bridge,
		collector: collector,
		server:    server,
	}, nil
}

// Start brings the gateway up: bus worker, cached devices, alert state,
// event fan-out, broker bridge, HTTP front and optionally the poll loop
func (app *Application) Start(ctx context.Context) error {
	logger.LogInfo("🚀 Starting Modbus edge gateway...")

	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	go app.master.Run(runCtx)

	persisted, err := app.store.ListDevices()
	if err != nil {
		return fmt.Errorf("error restoring devices: %w", err)
	}
	app.manager.Restore(persisted)

	if err := app.engine.Restore(); err != nil {
		return fmt.Errorf("error restoring alerts: %w", err)
	}

	go app.hub.Run(runCtx)
	go app.engine.RunWatcher(runCtx)
	go app.retentionLoop(runCtx)

	if app.bridge != nil {
		go func() {
			if err := app.bridge.Connect(runCtx); err != nil {
				logger.LogError("❌ MQTT bridge gave up: %v", err)
				return
			}
			app.bridge.Run(runCtx)
		}()
	}

	go func() {
		if err := app.server.Start(); err != nil {
			logger.LogError("❌ HTTP server error: %v", err)
		}
	}()

	if app.config.Polling.AutoStart {
		if err := app.poller.Start(nil, 0); err != nil {
			logger.LogWarn("Polling autostart failed: %v", err)
		}
	}

	logger.LogInfo("✅ Gateway started on %s (%s @ %d baud)",
		app.config.HTTP.Addr(), app.config.Modbus.Port, app.config.Modbus.BaudRate)
	return nil
}

// Stop shuts the gateway down in dependency order: HTTP first so no new
// work arrives, then the poll loop, then everything ctx-driven, the
// broker session and finally the database.
func (app *Application) Stop() {
	logger.LogInfo("🛑 Stopping gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.LogWarn("HTTP shutdown: %v", err)
	}
	if app.poller.Running() {
		if err := app.poller.Stop(); err != nil {
			logger.LogWarn("Polling stop: %v", err)
		}
	}

	if app.cancel != nil {
		app.cancel()
	}

	if app.bridge != nil {
		app.bridge.Disconnect()
	}
	if err := app.store.Close(); err != nil {
		logger.LogWarn("Database close: %v", err)
	}

	logger.LogInfo("✅ Gateway stopped")
}

// retentionLoop prunes measurements older than the retention window
func (app *Application) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -app.config.Database.RetentionDays)
			if _, err := app.store.CleanupOlderThan(cutoff); err != nil {
				logger.LogWarn("Retention cleanup failed: %v", err)
			}
		}
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	configPath := ""
	for _, arg := range os.Args[1:] {
		if arg == "--help" || arg == "-h" {
			fmt.Printf("Usage: %s [config_path]\n", os.Args[0])
			fmt.Printf("  config_path: Path to configuration file (optional)\n")
			return
		}
		configPath = arg
	}

	app, err := NewApplication(configPath)
	if err != nil {
		logger.LogError("Application creation error: %v", err)
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		logger.LogError("Application start error: %v", err)
		app.Stop()
		os.Exit(1)
	}

	<-sigChan
	logger.LogInfo("📢 Stop signal received...")
	app.Stop()
}
