// Package main is the entry point for sentryd, the home-security rules
// daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/sentryd/internal/actionlog"
	"github.com/nugget/sentryd/internal/actions"
	"github.com/nugget/sentryd/internal/alarmservice"
	"github.com/nugget/sentryd/internal/alarmstate"
	"github.com/nugget/sentryd/internal/api"
	"github.com/nugget/sentryd/internal/broadcast"
	"github.com/nugget/sentryd/internal/buildinfo"
	"github.com/nugget/sentryd/internal/config"
	"github.com/nugget/sentryd/internal/connwatch"
	"github.com/nugget/sentryd/internal/detectionstore"
	"github.com/nugget/sentryd/internal/dispatcher"
	"github.com/nugget/sentryd/internal/entitystore"
	"github.com/nugget/sentryd/internal/gateways"
	"github.com/nugget/sentryd/internal/hagateway"
	"github.com/nugget/sentryd/internal/ingest"
	"github.com/nugget/sentryd/internal/keypad"
	"github.com/nugget/sentryd/internal/mqttgateway"
	"github.com/nugget/sentryd/internal/model"
	"github.com/nugget/sentryd/internal/notify"
	"github.com/nugget/sentryd/internal/opstate"
	"github.com/nugget/sentryd/internal/ruleindex"
	"github.com/nugget/sentryd/internal/rulesengine"
	"github.com/nugget/sentryd/internal/rulestats"
	"github.com/nugget/sentryd/internal/rulestore"
	"github.com/nugget/sentryd/internal/runtimeconfig"
	"github.com/nugget/sentryd/internal/runtimestore"
	"github.com/nugget/sentryd/internal/zwavejsgateway"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	if err := run(logger, *configPath); err != nil {
		logger.Error("sentryd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	logger.Info("starting sentryd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level in config: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := func(name string) string { return filepath.Join(cfg.DataDir, name) }

	entities, err := entitystore.NewStore(dbPath("entities.db"))
	if err != nil {
		return fmt.Errorf("entitystore: %w", err)
	}
	defer entities.Close()

	detections, err := detectionstore.NewStore(dbPath("detections.db"))
	if err != nil {
		return fmt.Errorf("detectionstore: %w", err)
	}
	defer detections.Close()

	runtime, err := runtimestore.NewStore(dbPath("runtime.db"))
	if err != nil {
		return fmt.Errorf("runtimestore: %w", err)
	}
	defer runtime.Close()

	rules, err := rulestore.NewStore(dbPath("rules.db"))
	if err != nil {
		return fmt.Errorf("rulestore: %w", err)
	}
	defer rules.Close()

	logs, err := actionlog.NewStore(dbPath("actionlog.db"))
	if err != nil {
		return fmt.Errorf("actionlog: %w", err)
	}
	defer logs.Close()

	alarm, err := alarmstate.NewStore(dbPath("alarmstate.db"))
	if err != nil {
		return fmt.Errorf("alarmstate: %w", err)
	}
	defer alarm.Close()

	ops, err := opstate.NewStore(dbPath("opstate.db"))
	if err != nil {
		return fmt.Errorf("opstate: %w", err)
	}
	defer ops.Close()

	runtimeCfg, err := runtimeconfig.Load(ops)
	if err != nil {
		return fmt.Errorf("runtimeconfig: %w", err)
	}

	alarmSvc := alarmservice.New(alarm)

	outbox, err := notify.NewOutbox(dbPath("notify.db"), logger)
	if err != nil {
		return fmt.Errorf("notify outbox: %w", err)
	}
	defer outbox.Close()

	if cfg.Webhook.Configured() {
		var signingKey []byte
		if cfg.Webhook.SigningKey != "" {
			signingKey = []byte(cfg.Webhook.SigningKey)
		}
		outbox.RegisterProvider("webhook", notify.NewWebhookProvider(cfg.Webhook.URL, signingKey))
		logger.Info("webhook notification provider registered", "url", cfg.Webhook.URL)
	} else {
		logger.Warn("no webhook configured - notifications will be enqueued but never delivered")
	}

	watchers := connwatch.NewManager(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ha *hagateway.Gateway
	if cfg.HomeAssistant.Configured() {
		ha = hagateway.New(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if err := ha.Connect(ctx); err != nil {
			logger.Error("home assistant connect failed, will rely on connwatch retries", "error", err)
		}
		defer ha.Close()
		watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:    "homeassistant",
			Probe:   func(ctx context.Context) error { return ha.Connect(ctx) },
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	} else {
		logger.Warn("home assistant not configured")
	}

	var mqtt *mqttgateway.Gateway
	if cfg.MQTT.Configured() {
		mqtt = mqttgateway.New(mqttgateway.Config{
			Broker:    cfg.MQTT.Broker,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			ClientID:  cfg.MQTT.ClientID,
			BaseTopic: cfg.MQTT.BaseTopic,
		}, logger)
		if err := mqtt.Start(ctx); err != nil {
			logger.Error("mqtt start failed, will rely on connwatch retries", "error", err)
		}
		defer mqtt.Stop(context.Background())
		watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:    "mqtt",
			Probe:   func(ctx context.Context) error { return mqtt.Start(ctx) },
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	} else {
		logger.Warn("mqtt not configured")
	}

	var zw *zwavejsgateway.Gateway
	if cfg.Zwavejs.Configured() {
		zw = zwavejsgateway.New(cfg.Zwavejs.URL, logger)
		if err := zw.Connect(ctx); err != nil {
			logger.Error("zwavejs connect failed, will rely on connwatch retries", "error", err)
		}
		defer zw.Close()
		watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:    "zwavejs",
			Probe:   func(ctx context.Context) error { return zw.Connect(ctx) },
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	} else {
		logger.Warn("zwavejs not configured")
	}

	if zw != nil {
		for _, kp := range cfg.Keypads {
			listener := keypad.NewListener(kp.NodeID, kp.ActionMap, alarmSvc, logger)
			go listener.Run(ctx, zw.Events())
			logger.Info("keypad listener started", "name", kp.Name, "node_id", kp.NodeID)
		}
	} else if len(cfg.Keypads) > 0 {
		logger.Warn("keypads configured but zwavejs is not - keypad listeners will not run")
	}

	go outbox.RunDrainLoop(ctx, 5*time.Second)

	registry := actions.DefaultRegistry()
	actionContext := gateways.ActionContext{
		Alarm:   alarmSvc,
		HA:      ha,
		Zigbee:  mqtt,
		Zwavejs: zw,
		Notify:  outbox,
	}
	engine := rulesengine.New(runtime, registry, actionContext)

	index := ruleindex.New(rules)
	stats := rulestats.New()
	bus := broadcast.New()

	disp := dispatcher.New(runtimeCfg.DispatcherConfig(), dispatcher.Deps{
		Rules:      rules,
		Index:      index,
		Entities:   entities,
		Alarm:      alarm,
		Detections: detections,
		Engine:     engine,
		Stats:      stats,
		ActionLog:  broadcastingActionLog{store: logs, bus: bus},
	})
	disp.Start()
	defer disp.Stop()

	if ha != nil {
		haIngest := ingest.NewHAIngestAdapter(ha, entities, disp, logger)
		go haIngest.Run(ctx)
	}
	if mqtt != nil {
		mqttIngest := ingest.NewMQTTIngestAdapter(mqtt, entities, detections, disp, logger)
		go mqttIngest.Run(ctx)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger)
	server.Rules = rules
	server.Runtime = runtime
	server.Dispatch = disp
	server.Config = runtimeCfg
	server.Entities = entitiesAndAlarm{entities: entities, alarm: alarm}
	server.Detections = detections
	server.Stats = stats
	server.Integrations = map[string]func() any{
		"mqtt": func() any {
			if mqtt == nil {
				return nil
			}
			return mqtt.Status()
		},
		"zwavejs": func() any {
			if zw == nil {
				return nil
			}
			return zw.GetStatus()
		},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		watchers.Stop()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("admin server failed: %w", err)
		}
	}

	logger.Info("sentryd stopped")
	return nil
}

// entitiesAndAlarm adapts entitystore.Store and alarmstate.Store into
// api.EntityContextSource's combined read surface.
type entitiesAndAlarm struct {
	entities *entitystore.Store
	alarm    *alarmstate.Store
}

func (e entitiesAndAlarm) StatesFor(entityIDs []string) (map[string]string, error) {
	return e.entities.StatesFor(entityIDs)
}

func (e entitiesAndAlarm) CurrentState() string {
	return e.alarm.CurrentState()
}

// broadcastingActionLog appends every fired rule's action log entry to
// persistent storage and republishes it on the broadcaster as a rule_fired
// message. No admin endpoint subscribes to the broadcaster.
type broadcastingActionLog struct {
	store *actionlog.Store
	bus   *broadcast.Broadcaster
}

func (b broadcastingActionLog) Append(entry *model.ActionLogEntry) error {
	if err := b.store.Append(entry); err != nil {
		return err
	}
	b.bus.Publish("rule_fired", entry.FiredAt, map[string]any{
		"rule_id":   entry.RuleID,
		"rule_name": entry.RuleName,
	})
	return nil
}
