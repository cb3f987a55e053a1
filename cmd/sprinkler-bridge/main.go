package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-bridge/db"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/accessory"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/api"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/config"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/controllers/failsafecontroller"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/controllers/irrigationcontroller"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/datadog"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/logging"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/notifications"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/opensprinkler"
	"github.com/thatsimonsguy/sprinkler-bridge/system/shutdown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Refusing to start with invalid configuration")
	}

	logCloser, err := logging.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logging")
	}

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("host", cfg.Host).
		Int("valves", len(cfg.Valves)).
		Msg("Starting sprinkler bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var steps shutdown.Sequence
	fail := func(err error, msg string) {
		shutdown.ShutdownWithError(err, msg, append(steps, shutdown.Step{Name: "logging", Fn: logCloser.Close}))
	}

	client, err := opensprinkler.NewClient(opensprinkler.Options{
		Host:         cfg.Host,
		PasswordHash: cfg.PasswordHash(),
		Timeout:      cfg.RequestTimeout(),
		DeviceID:     cfg.DeviceID,
	})
	if err != nil {
		fail(err, "Failed to create OpenSprinkler client")
	}

	supported, err := client.CheckSupport(ctx)
	if err != nil {
		fail(err, "Failed to read controller firmware")
	}
	if !supported {
		log.Warn().
			Str("minimum", opensprinkler.FormatFirmware(opensprinkler.MinSupportedFirmware)).
			Msg("Controller firmware is not supported")
		fail(errUnsupportedFirmware, "Refusing to start")
	}

	info, err := client.Info(ctx)
	if err != nil {
		fail(err, "Failed to read controller info")
	}
	log.Info().
		Str("firmware", info.FirmwareVersion).
		Str("hardware", info.HardwareVersion).
		Str("identifier", info.DeviceIdentifier).
		Msg("Connected to OpenSprinkler")

	dbConn, err := db.Open(cfg.DBPath)
	if err != nil {
		fail(err, "Failed to open database")
	}
	steps = append(steps, shutdown.Step{Name: "database", Fn: dbConn.Close})

	durations, err := db.GetValveDurations(dbConn)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load saved durations, using configured defaults")
	}

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(context.Background())

	recorder := db.NewEventRecorder(dbConn, db.DefaultHistoryKeep)
	listeners := irrigationcontroller.Listeners{recorder}
	goRun(&wg, func() { recorder.Run(runCtx) })

	if cfg.EnableDatadog {
		dd, err := datadog.New(cfg.DDAgentAddr, cfg.DDNamespace, cfg.DDTags)
		if err != nil {
			log.Warn().Err(err).Msg("Datadog disabled")
		} else {
			listeners = append(listeners, dd)
			steps = append(steps, shutdown.Step{Name: "datadog", Fn: dd.Close})
		}
	}

	notifier := notifications.New("", cfg.NtfyTopic)
	if notifier != nil && cfg.RainDelayEnabled() {
		listeners = append(listeners, notifications.RainDelayAlerts{Notifier: notifier})
	}
	var alerts failsafecontroller.Notifier
	if notifier != nil {
		alerts = notifier
	}
	watchdog := failsafecontroller.New(alerts, cfg.OfflineAlertAfter())
	listeners = append(listeners, watchdog)

	var bridge *accessory.Bridge
	if cfg.MQTT.Broker != "" {
		accInfo := accessory.NewInfo(info)
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = "sprinkler-bridge-" + accInfo.AccessoryID[:8]
		}
		base := accessory.BaseTopic(cfg.MQTT.TopicPrefix, accInfo.AccessoryID)
		pub, err := accessory.NewRealPublisher(cfg.MQTT.Broker, clientID, accessory.AvailabilityTopic(base))
		if err != nil {
			fail(err, "Failed to connect to MQTT broker")
		}
		steps = append(shutdown.Sequence{{Name: "mqtt", Fn: pub.Close}}, steps...)

		names := make([]string, 0, len(cfg.Valves))
		for _, v := range cfg.Valves {
			names = append(names, v.Name)
		}
		var n accessory.Notifier
		if notifier != nil {
			n = notifier
		}
		bridge = accessory.NewBridge(pub, cfg.MQTT.TopicPrefix, accInfo, names, n)
		listeners = append(listeners, bridge)
	}

	controller, err := irrigationcontroller.New(client, listeners, irrigationcontroller.Settings{
		Valves:         cfg.Valves,
		Durations:      durations,
		PollInterval:   cfg.PollInterval(),
		RequestTimeout: cfg.RequestTimeout(),
		CommandGrace:   cfg.CommandGrace(),
		RainDelayHours: cfg.RainDelayHours,
		Store:          db.DurationStore{DB: dbConn},
	})
	if err != nil {
		fail(err, "Failed to create irrigation controller")
	}

	goRun(&wg, func() { controller.Run(runCtx) })
	if bridge != nil {
		goRun(&wg, func() {
			if err := bridge.Run(runCtx, controller); err != nil {
				log.Error().Err(err).Msg("Accessory bridge stopped")
			}
		})
	}

	var server *api.Server
	if cfg.APIPort > 0 {
		server = api.NewServer(controller, dbConn)
		goRun(&wg, func() {
			if err := server.Start(cfg.APIPort); err != nil {
				log.Error().Err(err).Msg("REST API server stopped")
			}
		})
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	steps = append(shutdown.Sequence{
		{Name: "api", Fn: func() error { return stopServer(server) }},
		{Name: "workers", Fn: func() error {
			cancel()
			wg.Wait()
			watchdog.Wait()
			return nil
		}},
	}, steps...)
	steps = append(steps, shutdown.Step{Name: "logging", Fn: logCloser.Close})
	if err := steps.Run(); err != nil {
		os.Exit(1)
	}
}

var errUnsupportedFirmware = errors.New("controller firmware is older than 2.1.6")

func goRun(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

func stopServer(server *api.Server) error {
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
