// Package main is the entry point for novabus: the native-program
// message bus. Shaped like the teacher's cmd/thane/main.go — stdlib
// flag, subcommand dispatch, log/slog setup, os/signal.Notify for
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/kernelkit/novabus/internal/audit"
	"github.com/kernelkit/novabus/internal/buildinfo"
	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/bus/wire"
	"github.com/kernelkit/novabus/internal/config"
	"github.com/kernelkit/novabus/internal/debugserver"
	"github.com/kernelkit/novabus/internal/programs/fsprog"
	"github.com/kernelkit/novabus/internal/programs/mqttbridge"
	"github.com/kernelkit/novabus/internal/programs/registry"
	"github.com/kernelkit/novabus/internal/programs/tcpprog"
	"github.com/kernelkit/novabus/internal/programs/ticker"
	"github.com/kernelkit/novabus/internal/telemetry"

	_ "github.com/mattn/go-sqlite3"
)

// Reserved Pids for the native programs novabus itself wires up. A real
// kernel assigns Pids to guest processes at spawn time; these constants
// stand in for "the kernel's own native services" since nothing in this
// repository plays the role of an actual guest-spawning kernel (see
// spec.md §1's list of external collaborators).
const (
	pidTCP = bus.Pid(iota + 1)
	pidFS
	pidRegistry
	pidMQTT
	pidTicker
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	// A non-terminal destination (container logs, systemd journal) gets
	// a source-less handler tuned for log aggregation; an interactive
	// terminal gets source locations for local debugging.
	if isatty.IsTerminal(os.Stdout.Fd()) {
		opts.AddSource = true
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func main() {
	logger := newLogger()
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "registry":
		runRegistry(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("novabus - native-program message bus")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Run the bus dispatch loop with the configured native programs")
	fmt.Println("  registry   Print the interface registry table")
	fmt.Println("  version    Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, explicit string) *config.Config {
	path, err := config.FindConfig(explicit)
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	logger.Info("loaded config", "path", path)
	return cfg
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) *registry.Program {
	reg := registry.New()
	reg.Add("novabus.interface-registration/v1", "Reserved interface used to claim ownership of another interface.")
	if cfg.TCP.Enabled {
		reg.Add("novabus.tcp.accepted/v1", "Emitted for every newly accepted TCP connection.")
		reg.Add("novabus.tcp.write/v1", "Write bytes out a TCP connection by its correlator MessageId.")
	}
	if cfg.FS.Enabled {
		reg.Add("novabus.fs/v1", "Read, write, and stat files rooted under a configured directory.")
	}
	reg.Add("novabus.registry/v1", "Look up an interface's 32-byte hash by its human-readable name.")
	if cfg.MQTT.Enabled {
		reg.Add("novabus.mqtt.publish/v1", "Mirror an inbound message body onto a configured MQTT topic.")
	}
	if cfg.Ticker.Enabled {
		reg.Add("novabus.ticker/v1", "Periodic heartbeat, no response expected.")
	}
	if cfg.Registry.Dir != "" {
		if errs, err := reg.LoadDir(cfg.Registry.Dir); err != nil {
			logger.Warn("registry: failed to load directory", "dir", cfg.Registry.Dir, "error", err)
		} else {
			for _, e := range errs {
				logger.Warn("registry: skipped malformed entry", "error", e)
			}
		}
	}
	return reg
}

func runRegistry(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)
	reg := buildRegistry(cfg, logger)
	for _, e := range reg.Entries() {
		fmt.Printf("%-40s %s\n", e.Name, e.Hash)
	}
}

func runServe(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	coll := bus.NewCollection()
	tel := telemetry.New()

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			logger.Error("failed to open audit store", "path", cfg.Audit.Path, "error", err)
			os.Exit(1)
		}
		defer store.Close()
		auditStore = store
	}

	var reg *registry.Program
	if cfg.Registry.Enabled {
		reg = buildRegistry(cfg, logger)
		if err := coll.Add(pidRegistry, reg); err != nil {
			logger.Error("failed to add registry program", "error", err)
			os.Exit(1)
		}
	}

	if cfg.FS.Enabled {
		if err := os.MkdirAll(cfg.FS.Root, 0o755); err != nil {
			logger.Error("failed to create fsprog root", "dir", cfg.FS.Root, "error", err)
			os.Exit(1)
		}
		if err := coll.Add(pidFS, fsprog.New(cfg.FS.Root)); err != nil {
			logger.Error("failed to add fsprog", "error", err)
			os.Exit(1)
		}
	}

	var tcpProg *tcpprog.Program
	if cfg.TCP.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.TCP.Address, cfg.TCP.Port)
		var err error
		tcpProg, err = tcpprog.Listen(addr, cfg.TCP.MaxConnections, logger)
		if err != nil {
			logger.Error("failed to start tcpprog", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer tcpProg.Close()
		if err := coll.Add(pidTCP, tcpProg); err != nil {
			logger.Error("failed to add tcpprog", "error", err)
			os.Exit(1)
		}
		logger.Info("tcpprog listening", "addr", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mqttProg *mqttbridge.Program
	if cfg.MQTT.Enabled {
		mqttProg = mqttbridge.New(mqttbridge.Config{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Device: mqttbridge.DeviceInfo{
				Identifiers:  []string{cfg.MQTT.ClientID},
				Name:         "novabus",
				Manufacturer: "kernelkit",
				Model:        "novabus",
				SWVersion:    buildinfo.Version,
			},
		}, logger, nil)
		if err := mqttProg.Start(ctx); err != nil {
			logger.Error("failed to start mqttbridge", "error", err)
			os.Exit(1)
		}
		defer mqttProg.Stop(context.Background())
		if err := coll.Add(pidMQTT, mqttProg); err != nil {
			logger.Error("failed to add mqttbridge", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Ticker.Enabled {
		tick := ticker.New(cfg.Ticker.Interval)
		defer tick.Stop()
		if err := coll.Add(pidTicker, tick); err != nil {
			logger.Error("failed to add ticker", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Debug.Enabled {
		dbg := debugserver.NewServer(cfg.Debug.Address, cfg.Debug.Port, debugserver.Deps{
			Collection:  coll,
			Registry:    reg,
			Audit:       auditStore,
			Telemetry:   tel,
			EmitQRCodes: cfg.Registry.EmitQRCodes,
		}, logger)
		go func() {
			if err := dbg.Start(); err != nil && ctx.Err() == nil {
				logger.Error("debug server failed", "error", err)
			}
		}()
		defer dbg.Shutdown(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("novabus dispatch loop starting")
	dispatchLoop(ctx, coll, tel, auditStore, logger)
	logger.Info("novabus stopped")
}

// dispatchLoop drives the collection until ctx is cancelled, mirroring
// spec.md's documented role of "one logical driver" that calls
// NextEvent and consumes its result before the next call. It has no
// real guest-facing kernel behind it (out of scope per spec.md §1); it
// only records telemetry and audit entries for each event it observes.
func dispatchLoop(ctx context.Context, coll *bus.Collection, tel *telemetry.Bus, auditStore *audit.Store, logger *slog.Logger) {
	for {
		event, err := coll.NextEvent(ctx)
		if err != nil {
			return
		}

		switch event.Kind {
		case bus.EventEmit:
			iface := event.Interface
			tel.Publish(telemetry.Event{
				Timestamp: time.Now(),
				Direction: telemetry.DirEmit,
				Pid:       event.EmitterPid,
				Interface: &iface,
			})
			logger.Debug("bus emit", "pid", event.EmitterPid, "interface", event.Interface, "needs_answer", event.IdWrite != nil)
		case bus.EventAnswer:
			id := event.MessageId
			tel.Publish(telemetry.Event{
				Timestamp: time.Now(),
				Direction: telemetry.DirInterfaceMessage,
				Pid:       event.EmitterPid,
				MessageId: &id,
			})
		case bus.EventCancelMessage:
			logger.Debug("bus cancel", "pid", event.EmitterPid, "message_id", event.MessageId)
		}

		if auditStore != nil {
			if event.Kind == bus.EventEmit && event.Interface == wire.RegistrationInterface {
				if registered, err := wire.DecodeRegister(event.Message); err == nil {
					_ = auditStore.RecordRegistration(event.EmitterPid, registered)
				}
			}
		}
	}
}
