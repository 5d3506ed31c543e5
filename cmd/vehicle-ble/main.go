// Command vehicle-ble drives one BLE vehicle from the command line.
//
// Usage:
//
//	vehicle-ble [-config path] [-simulate] [-debug] <command>
//
// Commands:
//
//	scan          list vehicles advertising the control service
//	unlock        unlock the vehicle
//	lock          lock the vehicle
//	open-battery  release the battery cover
//	open-saddle   release the saddle
//	open-tailbox  release the tail box
//	info          query vehicle telemetry
//	iot           query IoT module status
//	watch         stay connected and print events until interrupted
//	constants     print supported events and the module name
//	init-config   write a default config file
//
// Every bridge event is printed to stdout as one JSON object per line.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/vehicle-ble-bridge/internal/ble"
	"github.com/chaz8081/vehicle-ble-bridge/internal/ble/simulator"
	"github.com/chaz8081/vehicle-ble-bridge/internal/bridge"
	"github.com/chaz8081/vehicle-ble-bridge/internal/config"
)

// Credentials the simulated vehicle accepts when the config names none.
const (
	simSecretKey    = "k1"
	simOperatorCode = "op1"
	simMAC          = "AA:BB:CC:DD:EE:FF"
	simBLEKey       = "bk1"
	simIMEI         = "imei1"
)

var commands = map[string]func(*bridge.Bridge) bool{
	"unlock":       (*bridge.Bridge).UnLock,
	"lock":         (*bridge.Bridge).Lock,
	"open-battery": (*bridge.Bridge).OpenBatteryCover,
	"open-saddle":  (*bridge.Bridge).OpenSaddle,
	"open-tailbox": (*bridge.Bridge).OpenTailBox,
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/vehicle-ble/config.yaml)")
	simulate := flag.Bool("simulate", false, "talk to an in-process simulated vehicle instead of the radio")
	debug := flag.Bool("debug", false, "enable debug logging (overrides log_level)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <command>\n\nflags:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintln(flag.CommandLine.Output(), "\ncommands: scan unlock lock open-battery open-saddle open-tailbox info iot watch constants init-config")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	if command == "init-config" {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init-config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	level := new(slog.LevelVar)
	level.Set(config.ParseLogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var adapter ble.Adapter
	if *simulate {
		applySimDefaults(cfg)
		adapter = newSimAdapter(cfg, logger)
	} else {
		adapter = ble.NewTinyGoAdapter()
	}

	switch command {
	case "scan":
		err = scan(adapter, cfg)
	case "constants":
		err = printJSON(bridge.New(nil, bridge.Options{Logger: logger}).Constants())
	default:
		err = run(adapter, cfg, logger, level, command)
	}
	if err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	cfg := config.Default()
	if err := cfg.ResolveSecret(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applySimDefaults(cfg *config.Config) {
	if cfg.SecretKey == "" {
		cfg.SecretKey = simSecretKey
	}
	if cfg.OperatorCode == "" {
		cfg.OperatorCode = simOperatorCode
	}
	if cfg.Device.BLEMac == "" {
		cfg.Device.BLEMac = simMAC
	}
	if cfg.Device.BLEKey == "" {
		cfg.Device.BLEKey = simBLEKey
	}
	if cfg.Device.IotIMEI == "" {
		cfg.Device.IotIMEI = simIMEI
	}
}

func newSimAdapter(cfg *config.Config, logger *slog.Logger) *simulator.Adapter {
	v := simulator.NewVehicle(simulator.Config{
		MAC:           cfg.Device.BLEMac,
		BLEKey:        cfg.Device.BLEKey,
		IMEI:          cfg.Device.IotIMEI,
		SecretKey:     cfg.SecretKey,
		OperatorCode:  cfg.OperatorCode,
		ResponseDelay: 20 * time.Millisecond,
		Logger:        logger,
	})
	return simulator.NewAdapter(v)
}

func scan(adapter ble.Adapter, cfg *config.Config) error {
	log.Printf("Scanning for %s...", cfg.Timeouts.Scan)
	devices, err := ble.ScanForVehicles(adapter, cfg.Timeouts.Scan)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		log.Println("No vehicles found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-20s %-24s %d dBm\n", d.MAC, d.Name, d.RSSI)
	}
	return nil
}

func run(adapter ble.Adapter, cfg *config.Config, logger *slog.Logger, level *slog.LevelVar, command string) error {
	var want string
	switch command {
	case "info":
		want = bridge.EventVehicleInformationReceived
	case "iot":
		want = bridge.EventIotInformationReceived
	case "watch":
	default:
		if _, ok := commands[command]; !ok {
			return fmt.Errorf("unknown command %q", command)
		}
	}

	if err := cfg.ValidateDevice(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	dialer := ble.NewDialer(adapter, ble.Options{
		MTU:                cfg.Transport.MTU,
		InterFragmentDelay: cfg.Transport.InterFragmentDelay,
		Logger:             logger,
	})
	b := bridge.New(bridge.NewBLETransport(dialer), bridge.Options{
		ConnectTimeout:  cfg.Timeouts.Connect,
		CommandTimeout:  cfg.Timeouts.Command,
		EventBuffer:     cfg.Events.Buffer,
		BreakerFailures: cfg.Guard.BreakerFailures,
		BreakerCooldown: cfg.Guard.BreakerCooldown,
		QueryInterval:   cfg.Guard.QueryInterval,
		QueryBurst:      cfg.Guard.QueryBurst,
		Logger:          logger,
		Level:           level,
	})
	for _, eventType := range bridge.SupportedEvents() {
		b.AddListener(eventType)
	}

	got := make(chan string, 1)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		enc := json.NewEncoder(os.Stdout)
		for ev := range b.Events() {
			if err := enc.Encode(ev); err != nil {
				log.Printf("ERROR: encoding event: %v", err)
			}
			if ev.Type == want || (want != "" && ev.Type == bridge.EventCommandFailed) {
				select {
				case got <- ev.Type:
				default:
				}
			}
		}
	}()
	defer func() {
		b.Close()
		<-printed
	}()

	b.Init(cfg.SecretKey, cfg.OperatorCode, cfg.Debug)
	if !b.Connect(cfg.Device.BLEMac, cfg.Device.BLEKey, cfg.Device.IotIMEI) {
		return errors.New("connect failed")
	}

	switch command {
	case "info", "iot":
		if command == "info" {
			b.QueryVehicleInformation()
		} else {
			b.QueryIotInformation()
		}
		select {
		case eventType := <-got:
			if eventType == bridge.EventCommandFailed {
				return errors.New("query failed")
			}
		case <-time.After(cfg.Timeouts.Command):
			return errors.New("no telemetry received")
		}
	case "watch":
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		log.Println("Connected. Ctrl+C to quit.")
		for b.State() == bridge.StateConnected {
			select {
			case sig := <-sigCh:
				log.Printf("Received %s, disconnecting...", sig)
				return nil
			case <-time.After(time.Second):
			}
		}
		return errors.New("link lost")
	default:
		if !commands[command](b) {
			return errors.New("command failed")
		}
	}

	b.Disconnect()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
