// Command test-bridge is a manual end-to-end run of the bridge against the
// in-process simulated vehicle. It connects, fires a burst of concurrent
// commands, queries telemetry, drops the link and prints every event.
//
// Usage:
//
//	go run ./cmd/test-bridge [--delay 50ms] [--debug]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/vehicle-ble-bridge/internal/ble"
	"github.com/chaz8081/vehicle-ble-bridge/internal/ble/simulator"
	"github.com/chaz8081/vehicle-ble-bridge/internal/bridge"
)

func main() {
	delay := flag.Duration("delay", 50*time.Millisecond, "simulated vehicle response delay")
	debug := flag.Bool("debug", false, "log frames at debug level")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	vehicle := simulator.NewVehicle(simulator.Config{
		MAC:           "AA:BB:CC:DD:EE:FF",
		BLEKey:        "bk1",
		IMEI:          "imei1",
		SecretKey:     "k1",
		OperatorCode:  "op1",
		ResponseDelay: *delay,
		Logger:        logger,
	})
	dialer := ble.NewDialer(simulator.NewAdapter(vehicle), ble.Options{Logger: logger})
	b := bridge.New(bridge.NewBLETransport(dialer), bridge.Options{
		CommandTimeout: 2 * time.Second,
		Logger:         logger,
		Level:          level,
	})
	for _, eventType := range b.Constants().SupportedEvents {
		b.AddListener(eventType)
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range b.Events() {
			fmt.Printf("  event %-30s %+v\n", ev.Type, ev.Payload)
		}
	}()

	step := func(name string, ok bool) {
		fmt.Printf("%-28s -> %v\n", name, ok)
	}

	b.Init("k1", "op1", *debug)
	step("lock before connect", b.Lock())
	step("connect", b.Connect("AA:BB:CC:DD:EE:FF", "bk1", "imei1"))
	step("connect again (same mac)", b.Connect("AA:BB:CC:DD:EE:FF", "bk1", "imei1"))
	step("connect other mac", b.Connect("11:22:33:44:55:66", "bk2", "imei2"))

	// Commands issued together still reach the vehicle one at a time.
	var g errgroup.Group
	burst := []func() bool{b.UnLock, b.OpenSaddle, b.OpenTailBox, b.OpenBatteryCover}
	results := make([]bool, len(burst))
	for i, cmd := range burst {
		i, cmd := i, cmd
		g.Go(func() error {
			results[i] = cmd()
			return nil
		})
	}
	_ = g.Wait()
	step("concurrent command burst", allTrue(results))
	fmt.Printf("  vehicle saw %v\n", vehicle.Commands())

	b.QueryVehicleInformation()
	b.QueryIotInformation()
	time.Sleep(4 * *delay)

	step("lock", b.Lock())
	step("drop link", vehicle.DropLink())
	time.Sleep(*delay)
	step("lock after link loss", b.Lock())
	step("reconnect", b.Connect("AA:BB:CC:DD:EE:FF", "bk1", "imei1"))
	step("disconnect", b.Disconnect())
	step("disconnect again", b.Disconnect())

	b.RemoveListeners(100)
	b.Close()
	<-printed
	fmt.Println("\nDone!")
}

func allTrue(results []bool) bool {
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}
