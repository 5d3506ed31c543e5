// Package simulator provides an in-process vehicle that speaks the device
// side of the BLE control protocol. It implements ble.Adapter so the full
// transport and bridge can run without a radio.
package simulator

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/vehicle-ble-bridge/internal/ble/protocol"
)

// Config describes one simulated vehicle and the credentials it accepts.
type Config struct {
	Name            string
	MAC             string
	RSSI            int
	BLEKey          string
	IMEI            string
	SecretKey       string
	OperatorCode    string
	FirmwareVersion string
	// ResponseDelay is applied before every frame the vehicle sends.
	ResponseDelay time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Vehicle is a simulated scooter. It accepts one central at a time.
type Vehicle struct {
	cfg Config

	mu           sync.Mutex
	info         protocol.VehicleInfo
	iot          protocol.IotInfo
	rejectAuth   bool
	unresponsive bool
	commands     []protocol.Opcode
	connects     int
	active       *connection
}

// NewVehicle creates a locked vehicle with a mostly charged battery.
func NewVehicle(cfg Config) *Vehicle {
	cfg.MAC = strings.ToUpper(cfg.MAC)
	if cfg.Name == "" {
		cfg.Name = "Scooter-" + strings.ReplaceAll(cfg.MAC, ":", "")
	}
	if cfg.FirmwareVersion == "" {
		cfg.FirmwareVersion = "1.0.0"
	}
	if cfg.RSSI == 0 {
		cfg.RSSI = -60
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Vehicle{
		cfg: cfg,
		info: protocol.VehicleInfo{
			BatteryPercent:    80,
			Locked:            true,
			MileageMeters:     1000,
			VoltageMillivolts: 48000,
		},
		iot: protocol.IotInfo{
			IMEI:            cfg.IMEI,
			FirmwareVersion: cfg.FirmwareVersion,
			SignalStrength:  20,
			Online:          true,
		},
	}
}

// MAC returns the vehicle's normalized address.
func (v *Vehicle) MAC() string { return v.cfg.MAC }

// SetRejectAuth makes the vehicle refuse the auth step even with valid keys.
func (v *Vehicle) SetRejectAuth(reject bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectAuth = reject
}

// SetUnresponsive makes the vehicle silently ignore commands and queries
// after authentication, so callers hit their timeouts.
func (v *Vehicle) SetUnresponsive(unresponsive bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.unresponsive = unresponsive
}

// SetVehicleInfo replaces the reported body state.
func (v *Vehicle) SetVehicleInfo(info protocol.VehicleInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.info = info
}

// VehicleInfo returns the current body state.
func (v *Vehicle) VehicleInfo() protocol.VehicleInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info
}

// Commands returns the actuation commands executed so far, in order.
func (v *Vehicle) Commands() []protocol.Opcode {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]protocol.Opcode, len(v.commands))
	copy(out, v.commands)
	return out
}

// Connects returns how many connections the vehicle has accepted.
func (v *Vehicle) Connects() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connects
}

// Connected reports whether a central currently holds the link.
func (v *Vehicle) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active != nil
}

// DropLink simulates radio loss on the active connection. It reports
// whether there was a connection to drop.
func (v *Vehicle) DropLink() bool {
	v.mu.Lock()
	c := v.active
	v.mu.Unlock()
	if c == nil {
		return false
	}
	v.cfg.Logger.Debug("[SIM] dropping link", "mac", v.cfg.MAC)
	c.close()
	return true
}

// PushVehicleInfo sends an unsolicited telemetry frame to an authenticated
// central. It reports whether a frame was sent.
func (v *Vehicle) PushVehicleInfo() bool {
	v.mu.Lock()
	c := v.active
	data := protocol.MarshalVehicleInfo(v.info)
	v.mu.Unlock()
	if c == nil || !c.isAuthed() {
		return false
	}
	c.reply(protocol.Response{Kind: protocol.KindVehicleInfo, Status: protocol.StatusOK, Data: data})
	return true
}

// apply executes an actuation command against the body state.
func (v *Vehicle) apply(op protocol.Opcode) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch op {
	case protocol.OpUnlock:
		v.info.Locked = false
	case protocol.OpLock:
		v.info.Locked = true
	case protocol.OpOpenBatteryCover:
		v.info.BatteryCoverOpen = true
	case protocol.OpOpenSaddle:
		v.info.SaddleOpen = true
	case protocol.OpOpenTailBox:
		v.info.TailBoxOpen = true
	default:
		return false
	}
	v.commands = append(v.commands, op)
	return true
}

func (v *Vehicle) flags() (rejectAuth, unresponsive bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rejectAuth, v.unresponsive
}

func (v *Vehicle) snapshot() (protocol.VehicleInfo, protocol.IotInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info, v.iot
}

func (v *Vehicle) release(c *connection) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == c {
		v.active = nil
	}
}
