package bridge

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// ModuleName identifies the bridge to host runtimes.
const ModuleName = "VehicleBleBridge"

// Event types delivered through Events.
const (
	EventConnectionStateChanged     = "connection-state-changed"
	EventVehicleInformationReceived = "vehicle-information-received"
	EventIotInformationReceived     = "iot-information-received"
	EventCommandFailed              = "command-failed"
)

var supportedEvents = []string{
	EventConnectionStateChanged,
	EventVehicleInformationReceived,
	EventIotInformationReceived,
	EventCommandFailed,
}

// SupportedEvents returns the event types a listener may register for.
func SupportedEvents() []string {
	out := make([]string, len(supportedEvents))
	copy(out, supportedEvents)
	return out
}

// IsSupportedEvent reports whether eventType is one of SupportedEvents.
func IsSupportedEvent(eventType string) bool {
	for _, e := range supportedEvents {
		if e == eventType {
			return true
		}
	}
	return false
}

// Constants is the introspection result callers use to validate event names.
type Constants struct {
	SupportedEvents []string `json:"supportedEvents"`
	ModuleName      string   `json:"moduleName"`
}

// Event is one asynchronous notification. Payload is a ConnectionChange,
// protocol.VehicleInfo, protocol.IotInfo or CommandFailure depending on Type.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// ConnectionChange is the payload of connection-state-changed.
type ConnectionChange struct {
	From   ConnectionState `json:"from"`
	To     ConnectionState `json:"to"`
	MAC    string          `json:"mac,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// CommandFailure is the payload of command-failed. It carries the detail
// that the boolean results of the command surface leave out.
type CommandFailure struct {
	Command   string    `json:"command"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	CommandID string    `json:"commandId"`
}

func newEvent(eventType string, payload any) Event {
	return Event{
		ID:      ulid.Make().String(),
		Type:    eventType,
		Time:    time.Now(),
		Payload: payload,
	}
}
