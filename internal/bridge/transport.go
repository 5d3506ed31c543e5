package bridge

import (
	"context"

	"github.com/chaz8081/vehicle-ble-bridge/internal/ble"
	"github.com/chaz8081/vehicle-ble-bridge/internal/ble/protocol"
)

// Link is an authenticated session with one vehicle.
type Link interface {
	MAC() string
	Execute(ctx context.Context, op protocol.Opcode) error
	QueryVehicle(ctx context.Context) (*protocol.VehicleInfo, error)
	QueryIot(ctx context.Context) (*protocol.IotInfo, error)
	// Done is closed once the link is closed or lost.
	Done() <-chan struct{}
	Close() error
}

// Transport opens links. The BLE implementation is NewBLETransport; tests
// substitute their own.
type Transport interface {
	Dial(ctx context.Context, creds ble.Credentials, target ble.Target, h ble.Handler) (Link, error)
}

type bleTransport struct {
	dialer *ble.Dialer
}

// NewBLETransport adapts a ble.Dialer to Transport.
func NewBLETransport(dialer *ble.Dialer) Transport {
	return &bleTransport{dialer: dialer}
}

func (t *bleTransport) Dial(ctx context.Context, creds ble.Credentials, target ble.Target, h ble.Handler) (Link, error) {
	l, err := t.dialer.Dial(ctx, creds, target, h)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Compile-time check that *ble.Link implements Link.
var _ Link = (*ble.Link)(nil)
