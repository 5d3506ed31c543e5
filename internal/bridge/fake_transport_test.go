package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chaz8081/vehicle-ble-bridge/internal/ble"
	"github.com/chaz8081/vehicle-ble-bridge/internal/ble/protocol"
)

// fakeLink is a Link whose behaviour tests control directly.
type fakeLink struct {
	mac  string
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	ops         []protocol.Opcode
	execErr     error
	queryErr    error
	block       chan struct{}
	inFlight    int
	maxInFlight int
	queries     int
	closes      int
	info        protocol.VehicleInfo
	iot         protocol.IotInfo
}

func newFakeLink(mac string) *fakeLink {
	return &fakeLink{
		mac:  mac,
		done: make(chan struct{}),
		info: protocol.VehicleInfo{BatteryPercent: 64, Locked: true, MileageMeters: 4200},
		iot:  protocol.IotInfo{IMEI: "imei1", FirmwareVersion: "2.1.0", SignalStrength: 17, Online: true},
	}
}

func (l *fakeLink) MAC() string { return l.mac }

func (l *fakeLink) Done() <-chan struct{} { return l.done }

func (l *fakeLink) Execute(ctx context.Context, op protocol.Opcode) error {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.inFlight++
	if l.inFlight > l.maxInFlight {
		l.maxInFlight = l.inFlight
	}
	err, block := l.execErr, l.block
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ble.ErrLinkClosed
		}
	}
	return err
}

func (l *fakeLink) QueryVehicle(ctx context.Context) (*protocol.VehicleInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries++
	if l.queryErr != nil {
		return nil, l.queryErr
	}
	info := l.info
	return &info, nil
}

func (l *fakeLink) QueryIot(ctx context.Context) (*protocol.IotInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries++
	if l.queryErr != nil {
		return nil, l.queryErr
	}
	iot := l.iot
	return &iot, nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closes++
	l.mu.Unlock()
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *fakeLink) Ops() []protocol.Opcode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Opcode(nil), l.ops...)
}

func (l *fakeLink) Closes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// fakeTransport records dials and hands out fakeLinks.
type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	dialErr  error
	gate     chan struct{}
	started  chan struct{}
	links    []*fakeLink
	handlers []ble.Handler
	creds    []ble.Credentials
	targets  []ble.Target
}

func (t *fakeTransport) Dial(ctx context.Context, creds ble.Credentials, target ble.Target, h ble.Handler) (Link, error) {
	t.mu.Lock()
	t.dials++
	t.creds = append(t.creds, creds)
	t.targets = append(t.targets, target)
	err, gate, started := t.dialErr, t.gate, t.started
	t.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	link := newFakeLink(target.MAC)
	t.mu.Lock()
	t.links = append(t.links, link)
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
	return link, nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) setDialErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

func (t *fakeTransport) link(i int) *fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[i]
}

func (t *fakeTransport) handler(i int) ble.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers[i]
}

func testOptions() Options {
	return Options{
		ConnectTimeout:  time.Second,
		CommandTimeout:  time.Second,
		EventBuffer:     64,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
		QueryBurst:      10,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestBridge(t *testing.T, tr Transport, opts Options) *Bridge {
	t.Helper()
	b := New(tr, opts)
	t.Cleanup(b.Close)
	return b
}

// waitEvent returns the next event of eventType, skipping others.
func waitEvent(t *testing.T, b *Bridge, eventType string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-b.Events():
			require.True(t, ok, "events channel closed while waiting for %s", eventType)
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for event", eventType)
		}
	}
}

// drainEvents returns every event that arrives within d.
func drainEvents(b *Bridge, d time.Duration) []Event {
	var out []Event
	timeout := time.After(d)
	for {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
}
