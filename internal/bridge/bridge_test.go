package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/vehicle-ble-bridge/internal/ble"
	"github.com/chaz8081/vehicle-ble-bridge/internal/ble/protocol"
)

const (
	testMAC  = "AA:BB:CC:DD:EE:FF"
	otherMAC = "11:22:33:44:55:66"
)

func connected(t *testing.T, opts Options) (*Bridge, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	b := newTestBridge(t, tr, opts)
	b.Init("k1", "op1", false)
	require.True(t, b.Connect(testMAC, "bk1", "imei1"))
	return b, tr
}

func TestCommandsWhileUnconnected(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBridge(t, tr, testOptions())
	b.Init("k1", "op1", false)
	b.AddListener(EventCommandFailed)

	commands := map[string]func() bool{
		"unlock":             b.UnLock,
		"lock":               b.Lock,
		"open_battery_cover": b.OpenBatteryCover,
		"open_saddle":        b.OpenSaddle,
		"open_tail_box":      b.OpenTailBox,
	}
	for name, cmd := range commands {
		t.Run(name, func(t *testing.T) {
			assert.False(t, cmd())
			ev := waitEvent(t, b, EventCommandFailed)
			failure := ev.Payload.(CommandFailure)
			assert.Equal(t, name, failure.Command)
			assert.Equal(t, CodeNotConnected, failure.Code)
			assert.NotEmpty(t, failure.CommandID)
		})
	}

	assert.False(t, b.Disconnect())
	assert.Zero(t, tr.Dials(), "no radio activity while unconnected")
	assert.Equal(t, StateUnconnected, b.State())
}

func TestConnectRequiresInit(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBridge(t, tr, testOptions())
	b.AddListener(EventCommandFailed)

	assert.False(t, b.Connect(testMAC, "bk1", "imei1"))
	ev := waitEvent(t, b, EventCommandFailed)
	assert.Equal(t, CodeNotInitialized, ev.Payload.(CommandFailure).Code)
	assert.Zero(t, tr.Dials())
}

func TestInitIgnoresSecondCall(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBridge(t, tr, testOptions())
	b.Init("k1", "op1", false)
	b.Init("k2", "op2", false)

	require.True(t, b.Connect(testMAC, "bk1", "imei1"))
	assert.Equal(t, ble.Credentials{SecretKey: "k1", OperatorCode: "op1"}, tr.creds[0])
}

func TestInitWithEmptyCredentialsLeavesBridgeUninitialized(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBridge(t, tr, testOptions())

	b.Init("", "op1", false)
	assert.False(t, b.Connect(testMAC, "bk1", "imei1"))

	b.Init("k1", "op1", false)
	assert.True(t, b.Connect(testMAC, "bk1", "imei1"))
}

func TestInitDebugRaisesLogLevel(t *testing.T) {
	opts := testOptions()
	opts.Level = new(slog.LevelVar)
	b := newTestBridge(t, &fakeTransport{}, opts)

	b.Init("k1", "op1", true)
	assert.Equal(t, slog.LevelDebug, opts.Level.Level())
}

func TestLockScenario(t *testing.T) {
	b, tr := connected(t, testOptions())

	assert.True(t, b.Lock())
	assert.True(t, b.Disconnect())
	assert.False(t, b.Lock())

	link := tr.link(0)
	assert.Equal(t, []protocol.Opcode{protocol.OpLock}, link.Ops())
	assert.Equal(t, 1, link.Closes())
	assert.Equal(t, StateUnconnected, b.State())
}

func TestAllCommandsReachTheLink(t *testing.T) {
	b, tr := connected(t, testOptions())

	assert.True(t, b.UnLock())
	assert.True(t, b.Lock())
	assert.True(t, b.OpenBatteryCover())
	assert.True(t, b.OpenSaddle())
	assert.True(t, b.OpenTailBox())

	assert.Equal(t, []protocol.Opcode{
		protocol.OpUnlock,
		protocol.OpLock,
		protocol.OpOpenBatteryCover,
		protocol.OpOpenSaddle,
		protocol.OpOpenTailBox,
	}, tr.link(0).Ops())
}

func TestConnectDisconnectStateEvents(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBridge(t, tr, testOptions())
	b.Init("k1", "op1", false)
	b.AddListener(EventConnectionStateChanged)

	require.True(t, b.Connect(testMAC, "bk1", "imei1"))
	assert.Equal(t, StateConnected, b.State())
	require.True(t, b.Disconnect())
	assert.Equal(t, StateUnconnected, b.State())

	want := []ConnectionChange{
		{From: StateUnconnected, To: StateConnecting, MAC: testMAC, Reason: "connect requested"},
		{From: StateConnecting, To: StateConnected, MAC: testMAC, Reason: "authenticated"},
		{From: StateConnected, To: StateDisconnecting, MAC: testMAC, Reason: "disconnect requested"},
		{From: StateDisconnecting, To: StateUnconnected, MAC: testMAC, Reason: "disconnected"},
	}
	for _, w := range want {
		ev := waitEvent(t, b, EventConnectionStateChanged)
		assert.Equal(t, w, ev.Payload)
		assert.NotEmpty(t, ev.ID)
	}
}

func TestConnectSameMACIsIdempotent(t *testing.T) {
	b, tr := connected(t, testOptions())

	assert.True(t, b.Connect(strings.ToLower(testMAC), "bk1", "imei1"))
	assert.True(t, b.Connect(testMAC, "bk1", "imei1"))
	assert.Equal(t, 1, tr.Dials(), "no duplicate session")
	assert.Equal(t, StateConnected, b.State())
}

func TestConnectOtherMACWhileConnected(t *testing.T) {
	b, tr := connected(t, testOptions())
	b.AddListener(EventCommandFailed)

	assert.False(t, b.Connect(otherMAC, "bk2", "imei2"))
	ev := waitEvent(t, b, EventCommandFailed)
	assert.Equal(t, CodeOtherDevice, ev.Payload.(CommandFailure).Code)
	assert.Equal(t, "connect", ev.Payload.(CommandFailure).Command)

	assert.Equal(t, 1, tr.Dials())
	assert.True(t, b.Lock(), "existing session still usable")
}

func TestConnectOtherMACWhileConnecting(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	b := newTestBridge(t, tr, testOptions())
	b.Init("k1", "op1", false)

	result := make(chan bool, 1)
	go func() { result <- b.Connect(testMAC, "bk1", "imei1") }()
	<-tr.started
	assert.Equal(t, StateConnecting, b.State())

	assert.False(t, b.Connect(otherMAC, "bk2", "imei2"))

	close(tr.gate)
	assert.True(t, <-result)
	assert.Equal(t, 1, tr.Dials())
}

func TestConcurrentConnectSameMACCreatesOneSession(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	b := newTestBridge(t, tr, testOptions())
	b.Init("k1", "op1", false)

	const callers = 4
	results := make(chan bool, callers)
	go func() { results <- b.Connect(testMAC, "bk1", "imei1") }()
	<-tr.started

	for i := 1; i < callers; i++ {
		go func() { results <- b.Connect(testMAC, "bk1", "imei1") }()
	}
	close(tr.gate)

	for i := 0; i < callers; i++ {
		assert.True(t, <-results)
	}
	assert.Equal(t, 1, tr.Dials())
}

func TestConnectInvalidArguments(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBridge(t, tr, testOptions())
	b.Init("k1", "op1", false)

	assert.False(t, b.Connect("", "bk1", "imei1"))
	assert.False(t, b.Connect(testMAC, "", "imei1"))
	assert.False(t, b.Connect(testMAC, "bk1", ""))
	assert.Zero(t, tr.Dials())
}

func TestConnectFailureReturnsToUnconnected(t *testing.T) {
	tr := &fakeTransport{dialErr: fmt.Errorf("handshake: %w", ble.ErrAuthRejected)}
	b := newTestBridge(t, tr, testOptions())
	b.Init("k1", "op1", false)
	b.AddListener(EventConnectionStateChanged)
	b.AddListener(EventCommandFailed)

	assert.False(t, b.Connect(testMAC, "bk1", "imei1"))
	assert.Equal(t, StateUnconnected, b.State())

	ev := waitEvent(t, b, EventConnectionStateChanged)
	assert.Equal(t, StateConnecting, ev.Payload.(ConnectionChange).To)
	ev = waitEvent(t, b, EventConnectionStateChanged)
	assert.Equal(t, ConnectionChange{From: StateConnecting, To: StateUnconnected, MAC: testMAC, Reason: "rejected"}, ev.Payload)

	ev = waitEvent(t, b, EventCommandFailed)
	assert.Equal(t, CodeRejected, ev.Payload.(CommandFailure).Code)

	tr.setDialErr(nil)
	assert.True(t, b.Connect(testMAC, "bk1", "imei1"), "failed connect does not poison the session")
}

func TestConnectTimeout(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{})}
	opts := testOptions()
	opts.ConnectTimeout = 50 * time.Millisecond
	b := newTestBridge(t, tr, opts)
	b.Init("k1", "op1", false)
	b.AddListener(EventCommandFailed)

	assert.False(t, b.Connect(testMAC, "bk1", "imei1"))
	ev := waitEvent(t, b, EventCommandFailed)
	assert.Equal(t, CodeTimeout, ev.Payload.(CommandFailure).Code)
	assert.Equal(t, StateUnconnected, b.State())
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	tr := &fakeTransport{dialErr: errors.New("radio off")}
	opts := testOptions()
	opts.BreakerFailures = 2
	b := newTestBridge(t, tr, opts)
	b.Init("k1", "op1", false)
	b.AddListener(EventCommandFailed)

	assert.False(t, b.Connect(testMAC, "bk1", "imei1"))
	assert.False(t, b.Connect(testMAC, "bk1", "imei1"))
	assert.Equal(t, CodeTransport, waitEvent(t, b, EventCommandFailed).Payload.(CommandFailure).Code)
	assert.Equal(t, CodeTransport, waitEvent(t, b, EventCommandFailed).Payload.(CommandFailure).Code)

	assert.False(t, b.Connect(testMAC, "bk1", "imei1"))
	assert.Equal(t, CodeCircuitOpen, waitEvent(t, b, EventCommandFailed).Payload.(CommandFailure).Code)
	assert.Equal(t, 2, tr.Dials(), "open circuit short-circuits the dial")
	assert.Equal(t, StateUnconnected, b.State())
}

func TestCommandRejected(t *testing.T) {
	b, tr := connected(t, testOptions())
	b.AddListener(EventCommandFailed)
	tr.link(0).execErr = fmt.Errorf("ble: unlock: %w (busy)", ble.ErrRejected)

	assert.False(t, b.UnLock())
	failure := waitEvent(t, b, EventCommandFailed).Payload.(CommandFailure)
	assert.Equal(t, "unlock", failure.Command)
	assert.Equal(t, CodeRejected, failure.Code)
	assert.Equal(t, StateConnected, b.State(), "rejection keeps the session")
}

func TestCommandTimeout(t *testing.T) {
	opts := testOptions()
	opts.CommandTimeout = 50 * time.Millisecond
	b, tr := connected(t, opts)
	b.AddListener(EventCommandFailed)
	tr.link(0).block = make(chan struct{})

	assert.False(t, b.Lock())
	assert.Equal(t, CodeTimeout, waitEvent(t, b, EventCommandFailed).Payload.(CommandFailure).Code)
}

func TestCommandsAreSerialized(t *testing.T) {
	b, tr := connected(t, testOptions())
	link := tr.link(0)
	release := make(chan struct{})
	link.block = release

	var wg sync.WaitGroup
	results := make([]bool, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Lock()
		}(i)
	}

	require.Eventually(t, func() bool { return len(link.Ops()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, link.Ops(), 1, "queued commands wait for the one in flight")

	close(release)
	wg.Wait()
	assert.Equal(t, []bool{true, true, true}, results)
	link.mu.Lock()
	assert.Equal(t, 1, link.maxInFlight)
	link.mu.Unlock()
}

func TestDisconnectAbortsStuckCommand(t *testing.T) {
	b, tr := connected(t, testOptions())
	tr.link(0).block = make(chan struct{})

	result := make(chan bool, 1)
	go func() { result <- b.Lock() }()
	require.Eventually(t, func() bool { return len(tr.link(0).Ops()) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, b.Disconnect())
	assert.False(t, <-result)
}

func TestQueryVehicleInformationDeliversOneEvent(t *testing.T) {
	b, _ := connected(t, testOptions())
	b.AddListener(EventVehicleInformationReceived)

	b.QueryVehicleInformation()

	ev := waitEvent(t, b, EventVehicleInformationReceived)
	info, ok := ev.Payload.(protocol.VehicleInfo)
	require.True(t, ok, "payload is %T", ev.Payload)
	assert.Equal(t, uint32(64), info.BatteryPercent)
	assert.True(t, info.Locked)

	for _, extra := range drainEvents(b, 100*time.Millisecond) {
		assert.NotEqual(t, EventVehicleInformationReceived, extra.Type, "exactly one telemetry event")
	}
}

func TestQueryIotInformation(t *testing.T) {
	b, _ := connected(t, testOptions())
	b.AddListener(EventIotInformationReceived)

	b.QueryIotInformation()

	ev := waitEvent(t, b, EventIotInformationReceived)
	info, ok := ev.Payload.(protocol.IotInfo)
	require.True(t, ok, "payload is %T", ev.Payload)
	assert.Equal(t, "2.1.0", info.FirmwareVersion)
	assert.Equal(t, uint32(17), info.SignalStrength)
}

func TestQueryWhileUnconnected(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBridge(t, tr, testOptions())
	b.Init("k1", "op1", false)
	b.AddListener(EventCommandFailed)
	b.AddListener(EventVehicleInformationReceived)

	b.QueryVehicleInformation()

	failure := waitEvent(t, b, EventCommandFailed).Payload.(CommandFailure)
	assert.Equal(t, "query_vehicle", failure.Command)
	assert.Equal(t, CodeNotConnected, failure.Code)
	assert.Zero(t, tr.Dials())
}

func TestQueryFailureReported(t *testing.T) {
	b, tr := connected(t, testOptions())
	b.AddListener(EventCommandFailed)
	tr.link(0).queryErr = fmt.Errorf("ble: query_iot: %w", ble.ErrLinkClosed)

	b.QueryIotInformation()

	failure := waitEvent(t, b, EventCommandFailed).Payload.(CommandFailure)
	assert.Equal(t, "query_iot", failure.Command)
	assert.Equal(t, CodeNotConnected, failure.Code)
}

func TestQueriesAreRateLimited(t *testing.T) {
	opts := testOptions()
	opts.QueryInterval = time.Hour
	opts.QueryBurst = 1
	b, tr := connected(t, opts)
	b.AddListener(EventVehicleInformationReceived)
	b.AddListener(EventCommandFailed)

	b.QueryVehicleInformation()
	waitEvent(t, b, EventVehicleInformationReceived)

	b.QueryVehicleInformation()
	failure := waitEvent(t, b, EventCommandFailed).Payload.(CommandFailure)
	assert.Equal(t, CodeRateLimited, failure.Code)

	tr.link(0).mu.Lock()
	assert.Equal(t, 1, tr.link(0).queries)
	tr.link(0).mu.Unlock()
}

func TestEventsOnlyForTypesWithListeners(t *testing.T) {
	b, _ := connected(t, testOptions())

	b.QueryVehicleInformation()
	require.True(t, b.Disconnect())
	assert.False(t, b.UnLock())
	assert.Empty(t, drainEvents(b, 100*time.Millisecond))
}

func TestUnsolicitedTelemetryIsForwarded(t *testing.T) {
	b, tr := connected(t, testOptions())
	b.AddListener(EventVehicleInformationReceived)

	tr.handler(0).HandleVehicleInfo(protocol.VehicleInfo{BatteryPercent: 12, SpeedKmh: 18})

	info := waitEvent(t, b, EventVehicleInformationReceived).Payload.(protocol.VehicleInfo)
	assert.Equal(t, uint32(12), info.BatteryPercent)
	assert.Equal(t, uint32(18), info.SpeedKmh)
}

func TestLinkLost(t *testing.T) {
	b, tr := connected(t, testOptions())
	b.AddListener(EventConnectionStateChanged)

	tr.link(0).Close()
	tr.handler(0).HandleLinkLost()

	ev := waitEvent(t, b, EventConnectionStateChanged)
	assert.Equal(t, ConnectionChange{From: StateConnected, To: StateUnconnected, MAC: testMAC, Reason: "link lost"}, ev.Payload)
	assert.Equal(t, StateUnconnected, b.State())
	assert.False(t, b.Lock())
	assert.False(t, b.Disconnect())
	assert.Equal(t, 1, tr.Dials(), "no automatic reconnect")

	assert.True(t, b.Connect(testMAC, "bk1", "imei1"))
	assert.Equal(t, 2, tr.Dials())
}

func TestStaleLinkLossIsIgnored(t *testing.T) {
	b, tr := connected(t, testOptions())
	require.True(t, b.Disconnect())
	require.True(t, b.Connect(testMAC, "bk1", "imei1"))

	tr.handler(0).HandleLinkLost()

	assert.Equal(t, StateConnected, b.State())
	assert.True(t, b.Lock())
}

func TestLinkLostDuringSetup(t *testing.T) {
	tr := &lossyTransport{}
	b := newTestBridge(t, tr, testOptions())
	b.Init("k1", "op1", false)
	b.AddListener(EventCommandFailed)

	assert.False(t, b.Connect(testMAC, "bk1", "imei1"))
	assert.Equal(t, CodeNotConnected, waitEvent(t, b, EventCommandFailed).Payload.(CommandFailure).Code)
	assert.Equal(t, StateUnconnected, b.State())
}

// lossyTransport returns links that are already dead.
type lossyTransport struct{ fakeTransport }

func (t *lossyTransport) Dial(ctx context.Context, creds ble.Credentials, target ble.Target, h ble.Handler) (Link, error) {
	link, err := t.fakeTransport.Dial(ctx, creds, target, h)
	if err != nil {
		return nil, err
	}
	link.Close()
	return link, nil
}

func TestAddListenerUnknownTypeIgnored(t *testing.T) {
	b := newTestBridge(t, &fakeTransport{}, testOptions())

	b.AddListener("battery-exploded")
	assert.Zero(t, b.TotalListeners())
	assert.Zero(t, b.ListenerCount("battery-exploded"))
}

func TestAddListenerCountsPerType(t *testing.T) {
	b := newTestBridge(t, &fakeTransport{}, testOptions())

	b.AddListener(EventVehicleInformationReceived)
	b.AddListener(EventVehicleInformationReceived)
	b.AddListener(EventCommandFailed)

	assert.Equal(t, 2, b.ListenerCount(EventVehicleInformationReceived))
	assert.Equal(t, 1, b.ListenerCount(EventCommandFailed))
	assert.Equal(t, 3, b.TotalListeners())
}

func TestRemoveListenersFloorsAtZero(t *testing.T) {
	b, _ := connected(t, testOptions())
	b.AddListener(EventVehicleInformationReceived)
	b.AddListener(EventCommandFailed)

	assert.NotPanics(t, func() { b.RemoveListeners(10) })
	assert.Zero(t, b.TotalListeners())
	assert.Zero(t, b.ListenerCount(EventVehicleInformationReceived))

	assert.NotPanics(t, func() { b.RemoveListeners(1) })
	assert.NotPanics(t, func() { b.RemoveListeners(-3) })
	assert.Zero(t, b.TotalListeners())

	b.QueryVehicleInformation()
	assert.Empty(t, drainEvents(b, 100*time.Millisecond), "delivery stops at zero listeners")
}

func TestRemoveListenersNewestFirst(t *testing.T) {
	b := newTestBridge(t, &fakeTransport{}, testOptions())

	b.AddListener(EventVehicleInformationReceived)
	b.AddListener(EventIotInformationReceived)
	b.AddListener(EventIotInformationReceived)

	b.RemoveListeners(2)

	assert.Equal(t, 1, b.ListenerCount(EventVehicleInformationReceived))
	assert.Zero(t, b.ListenerCount(EventIotInformationReceived))
	assert.Equal(t, 1, b.TotalListeners())
}

func TestEventBufferFullDropsWithoutBlocking(t *testing.T) {
	opts := testOptions()
	opts.EventBuffer = 1
	b, _ := connected(t, opts)
	b.AddListener(EventCommandFailed)
	require.True(t, b.Disconnect())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Lock()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("commands blocked on a full event buffer")
	}
	assert.Len(t, drainEvents(b, 50*time.Millisecond), 1)
}

func TestConstants(t *testing.T) {
	b := newTestBridge(t, &fakeTransport{}, testOptions())

	c := b.Constants()
	assert.Equal(t, "VehicleBleBridge", c.ModuleName)
	assert.ElementsMatch(t, []string{
		"connection-state-changed",
		"vehicle-information-received",
		"iot-information-received",
		"command-failed",
	}, c.SupportedEvents)

	c.SupportedEvents[0] = "mutated"
	assert.True(t, IsSupportedEvent(EventConnectionStateChanged))
}

func TestCloseDisconnectsAndClosesEvents(t *testing.T) {
	b, tr := connected(t, testOptions())

	b.Close()
	b.Close()

	assert.Equal(t, 1, tr.link(0).Closes())
	_, ok := <-b.Events()
	assert.False(t, ok, "events channel closed")

	assert.False(t, b.Connect(testMAC, "bk1", "imei1"))
	assert.False(t, b.Lock())
	assert.NotPanics(t, b.QueryVehicleInformation)
	assert.Equal(t, 1, tr.Dials())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{ErrNotConnected, CodeNotConnected},
		{fmt.Errorf("wrapped: %w", ErrOtherDevice), CodeOtherDevice},
		{classify("lock", fmt.Errorf("x: %w", ble.ErrRejected)), CodeRejected},
		{classify("lock", ble.ErrLinkClosed), CodeNotConnected},
		{classify("connect", fmt.Errorf("dial: %w", errors.Join(errors.New("a"), ble.ErrAuthRejected))), CodeRejected},
		{classify("lock", errors.New("boom")), CodeTransport},
		{errors.New("plain"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}
