// Package bridge implements VehicleBleBridge, the boundary object a host
// application uses to drive one BLE-connected vehicle. Operations return
// plain booleans; failure detail and device telemetry arrive as events on
// the Events channel for the event types that have listeners.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/chaz8081/vehicle-ble-bridge/internal/ble"
	"github.com/chaz8081/vehicle-ble-bridge/internal/ble/protocol"
)

// Options configures a Bridge.
type Options struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	EventBuffer    int

	// BreakerFailures consecutive failed connects open the circuit for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// Telemetry queries are limited to one per QueryInterval with bursts of
	// QueryBurst. A zero interval disables the limit.
	QueryInterval time.Duration
	QueryBurst    int

	Logger *slog.Logger
	// Level, if set, is raised to debug by Init(isDebug=true). It should be
	// the level the Logger's handler was built with.
	Level *slog.LevelVar
}

// DefaultOptions returns sensible defaults with a text logger on stderr.
func DefaultOptions() Options {
	level := new(slog.LevelVar)
	return Options{
		ConnectTimeout:  10 * time.Second,
		CommandTimeout:  8 * time.Second,
		EventBuffer:     64,
		BreakerFailures: 3,
		BreakerCooldown: 30 * time.Second,
		QueryInterval:   500 * time.Millisecond,
		QueryBurst:      2,
		Logger:          slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		Level:           level,
	}
}

// Bridge is VehicleBleBridge. It owns at most one session at a time. All
// methods are safe for concurrent use.
type Bridge struct {
	transport Transport
	opts      Options
	log       *slog.Logger

	mu     sync.Mutex
	creds  *ble.Credentials
	sess   *session
	closed bool

	// cmdMu queues radio operations so only one is in flight on the link.
	cmdMu sync.Mutex

	connects  singleflight.Group
	breaker   *gobreaker.CircuitBreaker[Link]
	limiter   *rate.Limiter
	listeners *listenerRegistry
	queries   sync.WaitGroup

	sinkMu     sync.Mutex
	events     chan Event
	sinkClosed bool
}

// New creates a Bridge over transport. Zero option fields fall back to
// DefaultOptions.
func New(transport Transport, opts Options) *Bridge {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = def.BreakerFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = def.BreakerCooldown
	}
	if opts.QueryBurst <= 0 {
		opts.QueryBurst = def.QueryBurst
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
		opts.Level = def.Level
	}

	b := &Bridge{
		transport: transport,
		opts:      opts,
		log:       opts.Logger,
		listeners: newListenerRegistry(),
		events:    make(chan Event, opts.EventBuffer),
	}
	b.sess = newSession(b.stateChanged)

	limit := rate.Inf
	if opts.QueryInterval > 0 {
		limit = rate.Every(opts.QueryInterval)
	}
	b.limiter = rate.NewLimiter(limit, opts.QueryBurst)

	failures := opts.BreakerFailures
	b.breaker = gobreaker.NewCircuitBreaker[Link](gobreaker.Settings{
		Name:        "ble-connect",
		MaxRequests: 1, // one probe connect in half-open state
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("[BRIDGE] circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return b
}

// Init stores the process-wide credentials. Only the first call with a
// non-empty secret key and operator code takes effect; isDebug raises the
// log level to debug.
func (b *Bridge) Init(secretKey, operatorCode string, isDebug bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.creds != nil {
		b.log.Warn("[BRIDGE] already initialized, ignoring init")
		return
	}
	if isDebug && b.opts.Level != nil {
		b.opts.Level.Set(slog.LevelDebug)
	}
	if secretKey == "" || operatorCode == "" {
		b.log.Error("[BRIDGE] init: secret key and operator code are required")
		return
	}
	b.creds = &ble.Credentials{SecretKey: secretKey, OperatorCode: operatorCode}
	b.log.Info("[BRIDGE] initialized", "operator", operatorCode, "debug", isDebug)
}

// Connect establishes an authenticated session with the vehicle. Connecting
// to the MAC that is already connected succeeds without a new session;
// connecting to any other device while a session exists fails.
func (b *Bridge) Connect(bleMac, bleKey, iotImei string) bool {
	if err := b.connect(bleMac, bleKey, iotImei); err != nil {
		b.log.Warn("[BRIDGE] connect failed", "mac", bleMac, "error", err)
		b.commandFailed("connect", ulid.Make().String(), err)
		return false
	}
	return true
}

func (b *Bridge) connect(bleMac, bleKey, iotImei string) error {
	mac := normalizeMAC(bleMac)
	if mac == "" || bleKey == "" || iotImei == "" {
		return fmt.Errorf("bridge: connect: mac, key and imei are required: %w", ErrInvalidArgument)
	}
	target := ble.Target{MAC: mac, Key: bleKey, IMEI: iotImei}

	_, err, shared := b.connects.Do(mac, func() (any, error) {
		return nil, b.establish(target)
	})
	if shared {
		b.log.Debug("[BRIDGE] joined in-flight connect", "mac", mac)
	}
	return err
}

func (b *Bridge) establish(target ble.Target) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.creds == nil {
		b.mu.Unlock()
		return ErrNotInitialized
	}
	creds := *b.creds

	switch b.sess.state() {
	case StateConnected:
		current := b.sess.mac
		b.mu.Unlock()
		if current == target.MAC {
			b.log.Debug("[BRIDGE] already connected", "mac", current)
			return nil
		}
		return fmt.Errorf("bridge: connect %s: holding %s: %w", target.MAC, current, ErrOtherDevice)
	case StateConnecting:
		current := b.sess.mac
		b.mu.Unlock()
		return fmt.Errorf("bridge: connect %s: connecting to %s: %w", target.MAC, current, ErrConnectInProgress)
	case StateDisconnecting:
		b.mu.Unlock()
		return fmt.Errorf("bridge: connect %s: %w", target.MAC, ErrBusy)
	}

	b.sess.gen++
	gen := b.sess.gen
	b.sess.mac = target.MAC
	b.fire(fsmConnect, "connect requested")
	b.mu.Unlock()

	b.log.Info("[BRIDGE] connecting", "mac", target.MAC)
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.ConnectTimeout)
	defer cancel()
	link, err := b.breaker.Execute(func() (Link, error) {
		return b.transport.Dial(ctx, creds, target, &linkHandler{b: b, gen: gen})
	})
	if err != nil {
		err = classify("connect "+target.MAC, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		select {
		case <-link.Done():
			err = fmt.Errorf("bridge: connect %s: link lost during setup: %w", target.MAC, ErrNotConnected)
		default:
			if b.closed {
				_ = link.Close()
				err = ErrClosed
			}
		}
	}
	if err != nil {
		b.fire(fsmFail, string(CodeOf(err)))
		b.sess.mac = ""
		return err
	}

	b.sess.link = link
	b.fire(fsmEstablished, "authenticated")
	b.log.Info("[BRIDGE] connected", "mac", target.MAC)
	return nil
}

// Disconnect closes the active session. It returns false if there was none.
func (b *Bridge) Disconnect() bool {
	b.mu.Lock()
	if b.sess.state() != StateConnected {
		b.mu.Unlock()
		b.log.Debug("[BRIDGE] disconnect: no active session")
		return false
	}
	link := b.sess.link
	b.fire(fsmDisconnect, "disconnect requested")
	b.mu.Unlock()

	if err := link.Close(); err != nil {
		b.log.Warn("[BRIDGE] closing link", "mac", link.MAC(), "error", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// A link loss during teardown may already have ended the session.
	if b.sess.state() == StateDisconnecting {
		b.fire(fsmClosed, "disconnected")
		b.sess.link = nil
		b.sess.mac = ""
	}
	b.log.Info("[BRIDGE] disconnected", "mac", link.MAC())
	return true
}

// UnLock unlocks the vehicle.
func (b *Bridge) UnLock() bool { return b.command(protocol.OpUnlock) }

// Lock locks the vehicle.
func (b *Bridge) Lock() bool { return b.command(protocol.OpLock) }

// OpenBatteryCover releases the battery compartment.
func (b *Bridge) OpenBatteryCover() bool { return b.command(protocol.OpOpenBatteryCover) }

// OpenSaddle releases the saddle.
func (b *Bridge) OpenSaddle() bool { return b.command(protocol.OpOpenSaddle) }

// OpenTailBox releases the tail box.
func (b *Bridge) OpenTailBox() bool { return b.command(protocol.OpOpenTailBox) }

func (b *Bridge) command(op protocol.Opcode) bool {
	id := ulid.Make().String()
	if err := b.execute(op); err != nil {
		b.log.Warn("[BRIDGE] command failed", "command", op.String(), "id", id, "error", err)
		b.commandFailed(op.String(), id, err)
		return false
	}
	b.log.Info("[BRIDGE] command executed", "command", op.String(), "id", id)
	return true
}

func (b *Bridge) execute(op protocol.Opcode) error {
	// Fail fast without queueing when there is no session.
	if _, err := b.activeLink(); err != nil {
		return fmt.Errorf("bridge: %s: %w", op, err)
	}

	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	link, err := b.activeLink()
	if err != nil {
		return fmt.Errorf("bridge: %s: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.CommandTimeout)
	defer cancel()
	return classify(op.String(), link.Execute(ctx, op))
}

// QueryVehicleInformation requests body telemetry. The result arrives as a
// vehicle-information-received event, or command-failed.
func (b *Bridge) QueryVehicleInformation() { b.query(protocol.OpQueryVehicle) }

// QueryIotInformation requests IoT module status. The result arrives as an
// iot-information-received event, or command-failed.
func (b *Bridge) QueryIotInformation() { b.query(protocol.OpQueryIot) }

func (b *Bridge) query(op protocol.Opcode) {
	id := ulid.Make().String()
	fail := func(err error) {
		b.log.Warn("[BRIDGE] query failed", "query", op.String(), "id", id, "error", err)
		b.commandFailed(op.String(), id, err)
	}

	if _, err := b.activeLink(); err != nil {
		fail(fmt.Errorf("bridge: %s: %w", op, err))
		return
	}
	if !b.limiter.Allow() {
		fail(fmt.Errorf("bridge: %s: %w", op, ErrRateLimited))
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		fail(fmt.Errorf("bridge: %s: %w", op, ErrClosed))
		return
	}
	b.queries.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.queries.Done()
		if err := b.runQuery(op); err != nil {
			fail(err)
		}
	}()
}

func (b *Bridge) runQuery(op protocol.Opcode) error {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	link, err := b.activeLink()
	if err != nil {
		return fmt.Errorf("bridge: %s: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.CommandTimeout)
	defer cancel()

	switch op {
	case protocol.OpQueryVehicle:
		info, err := link.QueryVehicle(ctx)
		if err != nil {
			return classify(op.String(), err)
		}
		b.emit(EventVehicleInformationReceived, *info)
	case protocol.OpQueryIot:
		info, err := link.QueryIot(ctx)
		if err != nil {
			return classify(op.String(), err)
		}
		b.emit(EventIotInformationReceived, *info)
	default:
		return fmt.Errorf("bridge: %s is not a query: %w", op, ErrInvalidArgument)
	}
	return nil
}

// AddListener registers interest in eventType. Unknown types are ignored.
func (b *Bridge) AddListener(eventType string) {
	if !IsSupportedEvent(eventType) {
		b.log.Warn("[BRIDGE] ignoring listener for unknown event", "event", eventType)
		return
	}
	if b.listeners.add(eventType) {
		b.log.Debug("[BRIDGE] delivery started", "event", eventType)
	}
}

// RemoveListeners removes count listeners from the global total, newest
// registrations first, whatever their event type. Removing more listeners
// than exist empties the registry.
func (b *Bridge) RemoveListeners(count int) {
	if count <= 0 {
		return
	}
	removed, stopped := b.listeners.remove(count)
	if removed < count {
		b.log.Warn("[BRIDGE] removeListeners exceeds active listeners", "requested", count, "removed", removed)
	}
	for _, eventType := range stopped {
		b.log.Debug("[BRIDGE] delivery stopped", "event", eventType)
	}
}

// ListenerCount returns the active listeners for eventType.
func (b *Bridge) ListenerCount(eventType string) int {
	return b.listeners.count(eventType)
}

// TotalListeners returns the global listener count.
func (b *Bridge) TotalListeners() int {
	return b.listeners.total()
}

// Constants returns the supported event names and the module identifier.
func (b *Bridge) Constants() Constants {
	return Constants{SupportedEvents: SupportedEvents(), ModuleName: ModuleName}
}

// Events returns the delivery channel. It is closed by Close.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// State returns the current connection state.
func (b *Bridge) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess.state()
}

// Close disconnects, waits for in-flight queries and closes the Events
// channel. The bridge rejects all further operations.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.Disconnect()
	b.queries.Wait()

	b.sinkMu.Lock()
	b.sinkClosed = true
	close(b.events)
	b.sinkMu.Unlock()
}

func (b *Bridge) activeLink() (Link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.sess.state() != StateConnected || b.sess.link == nil {
		return nil, ErrNotConnected
	}
	return b.sess.link, nil
}

// fire runs a session transition. Callers hold b.mu.
func (b *Bridge) fire(event, reason string) {
	if err := b.sess.fire(event, reason); err != nil {
		b.log.Error("[BRIDGE] invalid session transition", "event", event, "state", b.sess.state(), "error", err)
	}
}

func (b *Bridge) stateChanged(change ConnectionChange) {
	b.log.Debug("[BRIDGE] state changed", "from", change.From, "to", change.To, "mac", change.MAC, "reason", change.Reason)
	b.emit(EventConnectionStateChanged, change)
}

// linkLost ends the session if gen still identifies it.
func (b *Bridge) linkLost(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.sess.gen {
		return
	}
	switch b.sess.state() {
	case StateConnected, StateDisconnecting:
	default:
		return
	}
	b.log.Warn("[BRIDGE] link lost", "mac", b.sess.mac)
	b.fire(fsmLost, "link lost")
	b.sess.link = nil
	b.sess.mac = ""
}

func (b *Bridge) commandFailed(command, id string, err error) {
	b.emit(EventCommandFailed, CommandFailure{
		Command:   command,
		Code:      CodeOf(err),
		Message:   err.Error(),
		CommandID: id,
	})
}

// emit delivers one event if its type has listeners. It never blocks; when
// the buffer is full the event is dropped.
func (b *Bridge) emit(eventType string, payload any) {
	if b.listeners.count(eventType) == 0 {
		return
	}
	ev := newEvent(eventType, payload)

	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	if b.sinkClosed {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.log.Warn("[BRIDGE] event buffer full, dropping event", "event", eventType, "id", ev.ID)
	}
}

// linkHandler routes link callbacks for one connect attempt.
type linkHandler struct {
	b   *Bridge
	gen uint64
}

func (h *linkHandler) HandleVehicleInfo(info protocol.VehicleInfo) {
	h.b.emit(EventVehicleInformationReceived, info)
}

func (h *linkHandler) HandleIotInfo(info protocol.IotInfo) {
	h.b.emit(EventIotInformationReceived, info)
}

func (h *linkHandler) HandleLinkLost() {
	h.b.linkLost(h.gen)
}

func normalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}
