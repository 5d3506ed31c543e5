package ble

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	blecrypto "github.com/chaz8081/vehicle-ble-bridge/internal/ble/crypto"
	"github.com/chaz8081/vehicle-ble-bridge/internal/ble/protocol"
)

var (
	// ErrLinkClosed is returned for requests on a link that was closed or lost.
	ErrLinkClosed = errors.New("ble: link closed")
	// ErrRejected is returned when the vehicle answers with a non-OK status.
	ErrRejected = errors.New("ble: rejected by vehicle")
	// ErrAuthRejected is returned by Dial when the vehicle refuses the credentials.
	ErrAuthRejected = errors.New("ble: authentication rejected")
)

// Credentials are the application-level secrets shared by all sessions.
type Credentials struct {
	SecretKey    string
	OperatorCode string
}

// Target identifies one vehicle.
type Target struct {
	MAC  string
	Key  string // per-device BLE key
	IMEI string
}

// Handler receives telemetry the vehicle pushes without a request, and the
// loss of an established link. Calls arrive on the adapter's goroutine.
type Handler interface {
	HandleVehicleInfo(info protocol.VehicleInfo)
	HandleIotInfo(info protocol.IotInfo)
	HandleLinkLost()
}

// Options configures the transport.
type Options struct {
	MTU                int           // ATT payload size per write
	InterFragmentDelay time.Duration // delay between fragment writes
	Logger             *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MTU:                protocol.DefaultMTU,
		InterFragmentDelay: 5 * time.Millisecond,
		Logger:             slog.Default(),
	}
}

// Dialer opens authenticated links through an Adapter.
type Dialer struct {
	adapter Adapter
	opts    Options
}

// NewDialer creates a Dialer. Zero option fields fall back to defaults.
func NewDialer(adapter Adapter, opts Options) *Dialer {
	def := DefaultOptions()
	if opts.MTU < 2 {
		opts.MTU = def.MTU
	}
	if opts.InterFragmentDelay < 0 {
		opts.InterFragmentDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Dialer{adapter: adapter, opts: opts}
}

// Dial connects to the target, discovers the control characteristics and
// runs the challenge/auth handshake. The returned Link is ready for commands.
func (d *Dialer) Dial(ctx context.Context, creds Credentials, target Target, h Handler) (*Link, error) {
	if err := d.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	conn, err := d.adapter.Connect(ctx, target.MAC)
	if err != nil {
		return nil, err
	}

	l, err := d.setup(ctx, conn, creds, target, h)
	if err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	return l, nil
}

func (d *Dialer) setup(ctx context.Context, conn Connection, creds Credentials, target Target, h Handler) (*Link, error) {
	tx, err := conn.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover write characteristic: %w", err)
	}
	rx, err := conn.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover notify characteristic: %w", err)
	}

	l := &Link{
		mac:     target.MAC,
		conn:    conn,
		tx:      tx,
		handler: h,
		opts:    d.opts,
		log:     d.opts.Logger,
		pending: make(map[uint32]chan *protocol.Response),
		done:    make(chan struct{}),
	}
	conn.OnDisconnect(l.handleDisconnect)
	if err := rx.Subscribe(l.handleNotification); err != nil {
		return nil, fmt.Errorf("ble: subscribe to notifications: %w", err)
	}

	if err := l.authenticate(ctx, creds, target); err != nil {
		l.markClosed()
		return nil, err
	}
	l.ready.Store(true)
	l.log.Info("[BLE] link authenticated", "mac", target.MAC)
	return l, nil
}

// Link is an authenticated connection to one vehicle. Requests may be issued
// concurrently; writes are serialized and responses matched by sequence number.
type Link struct {
	mac     string
	conn    Connection
	tx      Characteristic
	handler Handler
	opts    Options
	log     *slog.Logger

	seq   atomic.Uint32
	ready atomic.Bool

	writeMu sync.Mutex

	rxMu  sync.Mutex
	reasm protocol.Reassembler

	mu      sync.Mutex
	key     []byte
	pending map[uint32]chan *protocol.Response
	closed  bool
	done    chan struct{}
}

// MAC returns the address of the connected vehicle.
func (l *Link) MAC() string { return l.mac }

// Done is closed when the link is closed or lost.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) authenticate(ctx context.Context, creds Credentials, target Target) error {
	resp, err := l.roundTrip(ctx, protocol.OpHello, []byte(target.IMEI), false)
	if err != nil {
		return fmt.Errorf("ble: hello: %w", err)
	}
	if resp.Kind != protocol.KindChallenge || resp.Status != protocol.StatusOK {
		return fmt.Errorf("%w: hello answered with kind %d status %s", ErrAuthRejected, resp.Kind, resp.Status)
	}

	key, err := blecrypto.DeriveSessionKey(creds.SecretKey, target.Key, creds.OperatorCode, resp.Data)
	if err != nil {
		return fmt.Errorf("ble: derive session key: %w", err)
	}
	l.mu.Lock()
	l.key = key
	l.mu.Unlock()

	resp, err = l.roundTrip(ctx, protocol.OpAuth, []byte(target.IMEI), true)
	if err != nil {
		return fmt.Errorf("ble: auth: %w", err)
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
	}
	return nil
}

// Execute sends a command and waits for the vehicle's acknowledgement.
func (l *Link) Execute(ctx context.Context, op protocol.Opcode) error {
	resp, err := l.roundTrip(ctx, op, nil, true)
	if err != nil {
		return fmt.Errorf("ble: %s: %w", op, err)
	}
	if resp.Kind != protocol.KindAck {
		return fmt.Errorf("ble: %s: unexpected response kind %d", op, resp.Kind)
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("ble: %s: %w (%s)", op, ErrRejected, resp.Status)
	}
	return nil
}

// QueryVehicle requests body telemetry.
func (l *Link) QueryVehicle(ctx context.Context) (*protocol.VehicleInfo, error) {
	resp, err := l.query(ctx, protocol.OpQueryVehicle, protocol.KindVehicleInfo)
	if err != nil {
		return nil, err
	}
	info, err := protocol.UnmarshalVehicleInfo(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("ble: decode vehicle info: %w", err)
	}
	return info, nil
}

// QueryIot requests cellular module status.
func (l *Link) QueryIot(ctx context.Context) (*protocol.IotInfo, error) {
	resp, err := l.query(ctx, protocol.OpQueryIot, protocol.KindIotInfo)
	if err != nil {
		return nil, err
	}
	info, err := protocol.UnmarshalIotInfo(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("ble: decode iot info: %w", err)
	}
	return info, nil
}

func (l *Link) query(ctx context.Context, op protocol.Opcode, want protocol.ResponseKind) (*protocol.Response, error) {
	resp, err := l.roundTrip(ctx, op, nil, true)
	if err != nil {
		return nil, fmt.Errorf("ble: %s: %w", op, err)
	}
	if resp.Status != protocol.StatusOK {
		return nil, fmt.Errorf("ble: %s: %w (%s)", op, ErrRejected, resp.Status)
	}
	if resp.Kind != want {
		return nil, fmt.Errorf("ble: %s: unexpected response kind %d", op, resp.Kind)
	}
	return resp, nil
}

// Close disconnects. The handler's HandleLinkLost is not called for a
// deliberate close. Close is idempotent.
func (l *Link) Close() error {
	if !l.markClosed() {
		return nil
	}
	l.log.Info("[BLE] link closed", "mac", l.mac)
	return l.conn.Disconnect()
}

// markClosed flips the link to closed. It reports whether this call did it.
func (l *Link) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	close(l.done)
	return true
}

func (l *Link) handleDisconnect() {
	if !l.markClosed() {
		return
	}
	l.log.Warn("[BLE] link lost", "mac", l.mac)
	if l.ready.Load() && l.handler != nil {
		l.handler.HandleLinkLost()
	}
}

func (l *Link) roundTrip(ctx context.Context, op protocol.Opcode, payload []byte, encrypt bool) (*protocol.Response, error) {
	seq := l.seq.Add(1)
	ch := make(chan *protocol.Response, 1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLinkClosed
	}
	l.pending[seq] = ch
	key := l.key
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, seq)
		l.mu.Unlock()
	}()

	frame, err := l.encode(protocol.Request{Opcode: op, Seq: seq, Payload: payload}, key, encrypt)
	if err != nil {
		return nil, err
	}
	if err := l.write(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-l.done:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Link) encode(req protocol.Request, key []byte, encrypt bool) ([]byte, error) {
	body := protocol.MarshalRequest(req)
	if !encrypt {
		return protocol.Seal(protocol.EnvelopePlain, body), nil
	}
	if key == nil {
		return nil, errors.New("ble: no session key")
	}
	iv, ciphertext, tag, err := blecrypto.Encrypt(key, body)
	if err != nil {
		return nil, fmt.Errorf("ble: encrypt: %w", err)
	}
	// PacketNum mirrors Seq so the vehicle can answer a frame it failed to decrypt.
	dp, err := protocol.MarshalDataPacket(iv, tag, ciphertext, req.Seq)
	if err != nil {
		return nil, fmt.Errorf("ble: marshal data packet: %w", err)
	}
	return protocol.Seal(protocol.EnvelopeEncrypted, dp), nil
}

// write fragments frame to the MTU and writes each piece in order.
func (l *Link) write(frame []byte) error {
	frags, err := protocol.Fragment(frame, l.opts.MTU)
	if err != nil {
		return fmt.Errorf("ble: fragment: %w", err)
	}
	l.log.Debug("[BLE] tx frame", "mac", l.mac, "bytes", len(frame), "fragments", len(frags), "hex", hex.EncodeToString(frame))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for i, frag := range frags {
		if err := l.tx.Write(frag); err != nil {
			return fmt.Errorf("ble: write: %w", err)
		}
		if i < len(frags)-1 && l.opts.InterFragmentDelay > 0 {
			time.Sleep(l.opts.InterFragmentDelay)
		}
	}
	return nil
}

func (l *Link) handleNotification(data []byte) {
	l.rxMu.Lock()
	frame, err := l.reasm.Push(data)
	l.rxMu.Unlock()
	if err != nil {
		l.log.Warn("[BLE] dropping notification", "error", err)
		return
	}
	if frame == nil {
		return
	}
	l.log.Debug("[BLE] rx frame", "mac", l.mac, "bytes", len(frame), "hex", hex.EncodeToString(frame))

	resp, encrypted, err := l.decode(frame)
	if err != nil {
		l.log.Warn("[BLE] undecodable frame", "error", err)
		return
	}
	if !encrypted && !l.acceptPlain(resp) {
		l.log.Warn("[BLE] dropping untrusted plaintext frame",
			"kind", resp.Kind, "seq", resp.Seq, "status", resp.Status)
		return
	}
	l.dispatch(resp)
}

// decode opens a frame and reports whether it arrived encrypted.
func (l *Link) decode(frame []byte) (*protocol.Response, bool, error) {
	env, body, err := protocol.Open(frame)
	if err != nil {
		return nil, false, err
	}
	if env == protocol.EnvelopePlain {
		resp, err := protocol.UnmarshalResponse(body)
		return resp, false, err
	}

	l.mu.Lock()
	key := l.key
	l.mu.Unlock()
	if key == nil {
		return nil, true, errors.New("ble: encrypted frame before key exchange")
	}
	pkt, err := protocol.UnmarshalDataPacket(body)
	if err != nil {
		return nil, true, err
	}
	plain, err := blecrypto.Decrypt(key, pkt.IV, pkt.Ciphertext, pkt.Tag)
	if err != nil {
		return nil, true, err
	}
	resp, err := protocol.UnmarshalResponse(plain)
	return resp, true, err
}

// acceptPlain decides whether an unencrypted response may be dispatched.
// Plaintext must answer a pending request. Once the session key is set the
// vehicle may still refuse a request it could not decrypt, so only a non-OK
// ack or challenge gets through.
func (l *Link) acceptPlain(resp *protocol.Response) bool {
	l.mu.Lock()
	keyed := l.key != nil
	_, pending := l.pending[resp.Seq]
	l.mu.Unlock()

	if resp.Seq == 0 || !pending {
		return false
	}
	if !keyed {
		return true
	}
	if resp.Status == protocol.StatusOK {
		return false
	}
	return resp.Kind == protocol.KindAck || resp.Kind == protocol.KindChallenge
}

func (l *Link) dispatch(resp *protocol.Response) {
	if resp.Seq != 0 {
		l.mu.Lock()
		ch, ok := l.pending[resp.Seq]
		l.mu.Unlock()
		if !ok {
			l.log.Debug("[BLE] response for unknown request", "seq", resp.Seq)
			return
		}
		select {
		case ch <- resp:
		default:
		}
		return
	}

	if l.handler == nil || !l.ready.Load() {
		return
	}
	switch resp.Kind {
	case protocol.KindVehicleInfo:
		info, err := protocol.UnmarshalVehicleInfo(resp.Data)
		if err != nil {
			l.log.Warn("[BLE] bad vehicle info push", "error", err)
			return
		}
		l.handler.HandleVehicleInfo(*info)
	case protocol.KindIotInfo:
		info, err := protocol.UnmarshalIotInfo(resp.Data)
		if err != nil {
			l.log.Warn("[BLE] bad iot info push", "error", err)
			return
		}
		l.handler.HandleIotInfo(*info)
	default:
		l.log.Debug("[BLE] ignoring unsolicited response", "kind", resp.Kind)
	}
}
