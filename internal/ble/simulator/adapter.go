package simulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/vehicle-ble-bridge/internal/ble"
	blecrypto "github.com/chaz8081/vehicle-ble-bridge/internal/ble/crypto"
	"github.com/chaz8081/vehicle-ble-bridge/internal/ble/protocol"
)

// ErrBusy is returned by Connect when the vehicle already has a central.
var ErrBusy = errors.New("simulator: vehicle already connected")

// Adapter is a ble.Adapter whose radio range contains a fixed set of vehicles.
type Adapter struct {
	mu       sync.Mutex
	vehicles map[string]*Vehicle
	connects int
}

// NewAdapter creates an adapter that can see the given vehicles.
func NewAdapter(vehicles ...*Vehicle) *Adapter {
	a := &Adapter{vehicles: make(map[string]*Vehicle)}
	for _, v := range vehicles {
		a.vehicles[v.MAC()] = v
	}
	return a
}

// Compile-time check that Adapter implements ble.Adapter.
var _ ble.Adapter = (*Adapter)(nil)

func (a *Adapter) Enable() error { return nil }

func (a *Adapter) Scan(ctx context.Context, serviceUUID string) ([]ble.Device, error) {
	if serviceUUID != ble.ServiceUUID {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	devices := make([]ble.Device, 0, len(a.vehicles))
	for _, v := range a.vehicles {
		devices = append(devices, ble.Device{Name: v.cfg.Name, MAC: v.cfg.MAC, RSSI: v.cfg.RSSI})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].MAC < devices[j].MAC })
	return devices, nil
}

func (a *Adapter) Connect(ctx context.Context, mac string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("simulator: connect to %s: %w", mac, err)
	}
	a.mu.Lock()
	v, ok := a.vehicles[strings.ToUpper(mac)]
	if ok {
		a.connects++
	}
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("simulator: device %s not in range", mac)
	}
	c, err := v.accept()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connects returns the number of connection attempts that reached a vehicle.
func (a *Adapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (v *Vehicle) accept() (*connection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active != nil {
		return nil, ErrBusy
	}
	c := &connection{
		v:    v,
		out:  make(chan []byte, 32),
		done: make(chan struct{}),
	}
	v.active = c
	v.connects++
	go c.deliver()
	return c, nil
}

// connection is the vehicle's side of one BLE link.
type connection struct {
	v *Vehicle

	mu           sync.Mutex
	reasm        protocol.Reassembler
	key          []byte
	authed       bool
	notify       func([]byte)
	disconnectCb func()
	closed       bool

	out  chan []byte
	done chan struct{}
}

func (c *connection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if serviceUUID != ble.ServiceUUID {
		return nil, fmt.Errorf("simulator: service %s not found", serviceUUID)
	}
	switch charUUID {
	case ble.WriteCharUUID:
		return &writeChar{c: c}, nil
	case ble.NotifyCharUUID:
		return &notifyChar{c: c}, nil
	default:
		return nil, fmt.Errorf("simulator: characteristic %s not found", charUUID)
	}
}

// Disconnect tears the link down from the central's side. The disconnect
// callback still fires, as it does on real stacks.
func (c *connection) Disconnect() error {
	c.close()
	return nil
}

func (c *connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	cb := c.disconnectCb
	c.mu.Unlock()

	c.v.release(c)
	if cb != nil {
		cb()
	}
}

func (c *connection) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// deliver fragments outgoing frames and hands them to the subscriber in order.
func (c *connection) deliver() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			if d := c.v.cfg.ResponseDelay; d > 0 {
				select {
				case <-time.After(d):
				case <-c.done:
					return
				}
			}
			frags, err := protocol.Fragment(frame, protocol.DefaultMTU)
			if err != nil {
				continue
			}
			c.mu.Lock()
			cb := c.notify
			c.mu.Unlock()
			if cb == nil {
				continue
			}
			for _, f := range frags {
				cb(f)
			}
		}
	}
}

func (c *connection) send(frame []byte) {
	select {
	case c.out <- frame:
	case <-c.done:
	}
}

func (c *connection) replyPlain(resp protocol.Response) {
	c.send(protocol.Seal(protocol.EnvelopePlain, protocol.MarshalResponse(resp)))
}

func (c *connection) reply(resp protocol.Response) {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	if key == nil {
		return
	}
	iv, ciphertext, tag, err := blecrypto.Encrypt(key, protocol.MarshalResponse(resp))
	if err != nil {
		return
	}
	dp, err := protocol.MarshalDataPacket(iv, tag, ciphertext, resp.Seq)
	if err != nil {
		return
	}
	c.send(protocol.Seal(protocol.EnvelopeEncrypted, dp))
}

func (c *connection) receive(frag []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("simulator: not connected")
	}
	frame, err := c.reasm.Push(frag)
	c.mu.Unlock()
	if err != nil || frame == nil {
		// Corrupt writes are dropped silently, as a peripheral would.
		return nil
	}
	c.handleFrame(frame)
	return nil
}

func (c *connection) handleFrame(frame []byte) {
	env, body, err := protocol.Open(frame)
	if err != nil {
		return
	}

	if env == protocol.EnvelopePlain {
		req, err := protocol.UnmarshalRequest(body)
		if err != nil {
			return
		}
		if req.Opcode != protocol.OpHello {
			c.replyPlain(protocol.Response{Kind: protocol.KindAck, Seq: req.Seq, Status: protocol.StatusRejected})
			return
		}
		c.handleHello(req)
		return
	}

	pkt, err := protocol.UnmarshalDataPacket(body)
	if err != nil {
		return
	}
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	rejected := protocol.Response{Kind: protocol.KindAck, Seq: pkt.PacketNum, Status: protocol.StatusRejected}
	if key == nil {
		c.replyPlain(rejected)
		return
	}
	plain, err := blecrypto.Decrypt(key, pkt.IV, pkt.Ciphertext, pkt.Tag)
	if err != nil {
		c.replyPlain(rejected)
		return
	}
	req, err := protocol.UnmarshalRequest(plain)
	if err != nil {
		return
	}
	c.handleRequest(req)
}

func (c *connection) handleHello(req *protocol.Request) {
	if string(req.Payload) != c.v.cfg.IMEI {
		c.v.cfg.Logger.Debug("[SIM] hello for unknown imei", "mac", c.v.cfg.MAC)
		c.replyPlain(protocol.Response{Kind: protocol.KindChallenge, Seq: req.Seq, Status: protocol.StatusRejected})
		return
	}
	nonce, err := blecrypto.NewNonce()
	if err != nil {
		return
	}
	cfg := c.v.cfg
	key, err := blecrypto.DeriveSessionKey(cfg.SecretKey, cfg.BLEKey, cfg.OperatorCode, nonce)
	if err != nil {
		c.replyPlain(protocol.Response{Kind: protocol.KindChallenge, Seq: req.Seq, Status: protocol.StatusRejected})
		return
	}
	c.mu.Lock()
	c.key = key
	c.authed = false
	c.mu.Unlock()
	c.replyPlain(protocol.Response{Kind: protocol.KindChallenge, Seq: req.Seq, Status: protocol.StatusOK, Data: nonce})
}

func (c *connection) handleRequest(req *protocol.Request) {
	rejectAuth, unresponsive := c.v.flags()

	if req.Opcode == protocol.OpAuth {
		if rejectAuth || string(req.Payload) != c.v.cfg.IMEI {
			c.v.cfg.Logger.Debug("[SIM] rejecting auth", "mac", c.v.cfg.MAC)
			c.replyPlain(protocol.Response{Kind: protocol.KindAck, Seq: req.Seq, Status: protocol.StatusRejected})
			return
		}
		c.mu.Lock()
		c.authed = true
		c.mu.Unlock()
		c.reply(protocol.Response{Kind: protocol.KindAck, Seq: req.Seq, Status: protocol.StatusOK})
		return
	}

	if !c.isAuthed() {
		c.replyPlain(protocol.Response{Kind: protocol.KindAck, Seq: req.Seq, Status: protocol.StatusRejected})
		return
	}
	if unresponsive {
		return
	}

	switch req.Opcode {
	case protocol.OpQueryVehicle:
		info, _ := c.v.snapshot()
		c.reply(protocol.Response{Kind: protocol.KindVehicleInfo, Seq: req.Seq, Status: protocol.StatusOK, Data: protocol.MarshalVehicleInfo(info)})
	case protocol.OpQueryIot:
		_, iot := c.v.snapshot()
		c.reply(protocol.Response{Kind: protocol.KindIotInfo, Seq: req.Seq, Status: protocol.StatusOK, Data: protocol.MarshalIotInfo(iot)})
	default:
		if !c.v.apply(req.Opcode) {
			c.reply(protocol.Response{Kind: protocol.KindAck, Seq: req.Seq, Status: protocol.StatusUnsupported})
			return
		}
		c.reply(protocol.Response{Kind: protocol.KindAck, Seq: req.Seq, Status: protocol.StatusOK})
	}
}

type writeChar struct{ c *connection }

func (w *writeChar) Write(data []byte) error { return w.c.receive(data) }

func (w *writeChar) Subscribe(func([]byte)) error {
	return errors.New("simulator: write characteristic does not notify")
}

type notifyChar struct{ c *connection }

func (n *notifyChar) Write([]byte) error {
	return errors.New("simulator: notify characteristic is not writable")
}

func (n *notifyChar) Subscribe(cb func([]byte)) error {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	n.c.notify = cb
	return nil
}
