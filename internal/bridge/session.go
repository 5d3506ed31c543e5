package bridge

import (
	"context"

	"github.com/looplab/fsm"
)

// ConnectionState is the externally visible state of the single session.
type ConnectionState string

const (
	StateUnconnected   ConnectionState = "unconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
)

// Session FSM events.
const (
	fsmConnect     = "connect"
	fsmEstablished = "established"
	fsmFail        = "fail"
	fsmDisconnect  = "disconnect"
	fsmClosed      = "closed"
	fsmLost        = "lost"
)

// session is the one BLE session the bridge owns. All fields are guarded by
// the bridge mutex; the FSM only validates and announces transitions.
type session struct {
	fsm  *fsm.FSM
	link Link
	mac  string
	gen  uint64 // bumped on every connect attempt
}

type stateChangeFunc func(change ConnectionChange)

func newSession(onChange stateChangeFunc) *session {
	s := &session{}

	events := fsm.Events{
		{Name: fsmConnect, Src: []string{string(StateUnconnected)}, Dst: string(StateConnecting)},
		{Name: fsmEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
		{Name: fsmFail, Src: []string{string(StateConnecting)}, Dst: string(StateUnconnected)},
		{Name: fsmDisconnect, Src: []string{string(StateConnected)}, Dst: string(StateDisconnecting)},
		{Name: fsmClosed, Src: []string{string(StateDisconnecting)}, Dst: string(StateUnconnected)},
		{Name: fsmLost, Src: []string{string(StateConnected), string(StateDisconnecting)}, Dst: string(StateUnconnected)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			change := ConnectionChange{
				From: ConnectionState(e.Src),
				To:   ConnectionState(e.Dst),
			}
			if len(e.Args) > 0 {
				change.MAC, _ = e.Args[0].(string)
			}
			if len(e.Args) > 1 {
				change.Reason, _ = e.Args[1].(string)
			}
			onChange(change)
		},
	}

	s.fsm = fsm.NewFSM(string(StateUnconnected), events, callbacks)
	return s
}

func (s *session) state() ConnectionState {
	return ConnectionState(s.fsm.Current())
}

// fire runs one FSM transition, tagging the announcement with the session MAC.
func (s *session) fire(event, reason string) error {
	return s.fsm.Event(context.Background(), event, s.mac, reason)
}
