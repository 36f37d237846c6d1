package websocket

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitalvas/wsgate/frame"
)

// pingTimeoutThreshold is the number of consecutive unanswered pings
// that force a close (code 1001).
const pingTimeoutThreshold = 2

type phase int

const (
	phaseOpen phase = iota
	phaseClosing
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseOpen:
		return "open"
	case phaseClosing:
		return "closing"
	default:
		return "closed"
	}
}

type actionKind int

const (
	actionNone actionKind = iota
	actionSendPong
	actionSendPing
	actionSendClose
)

// action is the wire operation the state machine asks the driver to
// perform. The machine itself never does I/O.
type action struct {
	kind    actionKind
	payload []byte
	code    uint16
	reason  string
}

var noAction = action{kind: actionNone}

// stateMachine is the pure connection state machine: open/closing/closed
// transitions, close handshake policy and ping bookkeeping. All methods
// are short critical sections that never block.
type stateMachine struct {
	mu    sync.Mutex
	phase phase

	// terminal holds the close code and reason that ended the
	// connection, either the peer's or a locally chosen one.
	terminal *frame.ClosePayload

	lastPingPayload []byte
	pendingPings    uint32
	pingInterval    time.Duration
}

func newStateMachine(pingInterval time.Duration) *stateMachine {
	return &stateMachine{pingInterval: pingInterval}
}

// receivePing answers a ping in the open state. Oversized ping payloads
// are a protocol error per RFC 6455, section 5.5.
func (sm *stateMachine) receivePing(payload []byte) action {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.phase != phaseOpen {
		return noAction
	}
	if len(payload) > frame.MaxControlPayloadSize {
		return sm.closeLocked(frame.CloseProtocolError, "ping payload too large")
	}
	return action{kind: actionSendPong, payload: payload}
}

// receivePong clears the pending ping counter. Any pong counts: the peer
// may coalesce replies, so matching the exact payload is not required.
func (sm *stateMachine) receivePong(payload []byte) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.lastPingPayload != nil && bytes.Equal(payload, sm.lastPingPayload) {
		sm.lastPingPayload = nil
	}
	sm.pendingPings = 0
}

// receiveClose handles the peer's close frame per RFC 6455, section 7.
// In the open state the peer's valid code is echoed; a malformed payload
// is answered with 1002. In the closing state the peer's close completes
// the handshake.
func (sm *stateMachine) receiveClose(payload []byte) action {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch sm.phase {
	case phaseClosed:
		return noAction

	case phaseClosing:
		cp, err := frame.ParseClosePayload(payload)
		if err != nil {
			cp = frame.ClosePayload{Code: frame.CloseProtocolError}
		}
		sm.phase = phaseClosed
		sm.terminal = &cp
		return noAction

	default:
		cp, err := frame.ParseClosePayload(payload)
		if err != nil {
			return sm.closeLocked(frame.CloseProtocolError, "invalid close payload")
		}
		return sm.closeLocked(cp.Code, cp.Reason)
	}
}

// sendClose starts a locally initiated close. Idempotent: at most one
// close frame is ever handed to the driver.
func (sm *stateMachine) sendClose(code uint16, reason string) action {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.phase != phaseOpen {
		return noAction
	}
	return sm.closeLocked(code, reason)
}

func (sm *stateMachine) closeLocked(code uint16, reason string) action {
	sm.phase = phaseClosing
	sm.terminal = &frame.ClosePayload{Code: code, Reason: reason}
	return action{kind: actionSendClose, code: code, reason: reason}
}

// autoPingTick runs one liveness check. Two unanswered pings close the
// connection with 1001; otherwise a fresh random 16-byte payload is
// pinged and the counter incremented.
func (sm *stateMachine) autoPingTick() action {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.phase != phaseOpen {
		return noAction
	}
	if sm.pendingPings >= pingTimeoutThreshold {
		return sm.closeLocked(frame.CloseGoingAway, "Ping timeout")
	}

	id := uuid.New()
	sm.lastPingPayload = id[:]
	sm.pendingPings++
	return action{kind: actionSendPing, payload: sm.lastPingPayload}
}

// confirmPeerClose completes the handshake after the driver has written
// the echo for a peer-initiated close.
func (sm *stateMachine) confirmPeerClose() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.phase == phaseClosing {
		sm.phase = phaseClosed
	}
}

// abort records a terminal state without a close handshake (transport
// failure, cancellation). An already recorded terminal close is kept.
func (sm *stateMachine) abort(code uint16, reason string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.phase == phaseClosed {
		return
	}
	sm.phase = phaseClosed
	if sm.terminal == nil {
		sm.terminal = &frame.ClosePayload{Code: code, Reason: reason}
	}
}

// writable reports whether data frames may still be written.
func (sm *stateMachine) writable() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.phase == phaseOpen
}

func (sm *stateMachine) currentPhase() phase {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.phase
}

// closePayload returns the terminal close frame once the connection has
// left the open state.
func (sm *stateMachine) closePayload() frame.ClosePayload {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.terminal == nil {
		return frame.ClosePayload{Code: frame.CloseAbnormalClosure}
	}
	return *sm.terminal
}
