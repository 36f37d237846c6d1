package websocket

import (
	"context"
	"crypto/rand"
	"io"
	"sync"

	"github.com/vitalvas/wsgate/extension"
	"github.com/vitalvas/wsgate/frame"
)

// Role distinguishes the two ends of a connection. The client masks
// every outbound frame; the server never does (RFC 6455, section 5.3).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Writer serializes outbound frames for one connection. It is safe for
// use from multiple goroutines; frames reach the transport in call
// order, one write in flight at a time.
type Writer struct {
	mu        sync.Mutex
	role      Role
	transport Transport
	pipeline  *extension.Pipeline
	sm        *stateMachine
}

func newWriter(role Role, transport Transport, pipeline *extension.Pipeline, sm *stateMachine) *Writer {
	return &Writer{
		role:      role,
		transport: transport,
		pipeline:  pipeline,
		sm:        sm,
	}
}

// SendText writes a text frame. A message may be spread over several
// frames: the first call carries fin=false and subsequent fragments go
// through SendContinuation.
func (w *Writer) SendText(ctx context.Context, s string, fin bool) error {
	return w.sendData(ctx, frame.OpText, []byte(s), fin)
}

// SendBinary writes a binary frame.
func (w *Writer) SendBinary(ctx context.Context, p []byte, fin bool) error {
	return w.sendData(ctx, frame.OpBinary, p, fin)
}

// SendContinuation writes a continuation frame of a fragmented message.
func (w *Writer) SendContinuation(ctx context.Context, p []byte, fin bool) error {
	return w.sendData(ctx, frame.OpContinuation, p, fin)
}

// Close starts the close handshake with the given code and reason. It is
// idempotent; only the first call emits a close frame.
func (w *Writer) Close(ctx context.Context, code uint16, reason string) error {
	act := w.sm.sendClose(code, reason)
	if act.kind != actionSendClose {
		return nil
	}
	return w.writeFrame(ctx, frame.CloseFrame(act.code, act.reason))
}

func (w *Writer) sendData(ctx context.Context, op frame.Opcode, payload []byte, fin bool) error {
	if !w.sm.writable() {
		if w.sm.currentPhase() == phaseClosing {
			return ErrCloseSent
		}
		return ErrConnectionClosed
	}

	f := frame.Data(op, payload, fin)
	if err := w.pipeline.Outbound(&f); err != nil {
		return err
	}
	return w.writeFrame(ctx, f)
}

// writeControl bypasses the extension pipeline and the writable check;
// it carries state-machine action hints (pong replies, pings, the close
// echo) to the wire.
func (w *Writer) writeControl(ctx context.Context, f frame.Frame) error {
	return w.writeFrame(ctx, f)
}

// writeFrame applies role masking and hands the frame to the transport
// under the write lock.
func (w *Writer) writeFrame(ctx context.Context, f frame.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if w.role == RoleClient {
		// Fresh key per frame; the codec masks a copy of the payload at
		// write time.
		var key [4]byte
		if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
			return err
		}
		f.MaskKey = &key
	} else {
		f.MaskKey = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transport.WriteFrame(f)
}
