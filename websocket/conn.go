package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitalvas/wsgate/extension"
	"github.com/vitalvas/wsgate/frame"
)

// Handler is the user data handler, invoked exactly once per connection
// with the inbound stream and the outbound writer. Returning nil starts
// a normal close (code 1000); returning an error closes with 1011.
type Handler func(ctx context.Context, stream *Stream, w *Writer) error

// drainTimeout bounds how long a connection waits for the peer's close
// frame (and, on the client, the server's FIN) during teardown.
const drainTimeout = 5 * time.Second

// controlWriteTimeout is the deadline of the context under which the
// driver writes pongs, pings and locally initiated close frames. The
// writer checks that context only before a write starts; a transport
// write that is already blocked is not interrupted by it.
const controlWriteTimeout = 5 * time.Second

// Conn drives one WebSocket connection after a successful upgrade: it
// pumps inbound frames, applies extension transforms, maps control
// frames to state-machine events, runs the auto-ping task and invokes
// the user handler.
type Conn struct {
	role      Role
	transport Transport
	pipeline  *extension.Pipeline
	sm        *stateMachine
	writer    *Writer
	stream    *Stream
	autoPing  AutoPing

	ran bool
}

func newConn(role Role, transport Transport, pipeline *extension.Pipeline, autoPing AutoPing) *Conn {
	c := &Conn{
		role:      role,
		transport: transport,
		pipeline:  pipeline,
		sm:        newStateMachine(autoPing.Interval),
		autoPing:  autoPing,
	}
	c.writer = newWriter(role, transport, pipeline, c.sm)
	c.stream = &Stream{conn: c}
	return c
}

// Writer returns the connection's outbound writer.
func (c *Conn) Writer() *Writer {
	return c.writer
}

// Run invokes the handler and drives the connection until the close
// handshake completes or the transport fails. It returns the terminal
// close payload; on the client role a handler error is returned
// alongside it, on the server role handler errors are converted to a
// 1011 close and swallowed.
func (c *Conn) Run(ctx context.Context, handler Handler) (frame.ClosePayload, error) {
	if c.ran {
		return frame.ClosePayload{}, ErrHandlerDone
	}
	c.ran = true

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.pipeline.Shutdown()
	defer c.transport.Close()

	// Cancellation closes the input side so a blocked read returns.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			c.closeRead()
		case <-watchDone:
		}
	}()

	var pingWG sync.WaitGroup
	if c.autoPing.Enabled && c.autoPing.Interval > 0 {
		pingWG.Add(1)
		go c.autoPingLoop(ctx, &pingWG)
	}

	handlerErr := c.invokeHandler(ctx, handler)

	var closeErr *CloseError
	switch {
	case handlerErr == nil:
		c.writer.Close(ctx, frame.CloseNormalClosure, "")
	case errors.As(handlerErr, &closeErr):
		// Peer-initiated close already completed the handshake.
		handlerErr = nil
	case errors.Is(handlerErr, context.Canceled), errors.Is(handlerErr, context.DeadlineExceeded):
		// Cancelled: no further writes, partial shutdown is acceptable.
	default:
		// Protocol failures already initiated a close with their own
		// code; sendClose is idempotent so this is a no-op for them.
		c.writer.Close(ctx, frame.CloseInternalServerErr, "")
	}

	c.drain()

	cancel()
	pingWG.Wait()

	cp := c.sm.closePayload()
	if c.role == RoleClient {
		return cp, handlerErr
	}
	return cp, nil
}

func (c *Conn) invokeHandler(ctx context.Context, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("websocket: handler panic: %v", r)
		}
	}()
	return handler(ctx, c.stream, c.writer)
}

// nextDataFrame is the inbound loop body: it reads frames, dispatches
// control frames to the state machine, applies inbound extensions and
// returns the next data frame for the stream.
func (c *Conn) nextDataFrame(ctx context.Context) (frame.Frame, error) {
	for {
		if c.sm.currentPhase() == phaseClosed {
			cp := c.sm.closePayload()
			return frame.Frame{}, &CloseError{Code: cp.Code, Reason: cp.Reason}
		}

		f, err := c.transport.ReadFrame()
		if err != nil {
			return frame.Frame{}, c.readError(ctx, err)
		}

		if err := c.checkMasking(f); err != nil {
			return frame.Frame{}, c.fail(ctx, frame.CloseProtocolError, "bad frame masking", err)
		}

		switch {
		case f.Opcode.IsReserved():
			return frame.Frame{}, c.failProtocol(ctx, "reserved opcode "+f.Opcode.String())

		case f.Opcode == frame.OpPing:
			if err := c.handlePing(ctx, f); err != nil {
				return frame.Frame{}, err
			}

		case f.Opcode == frame.OpPong:
			c.sm.receivePong(f.UnmaskedPayload())

		case f.Opcode == frame.OpClose:
			if done := c.handleClose(ctx, f); done {
				cp := c.sm.closePayload()
				return frame.Frame{}, &CloseError{Code: cp.Code, Reason: cp.Reason}
			}

		default:
			if c.sm.currentPhase() != phaseOpen {
				// Draining after a locally initiated close.
				continue
			}
			if err := c.pipeline.Inbound(&f); err != nil {
				return frame.Frame{}, c.extensionError(ctx, err)
			}
			if f.Rsv1 || f.Rsv2 || f.Rsv3 {
				return frame.Frame{}, c.failProtocol(ctx, "unexpected reserved bits")
			}
			f.Unmask()
			return f, nil
		}
	}
}

// checkMasking enforces RFC 6455, section 5.3: client frames must be
// masked, server frames must not be.
func (c *Conn) checkMasking(f frame.Frame) error {
	if c.role == RoleServer && f.MaskKey == nil {
		return ErrUnmaskedFrame
	}
	if c.role == RoleClient && f.MaskKey != nil {
		return ErrMaskedFrame
	}
	return nil
}

func (c *Conn) handlePing(ctx context.Context, f frame.Frame) error {
	act := c.sm.receivePing(f.UnmaskedPayload())
	switch act.kind {
	case actionSendPong:
		wctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
		defer cancel()
		return c.ignoreWriteErr(c.writer.writeControl(wctx, frame.Control(frame.OpPong, act.payload)))
	case actionSendClose:
		c.writer.writeControl(ctx, frame.CloseFrame(act.code, act.reason))
		return fmt.Errorf("%w: oversized ping", ErrProtocol)
	}
	return nil
}

// handleClose runs the close handshake step for a peer close frame and
// reports whether the connection reached the closed state.
func (c *Conn) handleClose(ctx context.Context, f frame.Frame) bool {
	act := c.sm.receiveClose(f.UnmaskedPayload())
	if act.kind == actionSendClose {
		c.writer.writeControl(ctx, frame.CloseFrame(act.code, act.reason))
		c.sm.confirmPeerClose()
	}
	return c.sm.currentPhase() == phaseClosed
}

// ignoreWriteErr drops write failures for best-effort control replies
// when the connection is already going down.
func (c *Conn) ignoreWriteErr(err error) error {
	if err != nil && c.sm.currentPhase() != phaseOpen {
		return nil
	}
	return err
}

// readError classifies a transport read failure: codec bound violations
// start a close handshake with the matching code, everything else is a
// dead transport.
func (c *Conn) readError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, frame.ErrFrameTooLarge):
		return c.fail(ctx, frame.CloseMessageTooBig, "frame too large", ErrMessageTooLarge)
	case errors.Is(err, frame.ErrFragmentedControlFrame),
		errors.Is(err, frame.ErrControlFramePayloadTooBig),
		errors.Is(err, frame.ErrInvalidLength):
		return c.fail(ctx, frame.CloseProtocolError, "malformed frame", ErrProtocol)
	default:
		c.sm.abort(frame.CloseAbnormalClosure, "transport closed")
		return err
	}
}

// extensionError classifies a failed inbound transform.
func (c *Conn) extensionError(ctx context.Context, err error) error {
	if errors.Is(err, extension.ErrDecompressedTooLarge) {
		return c.fail(ctx, frame.CloseMessageTooBig, "decompressed message too large", ErrMessageTooLarge)
	}
	c.initiateClose(ctx, frame.CloseInternalServerErr, "extension failure")
	return err
}

func (c *Conn) failProtocol(ctx context.Context, reason string) error {
	return c.fail(ctx, frame.CloseProtocolError, reason, ErrProtocol)
}

func (c *Conn) fail(ctx context.Context, code uint16, reason string, err error) error {
	c.initiateClose(ctx, code, reason)
	return fmt.Errorf("%w: %s", err, reason)
}

// initiateClose writes a close frame if the state machine allows one.
func (c *Conn) initiateClose(ctx context.Context, code uint16, reason string) {
	act := c.sm.sendClose(code, reason)
	if act.kind != actionSendClose {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	c.writer.writeControl(wctx, frame.CloseFrame(act.code, act.reason))
}

// drain completes the close handshake: it reads frames until the peer's
// close arrives or the transport dies. The client additionally waits for
// the server's FIN per RFC 6455, section 7.1.1; the server tears the
// transport down itself (deferred in Run).
func (c *Conn) drain() {
	if rd, ok := c.transport.(readDeadliner); ok {
		rd.SetReadDeadline(time.Now().Add(drainTimeout))
		defer rd.SetReadDeadline(time.Time{})
	}

	for {
		p := c.sm.currentPhase()
		if p == phaseOpen {
			// Handler returned without a close having been initiated
			// (cancellation path); nothing to wait for.
			return
		}
		if p == phaseClosed && c.role == RoleServer {
			return
		}

		f, err := c.transport.ReadFrame()
		if err != nil {
			// EOF here is the expected server FIN on the client side.
			c.sm.abort(frame.CloseAbnormalClosure, "transport closed")
			return
		}
		if f.Opcode == frame.OpClose {
			act := c.sm.receiveClose(f.UnmaskedPayload())
			if act.kind == actionSendClose {
				wctx, cancel := context.WithTimeout(context.Background(), controlWriteTimeout)
				c.writer.writeControl(wctx, frame.CloseFrame(act.code, act.reason))
				cancel()
				c.sm.confirmPeerClose()
			}
			if c.sm.currentPhase() == phaseClosed && c.role == RoleServer {
				return
			}
		}
	}
}

func (c *Conn) closeRead() {
	if rc, ok := c.transport.(readCloser); ok {
		rc.CloseRead()
	}
}

// autoPingLoop is the liveness task: every interval it consults the
// state machine, writes a ping, and forces a 1001 close after two
// consecutive unanswered pings.
func (c *Conn) autoPingLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(c.autoPing.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			act := c.sm.autoPingTick()
			switch act.kind {
			case actionSendPing:
				wctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
				c.writer.writeControl(wctx, frame.Control(frame.OpPing, act.payload))
				cancel()
			case actionSendClose:
				wctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
				c.writer.writeControl(wctx, frame.CloseFrame(act.code, act.reason))
				cancel()
				// The peer is unresponsive; unblock the reader so the
				// handler observes the timeout.
				c.closeRead()
				return
			default:
				if c.sm.currentPhase() != phaseOpen {
					return
				}
			}
		}
	}
}
