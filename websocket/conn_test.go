package websocket

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/wsgate/extension"
	"github.com/vitalvas/wsgate/frame"
)

// scriptTransport is an in-memory Transport: tests feed inbound frames
// through a channel and inspect everything the connection wrote.
type scriptTransport struct {
	in          chan frame.Frame
	readErr     error
	readTimeout time.Duration

	mu      sync.Mutex
	written []frame.Frame
	closed  bool

	unblockOnce sync.Once
	unblock     chan struct{}
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{
		in:          make(chan frame.Frame, 16),
		readTimeout: 2 * time.Second,
		unblock:     make(chan struct{}),
	}
}

func (s *scriptTransport) feed(f frame.Frame) {
	s.in <- f
}

// feedMasked masks the frame the way a client would before delivering
// it. The payload is copied so the caller's slice stays untouched.
func (s *scriptTransport) feedMasked(f frame.Frame) {
	f.Payload = append([]byte(nil), f.Payload...)
	f.Mask([4]byte{0x0a, 0x0b, 0x0c, 0x0d})
	s.in <- f
}

func (s *scriptTransport) endInput() {
	close(s.in)
}

func (s *scriptTransport) ReadFrame() (frame.Frame, error) {
	select {
	case f, ok := <-s.in:
		if !ok {
			return frame.Frame{}, io.EOF
		}
		return f, nil
	case <-s.unblock:
		return frame.Frame{}, io.EOF
	case <-time.After(s.readTimeout):
		if s.readErr != nil {
			return frame.Frame{}, s.readErr
		}
		return frame.Frame{}, os.ErrDeadlineExceeded
	}
}

func (s *scriptTransport) WriteFrame(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	s.written = append(s.written, f)
	return nil
}

func (s *scriptTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptTransport) CloseRead() error {
	s.unblockOnce.Do(func() { close(s.unblock) })
	return nil
}

func (s *scriptTransport) frames() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.written...)
}

func (s *scriptTransport) framesByOpcode(op frame.Opcode) []frame.Frame {
	var out []frame.Frame
	for _, f := range s.frames() {
		if f.Opcode == op {
			out = append(out, f)
		}
	}
	return out
}

// errTransport returns a fixed error on every read.
type errTransport struct {
	*scriptTransport
	err error
}

func (e *errTransport) ReadFrame() (frame.Frame, error) {
	return frame.Frame{}, e.err
}

func newServerConn(transport Transport) *Conn {
	return newConn(RoleServer, transport, extension.NewPipeline(), AutoPing{})
}

func TestConnEchoesPingBeforeData(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.Control(frame.OpPing, []byte("liveness")))
	st.feedMasked(frame.Data(frame.OpText, []byte("hi"), true))
	st.endInput()

	conn := newServerConn(st)

	var got Message
	cp, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		msg, err := stream.NextMessage(ctx, 64)
		if err != nil {
			return err
		}
		got = msg
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "hi", got.Text())
	assert.Equal(t, uint16(frame.CloseNormalClosure), cp.Code)

	written := st.frames()
	require.NotEmpty(t, written)
	assert.Equal(t, frame.OpPong, written[0].Opcode, "pong precedes any other outbound frame")
	assert.Equal(t, []byte("liveness"), written[0].Payload)
}

func TestConnFragmentedMessageReassembly(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.Data(frame.OpBinary, []byte{1, 2, 3}, false))
	st.feedMasked(frame.Data(frame.OpContinuation, []byte{4, 5, 6, 7, 8}, false))
	st.feedMasked(frame.Data(frame.OpContinuation, []byte{9, 10, 11, 12, 13, 14, 15, 16}, true))
	st.endInput()

	conn := newServerConn(st)

	var got Message
	_, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		msg, err := stream.NextMessage(ctx, 64)
		if err != nil {
			return err
		}
		got = msg
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, MessageBinary, got.Type)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, got.Data)
}

func TestConnCoalescedMessageTooLarge(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.Data(frame.OpBinary, make([]byte, 40), false))
	st.feedMasked(frame.Data(frame.OpContinuation, make([]byte, 40), true))
	st.endInput()

	conn := newServerConn(st)

	cp, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, err := stream.NextMessage(ctx, 64)
		return err
	})
	require.NoError(t, err, "server role swallows handler errors")
	assert.Equal(t, uint16(frame.CloseMessageTooBig), cp.Code)

	closes := st.framesByOpcode(frame.OpClose)
	require.Len(t, closes, 1)
	parsed, perr := frame.ParseClosePayload(closes[0].Payload)
	require.NoError(t, perr)
	assert.Equal(t, uint16(frame.CloseMessageTooBig), parsed.Code)
}

func TestConnReservedOpcodeCloses1002(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.Frame{Fin: true, Opcode: frame.Opcode(0x3), Payload: []byte("x")})
	st.endInput()

	conn := newServerConn(st)

	var handlerErr error
	cp, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, handlerErr = stream.NextMessage(ctx, 64)
		return handlerErr
	})
	require.NoError(t, err)

	assert.ErrorIs(t, handlerErr, ErrProtocol)
	assert.Equal(t, uint16(frame.CloseProtocolError), cp.Code)
}

func TestConnContinuationWithoutStartCloses1002(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.Data(frame.OpContinuation, []byte("orphan"), true))
	st.endInput()

	conn := newServerConn(st)

	cp, _ := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, err := stream.NextMessage(ctx, 64)
		return err
	})
	assert.Equal(t, uint16(frame.CloseProtocolError), cp.Code)
}

func TestConnInvalidUTF8TextCloses1007(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.Data(frame.OpText, []byte{0xff, 0xfe, 0xfd}, true))
	st.endInput()

	conn := newServerConn(st)

	cp, _ := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, err := stream.NextMessage(ctx, 64)
		return err
	})
	assert.Equal(t, uint16(frame.CloseInvalidFramePayloadData), cp.Code)
}

func TestConnPeerCloseEchoed(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.CloseFrame(4000, "app closing"))
	st.endInput()

	conn := newServerConn(st)

	cp, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, err := stream.NextMessage(ctx, 64)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, uint16(4000), cp.Code)
	assert.Equal(t, "app closing", cp.Reason)

	closes := st.framesByOpcode(frame.OpClose)
	require.Len(t, closes, 1, "exactly one close frame on the wire")
	parsed, perr := frame.ParseClosePayload(closes[0].Payload)
	require.NoError(t, perr)
	assert.Equal(t, uint16(4000), parsed.Code)
}

func TestConnEmptyCloseAnsweredWithNormalClosure(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.Control(frame.OpClose, nil))
	st.endInput()

	conn := newServerConn(st)

	cp, _ := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, err := stream.NextMessage(ctx, 64)
		return err
	})
	assert.Equal(t, uint16(frame.CloseNormalClosure), cp.Code)

	closes := st.framesByOpcode(frame.OpClose)
	require.Len(t, closes, 1)
	parsed, perr := frame.ParseClosePayload(closes[0].Payload)
	require.NoError(t, perr)
	assert.Equal(t, uint16(frame.CloseNormalClosure), parsed.Code)
}

func TestConnMalformedCloseAnsweredWith1002(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.Control(frame.OpClose, []byte{0x03}))
	st.endInput()

	conn := newServerConn(st)

	cp, _ := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, err := stream.NextMessage(ctx, 64)
		return err
	})
	assert.Equal(t, uint16(frame.CloseProtocolError), cp.Code)
}

func TestConnSingleCloseDespiteRepeatedCalls(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.CloseFrame(frame.CloseNormalClosure, ""))
	st.endInput()

	conn := newServerConn(st)

	_, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		require.NoError(t, w.Close(ctx, frame.CloseNormalClosure, "bye"))
		require.NoError(t, w.Close(ctx, frame.CloseNormalClosure, "again"))
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, st.framesByOpcode(frame.OpClose), 1)
}

func TestConnNoWritesAfterClosed(t *testing.T) {
	st := newScriptTransport()
	st.feedMasked(frame.CloseFrame(frame.CloseNormalClosure, ""))
	st.endInput()

	conn := newServerConn(st)

	_, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		// Drive the stream until the peer close lands.
		_, err := stream.NextMessage(ctx, 64)
		require.Error(t, err)

		werr := w.SendText(ctx, "late", true)
		assert.Error(t, werr)
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, st.framesByOpcode(frame.OpText))
}

func TestConnRejectsUnmaskedClientFrame(t *testing.T) {
	st := newScriptTransport()
	st.feed(frame.Data(frame.OpText, []byte("bare"), true)) // unmasked
	st.endInput()

	conn := newServerConn(st)

	cp, _ := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, err := stream.NextMessage(ctx, 64)
		return err
	})
	assert.Equal(t, uint16(frame.CloseProtocolError), cp.Code)
}

func TestConnRoleMasking(t *testing.T) {
	t.Run("client masks every frame", func(t *testing.T) {
		st := newScriptTransport()
		st.feed(frame.CloseFrame(frame.CloseNormalClosure, "")) // server reply, unmasked
		st.endInput()

		conn := newConn(RoleClient, st, extension.NewPipeline(), AutoPing{})
		_, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
			return w.SendBinary(ctx, []byte{1, 2, 3}, true)
		})
		require.NoError(t, err)

		for _, f := range st.frames() {
			assert.NotNil(t, f.MaskKey, "client frame %s must be masked", f.Opcode)
		}
	})

	t.Run("server never masks", func(t *testing.T) {
		st := newScriptTransport()
		st.feedMasked(frame.CloseFrame(frame.CloseNormalClosure, ""))
		st.endInput()

		conn := newServerConn(st)
		_, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
			return w.SendBinary(ctx, []byte{1, 2, 3}, true)
		})
		require.NoError(t, err)

		for _, f := range st.frames() {
			assert.Nil(t, f.MaskKey, "server frame %s must not be masked", f.Opcode)
		}
	})
}

func TestConnFreshMaskKeyPerFrame(t *testing.T) {
	st := newScriptTransport()
	st.feed(frame.CloseFrame(frame.CloseNormalClosure, ""))
	st.endInput()

	conn := newConn(RoleClient, st, extension.NewPipeline(), AutoPing{})
	_, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		for i := 0; i < 4; i++ {
			if err := w.SendBinary(ctx, []byte("same payload"), true); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	keys := make(map[[4]byte]bool)
	for _, f := range st.framesByOpcode(frame.OpBinary) {
		require.NotNil(t, f.MaskKey)
		keys[*f.MaskKey] = true
	}
	assert.Len(t, keys, 4, "mask keys must not repeat across frames")
}

func TestConnFrameTooLargeCloses1009(t *testing.T) {
	base := newScriptTransport()
	st := &errTransport{scriptTransport: base, err: frame.ErrFrameTooLarge}

	conn := newConn(RoleServer, st, extension.NewPipeline(), AutoPing{})

	delivered := false
	cp, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, nerr := stream.NextMessage(ctx, 1<<20)
		if nerr == nil {
			delivered = true
		}
		return nerr
	})
	require.NoError(t, err)

	assert.False(t, delivered, "no data reaches the handler")
	assert.Equal(t, uint16(frame.CloseMessageTooBig), cp.Code)

	closes := base.framesByOpcode(frame.OpClose)
	require.Len(t, closes, 1)
	parsed, perr := frame.ParseClosePayload(closes[0].Payload)
	require.NoError(t, perr)
	assert.Equal(t, uint16(frame.CloseMessageTooBig), parsed.Code)
}

func TestConnAutoPingTimeout(t *testing.T) {
	st := newScriptTransport()
	// The peer never answers; input stays open until CloseRead.

	conn := newConn(RoleServer, st, extension.NewPipeline(), EnabledAutoPing(30*time.Millisecond))

	start := time.Now()
	cp, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, nerr := stream.NextMessage(ctx, 64)
		return nerr
	})
	require.NoError(t, err)

	assert.Equal(t, uint16(frame.CloseGoingAway), cp.Code)
	assert.Equal(t, "Ping timeout", cp.Reason)
	assert.Less(t, time.Since(start), time.Second)

	pings := st.framesByOpcode(frame.OpPing)
	require.Len(t, pings, 2, "two unanswered pings before the timeout")
	assert.Len(t, pings[0].Payload, 16)
	assert.NotEqual(t, pings[0].Payload, pings[1].Payload)

	closes := st.framesByOpcode(frame.OpClose)
	require.Len(t, closes, 1)
	parsed, perr := frame.ParseClosePayload(closes[0].Payload)
	require.NoError(t, perr)
	assert.Equal(t, uint16(frame.CloseGoingAway), parsed.Code)
	assert.Equal(t, "Ping timeout", parsed.Reason)
}

func TestConnAutoPingAnsweredKeepsConnectionAlive(t *testing.T) {
	st := newScriptTransport()
	st.readTimeout = 200 * time.Millisecond

	conn := newConn(RoleServer, st, extension.NewPipeline(), EnabledAutoPing(20*time.Millisecond))

	// Answer every ping from a fake peer until the test ends.
	stop := make(chan struct{})
	go func() {
		seen := 0
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			pings := st.framesByOpcode(frame.OpPing)
			for ; seen < len(pings); seen++ {
				st.feedMasked(frame.Control(frame.OpPong, pings[seen].Payload))
			}
		}
	}()

	_, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		// Keep reading (and thus answering) for several intervals.
		deadline := time.After(150 * time.Millisecond)
		for {
			select {
			case <-deadline:
				return nil
			default:
			}
			st.feedMasked(frame.Data(frame.OpText, []byte("tick"), true))
			if _, err := stream.NextMessage(ctx, 64); err != nil {
				return err
			}
		}
	})
	close(stop)
	require.NoError(t, err)

	closes := st.framesByOpcode(frame.OpClose)
	require.Len(t, closes, 1)
	parsed, perr := frame.ParseClosePayload(closes[0].Payload)
	require.NoError(t, perr)
	assert.Equal(t, uint16(frame.CloseNormalClosure), parsed.Code, "liveness held; the close is the normal one")
}

func TestConnHandlerErrorCloses1011(t *testing.T) {
	st := newScriptTransport()
	st.endInput()

	conn := newServerConn(st)

	cp, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		return errors.New("application failure")
	})
	require.NoError(t, err, "server role swallows the handler error")
	assert.Equal(t, uint16(frame.CloseInternalServerErr), cp.Code)
}

func TestConnHandlerErrorPropagatesOnClient(t *testing.T) {
	st := newScriptTransport()
	st.endInput()

	conn := newConn(RoleClient, st, extension.NewPipeline(), AutoPing{})

	boom := errors.New("application failure")
	_, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestConnHandlerPanicRecovered(t *testing.T) {
	st := newScriptTransport()
	st.endInput()

	conn := newServerConn(st)

	cp, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		panic("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(frame.CloseInternalServerErr), cp.Code)
}

func TestConnRunsHandlerOnce(t *testing.T) {
	st := newScriptTransport()
	st.endInput()

	conn := newServerConn(st)
	_, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		return nil
	})
	require.NoError(t, err)

	_, err = conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrHandlerDone)
}

func TestStreamConsumedAfterEnd(t *testing.T) {
	st := newScriptTransport()
	st.endInput()

	conn := newServerConn(st)
	_, err := conn.Run(context.Background(), func(ctx context.Context, stream *Stream, w *Writer) error {
		_, nerr := stream.Next(ctx)
		require.Error(t, nerr)

		_, nerr = stream.Next(ctx)
		assert.ErrorIs(t, nerr, ErrStreamConsumed)
		return nil
	})
	require.NoError(t, err)
}

func TestConnCancellationStopsReads(t *testing.T) {
	st := newScriptTransport()
	// No input: the handler blocks until cancellation unblocks the read.

	conn := newServerConn(st)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := conn.Run(ctx, func(ctx context.Context, stream *Stream, w *Writer) error {
		_, nerr := stream.NextMessage(ctx, 64)
		return nerr
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "cancellation must unblock the inbound read")
}
