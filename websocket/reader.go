package websocket

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/vitalvas/wsgate/frame"
)

// MessageType identifies a coalesced message's payload kind.
type MessageType int

const (
	MessageText MessageType = iota + 1
	MessageBinary
)

func (t MessageType) String() string {
	if t == MessageText {
		return "text"
	}
	return "binary"
}

// Message is one data message: a first frame plus zero or more
// continuation frames ending with FIN.
type Message struct {
	Type MessageType
	Data []byte
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Data)
}

// Stream is the lazy, single-pass sequence of inbound data frames after
// extension processing. Control frames never appear on the stream; the
// driver consumes them. Once the stream has ended, every further call
// returns ErrStreamConsumed.
type Stream struct {
	conn *Conn
	done bool
}

// Next returns the next data frame in wire order. It returns a
// *CloseError once the close handshake has completed, or the transport
// error that ended the connection.
func (s *Stream) Next(ctx context.Context) (frame.Frame, error) {
	if s.done {
		return frame.Frame{}, ErrStreamConsumed
	}

	f, err := s.conn.nextDataFrame(ctx)
	if err != nil {
		s.done = true
		return frame.Frame{}, err
	}
	return f, nil
}

// NextMessage coalesces the next message from the stream. maxSize bounds
// the accumulated payload; exceeding it closes the connection with code
// 1009. A message starting with anything but a text or binary frame, or
// interrupted by a non-continuation frame, closes with code 1002.
func (s *Stream) NextMessage(ctx context.Context, maxSize int64) (Message, error) {
	f, err := s.Next(ctx)
	if err != nil {
		return Message{}, err
	}

	var msgType MessageType
	switch f.Opcode {
	case frame.OpText:
		msgType = MessageText
	case frame.OpBinary:
		msgType = MessageBinary
	default:
		s.done = true
		return Message{}, s.conn.failProtocol(ctx, "message must start with a text or binary frame")
	}

	data := append([]byte(nil), f.Payload...)
	if maxSize > 0 && int64(len(data)) > maxSize {
		return Message{}, s.fail(ctx, frame.CloseMessageTooBig, "message too large", ErrMessageTooLarge)
	}

	for !f.Fin {
		f, err = s.Next(ctx)
		if err != nil {
			return Message{}, err
		}
		if f.Opcode != frame.OpContinuation {
			s.done = true
			return Message{}, s.conn.failProtocol(ctx, "expected continuation frame")
		}
		data = append(data, f.Payload...)
		if maxSize > 0 && int64(len(data)) > maxSize {
			return Message{}, s.fail(ctx, frame.CloseMessageTooBig, "message too large", ErrMessageTooLarge)
		}
	}

	if msgType == MessageText && !utf8.Valid(data) {
		return Message{}, s.fail(ctx, frame.CloseInvalidFramePayloadData, "invalid UTF-8 in text message", ErrProtocol)
	}

	return Message{Type: msgType, Data: data}, nil
}

func (s *Stream) fail(ctx context.Context, code uint16, reason string, err error) error {
	s.done = true
	s.conn.initiateClose(ctx, code, reason)
	return fmt.Errorf("%w: %s", err, reason)
}
