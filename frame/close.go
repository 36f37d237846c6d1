package frame

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// Close codes defined in RFC 6455, section 7.4.1.
const (
	CloseNormalClosure           = 1000
	CloseGoingAway               = 1001
	CloseProtocolError           = 1002
	CloseUnsupportedData         = 1003
	CloseNoStatusReceived        = 1005
	CloseAbnormalClosure         = 1006
	CloseInvalidFramePayloadData = 1007
	ClosePolicyViolation         = 1008
	CloseMessageTooBig           = 1009
	CloseMandatoryExtension      = 1010
	CloseInternalServerErr       = 1011
	CloseServiceRestart          = 1012
	CloseTryAgainLater           = 1013
	CloseTLSHandshake            = 1015
)

// Errors returned while parsing close frame payloads.
var (
	ErrCloseCodeMissing = errors.New("frame: close payload of length 1")
	ErrCloseCodeInvalid = errors.New("frame: invalid close code")
	ErrCloseReasonUTF8  = errors.New("frame: close reason is not valid UTF-8")
)

// ClosePayload is the decoded body of a close frame: a status code and
// an optional UTF-8 reason (RFC 6455, section 5.5.1).
type ClosePayload struct {
	Code   uint16
	Reason string

	// NoStatus is set when the close frame carried an empty payload.
	// Code is CloseNormalClosure in that case, per RFC 6455, section 7.1.5.
	NoStatus bool
}

// ValidCloseCode reports whether a code may appear in a close frame on
// the wire per RFC 6455, section 7.4. Codes 1005, 1006 and 1015 are
// reserved for local reporting only; 3000-4999 are registered and
// private-use ranges and are always acceptable from a peer.
func ValidCloseCode(code uint16) bool {
	switch {
	case code >= 3000 && code <= 4999:
		return true
	case code < 1000 || code > 1014:
		return false
	case code == 1004 || code == CloseNoStatusReceived || code == CloseAbnormalClosure:
		return false
	}
	return true
}

// ParseClosePayload decodes a close frame body. An empty payload is
// legal and decodes to a normal closure with NoStatus set. A 1-byte
// payload, a code outside the allowed set, or a malformed UTF-8 reason
// is an error the caller must answer with close code 1002.
func ParseClosePayload(p []byte) (ClosePayload, error) {
	switch {
	case len(p) == 0:
		return ClosePayload{Code: CloseNormalClosure, NoStatus: true}, nil
	case len(p) == 1:
		return ClosePayload{}, ErrCloseCodeMissing
	}

	code := binary.BigEndian.Uint16(p)
	if !ValidCloseCode(code) {
		return ClosePayload{}, ErrCloseCodeInvalid
	}

	reason := p[2:]
	if !utf8.Valid(reason) {
		return ClosePayload{}, ErrCloseReasonUTF8
	}

	return ClosePayload{Code: code, Reason: string(reason)}, nil
}

// Marshal encodes the close payload for the wire. A NoStatus payload
// encodes to an empty body.
func (cp ClosePayload) Marshal() []byte {
	if cp.NoStatus {
		return []byte{}
	}
	buf := make([]byte, 2+len(cp.Reason))
	binary.BigEndian.PutUint16(buf, cp.Code)
	copy(buf[2:], cp.Reason)
	return buf
}

// CloseFrame returns a close frame carrying the given code and reason.
// The reason is truncated so the payload fits in a control frame.
func CloseFrame(code uint16, reason string) Frame {
	if len(reason) > MaxControlPayloadSize-2 {
		reason = reason[:MaxControlPayloadSize-2]
	}
	return Control(OpClose, ClosePayload{Code: code, Reason: reason}.Marshal())
}
