package extension

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/vitalvas/wsgate/frame"
)

// DeflateExtensionName is the permessage-deflate token per RFC 7692.
const DeflateExtensionName = "permessage-deflate"

// permessage-deflate parameter names per RFC 7692, section 7.1.
const (
	paramClientMaxWindowBits     = "client_max_window_bits"
	paramServerMaxWindowBits     = "server_max_window_bits"
	paramClientNoContextTakeover = "client_no_context_takeover"
	paramServerNoContextTakeover = "server_no_context_takeover"
)

// deflateTail is the DEFLATE sync-flush marker elided at frame
// boundaries per RFC 7692, section 7.2.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff}

// deflateFinal is an empty final stored block appended before inflating
// so the codec reports a clean end of stream.
var deflateFinal = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// slidingWindowSize is the DEFLATE LZ77 window (RFC 1951).
const slidingWindowSize = 32768

// Errors surfaced by the deflate transforms. ErrDecompressedTooLarge is
// answered with close code 1009, everything else with 1011.
var (
	ErrDecompressedTooLarge = errors.New("extension: decompressed payload exceeds limit")
	ErrDeflateParams        = errors.New("extension: invalid permessage-deflate parameters")
)

// DeflateBuilder negotiates the permessage-deflate extension.
type DeflateBuilder struct {
	opts DeflateOptions
}

// NewDeflate returns a builder for permessage-deflate with the given
// options.
func NewDeflate(opts DeflateOptions) (*DeflateBuilder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &DeflateBuilder{opts: opts.withDefaults()}, nil
}

// Name implements Builder.
func (b *DeflateBuilder) Name() string {
	return DeflateExtensionName
}

// Offer implements Builder. The client always offers
// client_max_window_bits so the server may bound the client window.
func (b *DeflateBuilder) Offer() string {
	parts := []string{DeflateExtensionName}

	if b.opts.ClientMaxWindow != nil {
		parts = append(parts, paramClientMaxWindowBits+"="+strconv.Itoa(*b.opts.ClientMaxWindow))
	} else {
		parts = append(parts, paramClientMaxWindowBits)
	}
	if b.opts.ServerMaxWindow != nil {
		parts = append(parts, paramServerMaxWindowBits+"="+strconv.Itoa(*b.opts.ServerMaxWindow))
	}
	if b.opts.ClientNoContextTakeover {
		parts = append(parts, paramClientNoContextTakeover)
	}
	if b.opts.ServerNoContextTakeover {
		parts = append(parts, paramServerNoContextTakeover)
	}

	return strings.Join(parts, "; ")
}

// Accept implements Builder: server-side negotiation per RFC 7692,
// section 7.1. Malformed offers are declined rather than failing the
// upgrade, since the client may have sent several offers.
func (b *DeflateBuilder) Accept(params Params) (string, Extension, bool) {
	clientBits, clientBitsSent, err := params.Int(paramClientMaxWindowBits)
	if err != nil {
		return "", nil, false
	}
	if clientBitsSent && clientBits == 0 {
		// Valueless offer: the client supports any bound.
		clientBits = maxWindowBits
	}
	if clientBitsSent && (clientBits < minWindowBits || clientBits > maxWindowBits) {
		return "", nil, false
	}

	serverBits, serverBitsSent, err := params.Int(paramServerMaxWindowBits)
	if err != nil || (serverBitsSent && (serverBits < minWindowBits || serverBits > maxWindowBits)) {
		return "", nil, false
	}

	for name := range params {
		switch name {
		case paramClientMaxWindowBits, paramServerMaxWindowBits,
			paramClientNoContextTakeover, paramServerNoContextTakeover:
		default:
			return "", nil, false
		}
	}

	cfg := deflateConfig{
		receiveMaxWindow:         maxWindowBits,
		sendMaxWindow:            maxWindowBits,
		receiveNoContextTakeover: params.Has(paramClientNoContextTakeover) || b.opts.ClientNoContextTakeover,
		sendNoContextTakeover:    params.Has(paramServerNoContextTakeover) || b.opts.ServerNoContextTakeover,
		level:                    b.level(),
		maxDecompressed:          b.opts.MaxDecompressedFrameSize,
		minCompressSize:          b.opts.MinFrameSizeToCompress,
	}

	parts := []string{DeflateExtensionName}

	// The server may bound the client window only when the client
	// offered the parameter (RFC 7692, section 7.1.2.2).
	if clientBitsSent {
		cfg.receiveMaxWindow = minWindow(clientBits, b.opts.ClientMaxWindow)
		parts = append(parts, paramClientMaxWindowBits+"="+strconv.Itoa(cfg.receiveMaxWindow))
	}

	if serverBitsSent || b.opts.ServerMaxWindow != nil {
		if serverBitsSent {
			cfg.sendMaxWindow = minWindow(serverBits, b.opts.ServerMaxWindow)
		} else {
			cfg.sendMaxWindow = *b.opts.ServerMaxWindow
		}
		parts = append(parts, paramServerMaxWindowBits+"="+strconv.Itoa(cfg.sendMaxWindow))
	}

	if cfg.receiveNoContextTakeover {
		parts = append(parts, paramClientNoContextTakeover)
	}
	if cfg.sendNoContextTakeover {
		parts = append(parts, paramServerNoContextTakeover)
	}

	return strings.Join(parts, "; "), newDeflate(cfg), true
}

// Build implements Builder: client-side instantiation from the server's
// response parameters, with receive and send swapped relative to Accept.
func (b *DeflateBuilder) Build(params Params) (Extension, error) {
	cfg := deflateConfig{
		receiveMaxWindow: maxWindowBits,
		sendMaxWindow:    maxWindowBits,
		level:            b.level(),
		maxDecompressed:  b.opts.MaxDecompressedFrameSize,
		minCompressSize:  b.opts.MinFrameSizeToCompress,
	}

	for name := range params {
		switch name {
		case paramClientMaxWindowBits, paramServerMaxWindowBits,
			paramClientNoContextTakeover, paramServerNoContextTakeover:
		default:
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrDeflateParams, name)
		}
	}

	// The server's send window is our receive window.
	if bits, sent, err := params.Int(paramServerMaxWindowBits); sent {
		if err != nil || bits < minWindowBits || bits > maxWindowBits {
			return nil, fmt.Errorf("%w: %s", ErrDeflateParams, paramServerMaxWindowBits)
		}
		cfg.receiveMaxWindow = bits
	}

	// The bound the server put on the client is our send window.
	if bits, sent, err := params.Int(paramClientMaxWindowBits); sent {
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrDeflateParams, paramClientMaxWindowBits)
		}
		if bits == 0 {
			bits = maxWindowBits
		}
		if bits < minWindowBits || bits > maxWindowBits {
			return nil, fmt.Errorf("%w: %s", ErrDeflateParams, paramClientMaxWindowBits)
		}
		cfg.sendMaxWindow = bits
	}

	cfg.sendNoContextTakeover = params.Has(paramClientNoContextTakeover) || b.opts.ClientNoContextTakeover
	cfg.receiveNoContextTakeover = params.Has(paramServerNoContextTakeover)

	return newDeflate(cfg), nil
}

func (b *DeflateBuilder) level() int {
	if b.opts.CompressionLevel != nil {
		return *b.opts.CompressionLevel
	}
	return flate.DefaultCompression
}

func minWindow(offered int, local *int) int {
	if local != nil && *local < offered {
		return *local
	}
	return offered
}

type deflateConfig struct {
	receiveMaxWindow         int
	sendMaxWindow            int
	receiveNoContextTakeover bool
	sendNoContextTakeover    bool
	level                    int
	maxDecompressed          int
	minCompressSize          int
}

// Deflate is a negotiated permessage-deflate instance. One half-duplex
// compressor and one decompressor, each with per-message sub-state so
// RSV1 is honored on the first frame of a message only.
type Deflate struct {
	mu  sync.Mutex
	cfg deflateConfig

	// Compressor state.
	fw      *flate.Writer
	wbuf    bytes.Buffer
	sending bool

	// Decompressor state. rbuf accumulates compressed fragments of the
	// message in flight; window is the decompressed history carried
	// across messages under context takeover.
	receiving bool
	rbuf      []byte
	window    []byte

	shutdown bool
}

func newDeflate(cfg deflateConfig) *Deflate {
	return &Deflate{cfg: cfg}
}

// TransformOutbound implements Extension. A message is compressed when
// its first frame is at least the configured minimum size or the message
// is fragmented; RSV1 marks the first frame only.
func (d *Deflate) TransformOutbound(f *frame.Frame) error {
	if !f.Opcode.IsData() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.sending {
		if f.Opcode == frame.OpContinuation {
			// Continuation of a message that was sent uncompressed.
			return nil
		}
		if f.Fin && len(f.Payload) < d.cfg.minCompressSize {
			return nil
		}
		d.sending = true
		f.Rsv1 = true
	}

	payload, err := d.compress(f.Payload, f.Fin)
	if err != nil {
		return fmt.Errorf("extension: deflate: %w", err)
	}
	f.Payload = payload

	if f.Fin {
		d.sending = false
	}
	return nil
}

// compress runs one frame through the shared compressor with a sync
// flush, stripping the 4-byte tail on the final frame per RFC 7692,
// section 7.2.1.
func (d *Deflate) compress(p []byte, fin bool) ([]byte, error) {
	if d.fw == nil {
		fw, err := flate.NewWriter(&d.wbuf, d.cfg.level)
		if err != nil {
			return nil, err
		}
		d.fw = fw
	}

	d.wbuf.Reset()
	if _, err := d.fw.Write(p); err != nil {
		return nil, err
	}
	if err := d.fw.Flush(); err != nil {
		return nil, err
	}

	out := append([]byte(nil), d.wbuf.Bytes()...)
	if fin {
		if len(out) >= len(deflateTail) {
			out = out[:len(out)-len(deflateTail)]
		}
		if d.cfg.sendNoContextTakeover {
			d.fw.Reset(&d.wbuf)
		}
	}
	return out, nil
}

// TransformInbound implements Extension. RSV1 on the first frame latches
// the compressed flag for the whole message; fragments accumulate and the
// final frame is rewritten with the decompressed payload.
func (d *Deflate) TransformInbound(f *frame.Frame) error {
	if !f.Opcode.IsData() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if f.Opcode != frame.OpContinuation {
		d.receiving = f.Rsv1
		d.rbuf = d.rbuf[:0]
	} else if f.Rsv1 {
		// RSV1 is valid on the first frame only; leave it set so the
		// driver fails the connection with 1002.
		return nil
	}
	if !d.receiving {
		return nil
	}

	f.Rsv1 = false
	d.rbuf = append(d.rbuf, f.UnmaskedPayload()...)
	f.MaskKey = nil

	if !f.Fin {
		f.Payload = nil
		return nil
	}

	// Restore the sync-flush tail elided by the sender (RFC 7692,
	// section 7.2.2) and terminate the stream for the codec.
	data := make([]byte, 0, len(d.rbuf)+len(deflateTail)+len(deflateFinal))
	data = append(data, d.rbuf...)
	data = append(data, deflateTail...)
	data = append(data, deflateFinal...)

	out, err := d.inflate(data)
	if err != nil {
		return err
	}

	f.Payload = out
	d.receiving = false

	if d.cfg.receiveNoContextTakeover {
		d.window = nil
	} else {
		d.window = appendWindow(d.window, out)
	}
	return nil
}

func (d *Deflate) inflate(data []byte) ([]byte, error) {
	fr := flate.NewReaderDict(bytes.NewReader(data), d.window)
	defer fr.Close()

	limit := d.cfg.maxDecompressed
	out := make([]byte, 0, 512)
	buf := make([]byte, 4096)
	for {
		n, err := fr.Read(buf)
		if n > 0 {
			if len(out)+n > limit {
				return nil, ErrDecompressedTooLarge
			}
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("extension: inflate: %w", err)
		}
	}
}

// appendWindow keeps the trailing slidingWindowSize bytes of output as
// the preset dictionary for the next message.
func appendWindow(window, out []byte) []byte {
	window = append(window, out...)
	if len(window) > slidingWindowSize {
		window = window[len(window)-slidingWindowSize:]
	}
	return window
}

// Shutdown implements Extension.
func (d *Deflate) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown {
		return
	}
	d.shutdown = true

	if d.fw != nil {
		d.fw.Close()
		d.fw = nil
	}
	d.rbuf = nil
	d.window = nil
}
