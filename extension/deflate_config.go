package extension

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Defaults for DeflateOptions.
const (
	DefaultMaxDecompressedFrameSize = 16384
	DefaultMinFrameSizeToCompress   = 256
	defaultMemoryLevel              = 8

	minWindowBits = 8
	maxWindowBits = 15
)

// ErrDeflateOptions is wrapped by every DeflateOptions validation failure.
var ErrDeflateOptions = errors.New("extension: invalid permessage-deflate options")

// DeflateOptions configures the permessage-deflate extension (RFC 7692).
// The zero value is valid and uses the defaults documented per field.
type DeflateOptions struct {
	// ClientMaxWindow bounds the client-to-server LZ77 window (8-15).
	// Nil leaves the window unbounded (15).
	ClientMaxWindow *int `yaml:"client_max_window,omitempty"`

	// ServerMaxWindow bounds the server-to-client LZ77 window (8-15).
	// Nil leaves the window unbounded (15).
	ServerMaxWindow *int `yaml:"server_max_window,omitempty"`

	// ClientNoContextTakeover requests that the client reset its
	// compression context after every message.
	ClientNoContextTakeover bool `yaml:"client_no_context_takeover,omitempty"`

	// ServerNoContextTakeover requests that the server reset its
	// compression context after every message.
	ServerNoContextTakeover bool `yaml:"server_no_context_takeover,omitempty"`

	// CompressionLevel is the DEFLATE level (-1 to 9). Nil means the
	// codec default.
	CompressionLevel *int `yaml:"compression_level,omitempty"`

	// MemoryLevel tunes compressor memory use (1-9, default 8). The Go
	// codec has no memory-level knob; the value is validated so
	// configurations stay portable across implementations.
	MemoryLevel *int `yaml:"memory_level,omitempty"`

	// MaxDecompressedFrameSize bounds the decompressed size of an
	// inbound message (default 16384).
	MaxDecompressedFrameSize int `yaml:"max_decompressed_frame_size,omitempty"`

	// MinFrameSizeToCompress is the smallest single-frame message that
	// will be compressed (default 256).
	MinFrameSizeToCompress int `yaml:"min_frame_size_to_compress,omitempty"`
}

// Validate checks every option against its allowed range.
func (o DeflateOptions) Validate() error {
	if err := validateWindow("client_max_window", o.ClientMaxWindow); err != nil {
		return err
	}
	if err := validateWindow("server_max_window", o.ServerMaxWindow); err != nil {
		return err
	}
	if o.CompressionLevel != nil && (*o.CompressionLevel < -1 || *o.CompressionLevel > 9) {
		return fmt.Errorf("%w: compression_level %d out of range [-1, 9]", ErrDeflateOptions, *o.CompressionLevel)
	}
	if o.MemoryLevel != nil && (*o.MemoryLevel < 1 || *o.MemoryLevel > 9) {
		return fmt.Errorf("%w: memory_level %d out of range [1, 9]", ErrDeflateOptions, *o.MemoryLevel)
	}
	if o.MaxDecompressedFrameSize < 0 {
		return fmt.Errorf("%w: negative max_decompressed_frame_size", ErrDeflateOptions)
	}
	if o.MinFrameSizeToCompress < 0 {
		return fmt.Errorf("%w: negative min_frame_size_to_compress", ErrDeflateOptions)
	}
	return nil
}

func validateWindow(name string, v *int) error {
	if v != nil && (*v < minWindowBits || *v > maxWindowBits) {
		return fmt.Errorf("%w: %s %d out of range [%d, %d]", ErrDeflateOptions, name, *v, minWindowBits, maxWindowBits)
	}
	return nil
}

func (o DeflateOptions) withDefaults() DeflateOptions {
	if o.MaxDecompressedFrameSize == 0 {
		o.MaxDecompressedFrameSize = DefaultMaxDecompressedFrameSize
	}
	if o.MinFrameSizeToCompress == 0 {
		o.MinFrameSizeToCompress = DefaultMinFrameSizeToCompress
	}
	if o.MemoryLevel == nil {
		lvl := defaultMemoryLevel
		o.MemoryLevel = &lvl
	}
	return o
}

// LoadDeflateOptions decodes DeflateOptions from a YAML document and
// validates them.
func LoadDeflateOptions(r io.Reader) (DeflateOptions, error) {
	var opts DeflateOptions

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return DeflateOptions{}, fmt.Errorf("extension: decode permessage-deflate options: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return DeflateOptions{}, err
	}
	return opts, nil
}
