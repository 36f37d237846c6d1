package websocket

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitalvas/wsgate/extension"
)

// Defaults applied by withDefaults.
const (
	DefaultMaxFrameSize     = 16384
	DefaultAutoPingInterval = 30 * time.Second
)

// AutoPing configures the periodic liveness ping. Two consecutive
// unanswered pings close the connection with code 1001.
type AutoPing struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// EnabledAutoPing returns an enabled AutoPing with the given interval.
func EnabledAutoPing(interval time.Duration) AutoPing {
	return AutoPing{Enabled: true, Interval: interval}
}

// UnmarshalYAML accepts either a bare duration string ("30s"), meaning
// enabled at that interval, or a mapping with enabled/interval keys.
func (ap *AutoPing) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		d, err := time.ParseDuration(node.Value)
		if err != nil {
			return fmt.Errorf("websocket: parse auto_ping interval: %w", err)
		}
		*ap = AutoPing{Enabled: true, Interval: d}
		return nil

	case yaml.MappingNode:
		var raw struct {
			Enabled  bool   `yaml:"enabled"`
			Interval string `yaml:"interval"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		ap.Enabled = raw.Enabled
		if raw.Interval != "" {
			d, err := time.ParseDuration(raw.Interval)
			if err != nil {
				return fmt.Errorf("websocket: parse auto_ping interval: %w", err)
			}
			ap.Interval = d
		}
		return nil
	}

	return fmt.Errorf("websocket: auto_ping must be a duration or a mapping")
}

// ClientConfig configures a dialed connection.
type ClientConfig struct {
	// MaxFrameSize bounds a single inbound frame's payload
	// (default 16384).
	MaxFrameSize int64 `yaml:"max_frame_size,omitempty"`

	// AdditionalHeaders are appended to the upgrade request after the
	// protocol headers. A caller value for a protocol header replaces
	// the generated one; the caller has the final say.
	AdditionalHeaders http.Header `yaml:"-"`

	// Extensions are offered to the server in list order.
	Extensions []extension.Builder `yaml:"-"`

	// AutoPing is disabled by default on the client.
	AutoPing AutoPing `yaml:"auto_ping,omitempty"`

	// TLSConfig is used for wss and https URLs.
	TLSConfig *tls.Config `yaml:"-"`

	// HTTPClient, when its transport is an http2.Transport, switches the
	// dialer to the RFC 8441 extended CONNECT handshake.
	HTTPClient *http.Client `yaml:"-"`
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	return c
}

// ServerConfig configures upgraded server connections.
type ServerConfig struct {
	// MaxFrameSize bounds a single inbound frame's payload
	// (default 16384). A frame exceeding it closes with code 1009.
	MaxFrameSize int64 `yaml:"max_frame_size,omitempty"`

	// Extensions are matched against client offers in list order.
	Extensions []extension.Builder `yaml:"-"`

	// AutoPing defaults to enabled at 30 seconds when nil.
	AutoPing *AutoPing `yaml:"auto_ping,omitempty"`
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.AutoPing == nil {
		c.AutoPing = &AutoPing{Enabled: true, Interval: DefaultAutoPingInterval}
	}
	return c
}

func (c ServerConfig) autoPing() AutoPing {
	if c.AutoPing == nil {
		return AutoPing{Enabled: true, Interval: DefaultAutoPingInterval}
	}
	return *c.AutoPing
}

// LoadClientConfig decodes a ClientConfig from a YAML document. Only the
// serializable fields are populated; extension builders and TLS
// configuration are wired in code.
func LoadClientConfig(r io.Reader) (ClientConfig, error) {
	var cfg ClientConfig

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("websocket: decode client config: %w", err)
	}
	return cfg, nil
}

// LoadServerConfig decodes a ServerConfig from a YAML document.
func LoadServerConfig(r io.Reader) (ServerConfig, error) {
	var cfg ServerConfig

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("websocket: decode server config: %w", err)
	}
	return cfg, nil
}
