// Package extension implements the WebSocket extension pipeline
// (RFC 6455, section 9) and the permessage-deflate extension (RFC 7692).
//
// Extensions are per-connection frame transformers negotiated during the
// upgrade handshake. A Builder describes an extension to the negotiator;
// a successful negotiation yields an Extension instance owned by the
// connection for its lifetime.
package extension

import (
	"sync"

	"github.com/vitalvas/wsgate/frame"
)

// Extension transforms frames on their way to and from the wire.
// Implementations are not safe for concurrent use; the connection driver
// serializes calls.
type Extension interface {
	// TransformOutbound rewrites a frame before it is masked and written.
	TransformOutbound(f *frame.Frame) error

	// TransformInbound rewrites a frame read from the wire, after
	// unmasking decisions but before the frame reaches the application.
	TransformInbound(f *frame.Frame) error

	// Shutdown releases resources held by the extension. It is called
	// exactly once when the connection ends.
	Shutdown()
}

// Builder negotiates an extension during the upgrade handshake.
type Builder interface {
	// Name is the extension token as it appears in
	// Sec-WebSocket-Extensions.
	Name() string

	// Offer returns the client request header fragment for this
	// extension, including its name.
	Offer() string

	// Accept performs server-side negotiation against a client offer.
	// It returns the response header fragment (including the name) and
	// an extension instance, or ok=false to decline the offer.
	Accept(params Params) (fragment string, ext Extension, ok bool)

	// Build performs client-side instantiation from the parameters the
	// server chose in its response.
	Build(params Params) (Extension, error)
}

// Pipeline is an ordered list of negotiated extensions. Outbound frames
// pass through in list order, inbound frames in reverse order.
type Pipeline struct {
	exts     []Extension
	shutdown sync.Once
}

// NewPipeline returns a pipeline over the given extensions. A nil or
// empty list is valid and transforms nothing.
func NewPipeline(exts ...Extension) *Pipeline {
	return &Pipeline{exts: exts}
}

// Len returns the number of extensions in the pipeline.
func (p *Pipeline) Len() int {
	return len(p.exts)
}

// Outbound applies every extension to the frame in list order.
func (p *Pipeline) Outbound(f *frame.Frame) error {
	for _, ext := range p.exts {
		if err := ext.TransformOutbound(f); err != nil {
			return err
		}
	}
	return nil
}

// Inbound applies every extension to the frame in reverse list order.
func (p *Pipeline) Inbound(f *frame.Frame) error {
	for i := len(p.exts) - 1; i >= 0; i-- {
		if err := p.exts[i].TransformInbound(f); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown shuts down every extension. Safe to call more than once;
// extensions are shut down exactly once.
func (p *Pipeline) Shutdown() {
	p.shutdown.Do(func() {
		for _, ext := range p.exts {
			ext.Shutdown()
		}
	})
}
