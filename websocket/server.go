package websocket

import (
	"errors"
	"net/http"

	"github.com/vitalvas/wsgate/extension"
)

// Decision is the outcome of the caller's ShouldUpgrade function:
// either switch protocols with a handler, or answer with a plain HTTP
// response.
type Decision struct {
	upgrade bool
	status  int
	headers http.Header
	handler Handler
}

// Upgrade switches the connection to WebSocket, running the given data
// handler. The extra response headers are added to the 101 response;
// attempts to override Upgrade, Connection or Sec-WebSocket-Accept are
// dropped.
func Upgrade(headers http.Header, handler Handler) Decision {
	return Decision{upgrade: true, headers: headers, handler: handler}
}

// DontUpgrade declines the upgrade with the given HTTP status
// (typically 405).
func DontUpgrade(status int) Decision {
	return Decision{status: status}
}

// protected headers are owned by the upgrader (RFC 6455,
// section 4.2.2).
var protectedResponseHeaders = []string{"Upgrade", "Connection", "Sec-Websocket-Accept"}

// Upgrader is the server-side registration point: it validates upgrade
// requests per RFC 6455, section 4.2, negotiates extensions, emits the
// 101 response and drives the connection. Register it on any HTTP
// router as a plain http.Handler.
type Upgrader struct {
	// Config applies to every upgraded connection.
	Config ServerConfig

	// ShouldUpgrade decides per request whether to switch protocols.
	// Required.
	ShouldUpgrade func(r *http.Request) Decision

	// Error generates HTTP error responses for failed handshakes.
	// Defaults to http.Error.
	Error func(w http.ResponseWriter, r *http.Request, status int, reason error)
}

func (u *Upgrader) returnError(w http.ResponseWriter, r *http.Request, status int, reason error) {
	if u.Error != nil {
		u.Error(w, r, status, reason)
		return
	}
	http.Error(w, reason.Error(), status)
}

// ServeHTTP implements http.Handler. On a successful upgrade it blocks
// until the connection's close handshake completes; handler errors are
// converted to a 1011 close.
func (u *Upgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := u.Config.withDefaults()

	if u.ShouldUpgrade == nil {
		u.returnError(w, r, http.StatusInternalServerError, ErrMissingHandler)
		return
	}

	if r.Method != http.MethodGet {
		u.returnError(w, r, http.StatusMethodNotAllowed, ErrProtocol)
		return
	}
	if !IsWebSocketUpgrade(r) {
		u.returnError(w, r, http.StatusBadRequest, errors.New("websocket: not an upgrade request"))
		return
	}
	if r.Header.Get("Sec-WebSocket-Version") != websocketVersion {
		u.returnError(w, r, http.StatusUpgradeRequired, errors.New("websocket: unsupported version"))
		return
	}

	challengeKey := r.Header.Get("Sec-WebSocket-Key")
	if challengeKey == "" {
		u.returnError(w, r, http.StatusBadRequest, errors.New("websocket: missing Sec-WebSocket-Key"))
		return
	}

	decision := u.ShouldUpgrade(r)
	if decision.upgrade && decision.handler == nil {
		u.returnError(w, r, http.StatusInternalServerError, ErrMissingHandler)
		return
	}
	if !decision.upgrade {
		status := decision.status
		if status == 0 {
			status = http.StatusMethodNotAllowed
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	extHeader, exts := selectExtensions(r, cfg.Extensions)

	h, ok := w.(http.Hijacker)
	if !ok {
		u.returnError(w, r, http.StatusInternalServerError, ErrNotHijackable)
		return
	}
	netConn, brw, err := h.Hijack()
	if err != nil {
		u.returnError(w, r, http.StatusInternalServerError, err)
		return
	}

	// Send the handshake response per RFC 6455, section 4.2.2.
	buf := brw.Writer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: ")
	buf.WriteString(computeAcceptKey(challengeKey))
	buf.WriteString("\r\n")

	if extHeader != "" {
		buf.WriteString("Sec-WebSocket-Extensions: ")
		buf.WriteString(extHeader)
		buf.WriteString("\r\n")
	}

	for name, values := range decision.headers {
		if isProtectedHeader(name) {
			continue
		}
		for _, v := range values {
			buf.WriteString(name)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}

	buf.WriteString("\r\n")

	if err := buf.Flush(); err != nil {
		netConn.Close()
		return
	}

	transport := NewTransport(netConn, brw.Reader, cfg.MaxFrameSize)
	conn := newConn(RoleServer, transport, extension.NewPipeline(exts...), cfg.autoPing())

	// The handler error, if any, ended the connection with a 1011
	// close; the server role swallows it.
	conn.Run(r.Context(), decision.handler)
}

// selectExtensions consults each configured builder with the request's
// offers. Every builder claims at most one offer; the accepted fragments
// join into the response header.
func selectExtensions(r *http.Request, builders []extension.Builder) (string, []extension.Extension) {
	offers := extension.ParseHeader(r.Header.Values("Sec-WebSocket-Extensions"))
	if len(offers) == 0 || len(builders) == 0 {
		return "", nil
	}

	var fragments []string
	var exts []extension.Extension
	claimed := make([]bool, len(offers))

	for _, b := range builders {
		for i, offer := range offers {
			if claimed[i] || offer.Name != b.Name() {
				continue
			}
			fragment, ext, ok := b.Accept(offer.Params)
			if !ok {
				continue
			}
			claimed[i] = true
			fragments = append(fragments, fragment)
			exts = append(exts, ext)
			break
		}
	}

	return extension.FormatHeader(fragments), exts
}

func isProtectedHeader(name string) bool {
	for _, p := range protectedResponseHeaders {
		if equalASCIIFold(name, p) {
			return true
		}
	}
	return false
}
