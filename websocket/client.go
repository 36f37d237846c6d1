package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http2"

	"github.com/vitalvas/wsgate/extension"
	"github.com/vitalvas/wsgate/frame"
)

// Connect dials the URL, runs the handler over the resulting connection
// and drives it to completion. It returns the terminal close payload,
// or the handler's error alongside the payload observed so far.
func Connect(ctx context.Context, urlStr string, cfg ClientConfig, handler Handler) (frame.ClosePayload, error) {
	conn, err := Dial(ctx, urlStr, cfg)
	if err != nil {
		return frame.ClosePayload{}, err
	}
	return conn.Run(ctx, handler)
}

// Dial performs the client-side opening handshake per RFC 6455,
// section 4.1 and returns the connection ready to Run. Redirects are
// surfaced as *RedirectError and never followed.
func Dial(ctx context.Context, urlStr string, cfg ClientConfig) (*Conn, error) {
	cfg = cfg.withDefaults()

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	// RFC 8441 extended CONNECT when the caller supplied an HTTP/2
	// transport.
	if cfg.HTTPClient != nil {
		if _, ok := cfg.HTTPClient.Transport.(*http2.Transport); ok {
			return dialHTTP2(ctx, u, cfg)
		}
	}

	netConn, err := dialNet(ctx, u, cfg)
	if err != nil {
		return nil, err
	}

	conn, err := clientHandshake(netConn, u, cfg)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return conn, nil
}

// dialNet opens the TCP connection, upgrading to TLS for wss and https
// schemes.
func dialNet(ctx context.Context, u *url.URL, cfg ClientConfig) (net.Conn, error) {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", hostPort(u))
	if err != nil {
		return nil, err
	}

	if u.Scheme != "wss" && u.Scheme != "https" {
		return netConn, nil
	}

	tlsConfig := &tls.Config{}
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = u.Hostname()
	}

	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		netConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// clientHandshake writes the upgrade request, validates the response per
// RFC 6455, section 4.2.2 and builds the connection.
func clientHandshake(netConn net.Conn, u *url.URL, cfg ClientConfig) (*Conn, error) {
	challengeKey, err := generateChallengeKey()
	if err != nil {
		return nil, err
	}

	if err := writeUpgradeRequest(netConn, u, challengeKey, cfg); err != nil {
		return nil, err
	}

	br := bufio.NewReader(netConn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	if err != nil {
		return nil, err
	}

	exts, err := validateResponse(resp, challengeKey, cfg.Extensions)
	if err != nil {
		return nil, err
	}

	transport := NewTransport(netConn, br, cfg.MaxFrameSize)
	return newConn(RoleClient, transport, extension.NewPipeline(exts...), cfg.AutoPing), nil
}

// writeUpgradeRequest emits the HTTP/1.1 request head per RFC 6455,
// section 4.1. Caller-supplied headers come last and replace generated
// ones of the same name: the caller has the final say.
func writeUpgradeRequest(w io.Writer, u *url.URL, challengeKey string, cfg ClientConfig) error {
	type headerEntry struct {
		name  string
		value string
	}

	entries := []headerEntry{
		{"Host", hostHeader(u)},
		{"Upgrade", "websocket"},
		{"Connection", "Upgrade"},
		{"Sec-WebSocket-Version", websocketVersion},
		{"Sec-WebSocket-Key", challengeKey},
		{"Content-Length", "0"},
	}
	if offers := extensionOffers(cfg.Extensions); offers != "" {
		entries = append(entries, headerEntry{"Sec-WebSocket-Extensions", offers})
	}

	for name, values := range cfg.AdditionalHeaders {
		kept := entries[:0]
		for _, e := range entries {
			if !equalASCIIFold(e.name, name) {
				kept = append(kept, e)
			}
		}
		entries = kept
		for _, v := range values {
			entries = append(entries, headerEntry{name, v})
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", requestURI(u))
	for _, e := range entries {
		b.WriteString(e.name)
		b.WriteString(": ")
		b.WriteString(e.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func extensionOffers(builders []extension.Builder) string {
	var offers []string
	for _, b := range builders {
		offers = append(offers, b.Offer())
	}
	return extension.FormatHeader(offers)
}

// validateResponse checks the server's handshake response per RFC 6455,
// section 4.2.2 and instantiates the negotiated extensions.
func validateResponse(resp *http.Response, challengeKey string, builders []extension.Builder) ([]extension.Extension, error) {
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return nil, &RedirectError{Status: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, &HandshakeError{Status: resp.StatusCode, Reason: "expected 101 Switching Protocols"}
	}

	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return nil, &HandshakeError{Status: resp.StatusCode, Reason: "missing Upgrade: websocket"}
	}
	if !strings.EqualFold(resp.Header.Get("Connection"), "upgrade") {
		return nil, &HandshakeError{Status: resp.StatusCode, Reason: "missing Connection: Upgrade"}
	}

	accepts := resp.Header.Values("Sec-WebSocket-Accept")
	switch {
	case len(accepts) == 0:
		return nil, &HandshakeError{Status: resp.StatusCode, Reason: "missing Sec-WebSocket-Accept"}
	case len(accepts) > 1:
		return nil, &HandshakeError{Status: resp.StatusCode, Reason: ErrDuplicateAcceptKey.Error()}
	case accepts[0] != computeAcceptKey(challengeKey):
		return nil, &HandshakeError{Status: resp.StatusCode, Reason: "Sec-WebSocket-Accept mismatch"}
	}

	return buildClientExtensions(resp.Header, builders)
}

// buildClientExtensions instantiates one extension per accepted offer in
// the server's response. The server choosing an extension the client
// never offered fails the handshake.
func buildClientExtensions(header http.Header, builders []extension.Builder) ([]extension.Extension, error) {
	offers := extension.ParseHeader(header.Values("Sec-WebSocket-Extensions"))
	if len(offers) == 0 {
		return nil, nil
	}

	used := make([]bool, len(builders))
	var exts []extension.Extension
	for _, offer := range offers {
		var built extension.Extension
		for i, b := range builders {
			if used[i] || b.Name() != offer.Name {
				continue
			}
			ext, err := b.Build(offer.Params)
			if err != nil {
				return nil, err
			}
			used[i] = true
			built = ext
			break
		}
		if built == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownExtension, offer.Name)
		}
		exts = append(exts, built)
	}
	return exts, nil
}

// dialHTTP2 bootstraps the connection over HTTP/2 per RFC 8441 using an
// extended CONNECT request with the websocket protocol token.
func dialHTTP2(ctx context.Context, u *url.URL, cfg ClientConfig) (*Conn, error) {
	reqURL := *u
	switch reqURL.Scheme {
	case "ws":
		reqURL.Scheme = "http"
	case "wss":
		reqURL.Scheme = "https"
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &reqURL,
		Host:   u.Host,
		Proto:  "websocket", // :protocol pseudo-header value
		Header: make(http.Header),
	}
	req = req.WithContext(ctx)

	req.Header.Set("Sec-WebSocket-Version", websocketVersion)
	if offers := extensionOffers(cfg.Extensions); offers != "" {
		req.Header.Set("Sec-WebSocket-Extensions", offers)
	}
	for name, values := range cfg.AdditionalHeaders {
		req.Header[http.CanonicalHeaderKey(name)] = values
	}

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		resp.Body.Close()
		return nil, &RedirectError{Status: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	// RFC 8441, section 5: a successful extended CONNECT answers 200.
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &HandshakeError{Status: resp.StatusCode, Reason: "expected 200 for extended CONNECT"}
	}

	exts, err := buildClientExtensions(resp.Header, cfg.Extensions)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		return nil, &HandshakeError{Status: resp.StatusCode, Reason: "response body is not writable"}
	}

	transport := NewTransport(rwc, nil, cfg.MaxFrameSize)
	return newConn(RoleClient, transport, extension.NewPipeline(exts...), cfg.AutoPing), nil
}
