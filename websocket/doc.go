// Package websocket implements a WebSocket (RFC 6455) endpoint usable
// in both client and server roles, with permessage-deflate compression
// (RFC 7692) and HTTP/2 bootstrapping (RFC 8441) on the client.
//
// A connection is a single-handler affair: the data handler is invoked
// exactly once with the inbound stream and the outbound writer, and the
// connection closes when it returns. Control frames (ping, pong, close)
// never reach the handler; the driver answers pings, tracks liveness
// and runs the close handshake.
//
// Server example:
//
//	upgrader := &websocket.Upgrader{
//	    ShouldUpgrade: func(r *http.Request) websocket.Decision {
//	        return websocket.Upgrade(nil, echo)
//	    },
//	}
//
//	func echo(ctx context.Context, stream *websocket.Stream, w *websocket.Writer) error {
//	    for {
//	        msg, err := stream.NextMessage(ctx, 1<<20)
//	        if err != nil {
//	            return err
//	        }
//	        if err := w.SendBinary(ctx, msg.Data, true); err != nil {
//	            return err
//	        }
//	    }
//	}
//
//	http.Handle("/ws", upgrader)
//
// Client example:
//
//	closeFrame, err := websocket.Connect(ctx, "ws://localhost:8080/ws",
//	    websocket.ClientConfig{},
//	    func(ctx context.Context, stream *websocket.Stream, w *websocket.Writer) error {
//	        if err := w.SendText(ctx, "hello", true); err != nil {
//	            return err
//	        }
//	        msg, err := stream.NextMessage(ctx, 1<<20)
//	        if err != nil {
//	            return err
//	        }
//	        log.Println(msg.Text())
//	        return nil
//	    })
//
// Compression is negotiated by listing the permessage-deflate builder in
// the configuration:
//
//	deflate, _ := extension.NewDeflate(extension.DeflateOptions{})
//	cfg := websocket.ClientConfig{Extensions: []extension.Builder{deflate}}
//
// Concurrency: each connection is driven by the goroutine running the
// handler; the optional auto-ping task is the only other writer and the
// outbound writer serializes them. The handler must not be shared
// between connections.
package websocket
