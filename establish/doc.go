// Package establish opens connections along a [route.Route].
//
// An [Establisher] asks a [route.Director] for the next step, performs it
// over real sockets, and reports it into a [route.Tracker] until the route
// is complete:
//
//	target, _ := route.ParseHost("example.com:443")
//	proxy, _ := route.ParseHost("https://proxy.example.com:8443")
//	r, _ := route.NewProxied(target, netip.Addr{}, proxy, true)
//
//	conn, err := establish.New(nil).Establish(ctx, r)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
// Each step maps onto one piece of I/O:
//
//   - CONNECT_TARGET and CONNECT_PROXY dial the first hop. A proxy with the
//     "https" scheme is spoken to over TLS, and one with the "h2c" scheme
//     over HTTP/2 with prior knowledge.
//   - TUNNEL_PROXY and TUNNEL_TARGET send a CONNECT request to the current
//     proxy with [connecttunnel.Handshake], or with
//     [connecttunnel.HandshakeH2] when the proxy speaks HTTP/2.
//   - LAYER_PROTOCOL runs a TLS client handshake with the target over the
//     connection built so far.
//
// A secure route that is not layered gets its TLS handshake with the target
// as part of the step that reaches the target.
//
// The steps an Establisher would take can be listed without any I/O with
// [Establisher.Plan].
package establish
