package proxy

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/router"
	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
)

// upgrader upgrades client connections. Every client is already
// authenticated by its certificate, so the origin is not checked.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// isWebSocketUpgrade reports whether r asks for a websocket upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(r.Header, "Connection", "upgrade")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// proxyWebSocket dials the upstream with the identity headers, upgrades
// the client and relays messages until either side closes.
func (c *Core) proxyWebSocket(
	w http.ResponseWriter,
	r *http.Request,
	u *upstream,
	match *router.Match,
	identity *mtls.ClientIdentity,
) {
	backendURL := buildBackendWSURL(u.target, match.UpstreamPath, match.UpstreamRawPath, r.URL.RawQuery)

	dialer := websocket.Dialer{
		HandshakeTimeout: transportTLSHandshakeTimeout,
		NetDialContext:   u.transport.DialContext,
	}
	if u.transport.TLSClientConfig != nil {
		dialer.TLSClientConfig = u.transport.TLSClientConfig.Clone()
	}

	header := buildRequestHeaders(r)
	if err := c.identity.Apply(header, identity); err != nil {
		c.logger.Error("failed to attach identity token",
			observability.String("route", u.route.Name),
			observability.Error(err),
		)
	}
	observability.InjectTraceContext(r.Context(), header)

	backendConn, resp, err := dialer.DialContext(r.Context(), backendURL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		upErr := NewUpstreamError(u.route.Name, u.target.Host, err)
		c.recordUpstreamError(u.route.Name, upErr.Reason)
		c.logger.Warn("websocket upstream dial failed",
			observability.String("route", u.route.Name),
			observability.String("upstream", u.target.Host),
			observability.String("reason", upErr.Reason),
			observability.Error(err),
		)
		status, body := upstreamStatus(upErr.Reason)
		writeError(w, status, body)
		return
	}
	defer backendConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, buildResponseHeaders(resp))
	if err != nil {
		// Upgrade already wrote the error response.
		c.logger.Debug("websocket client upgrade failed",
			observability.String("route", u.route.Name),
			observability.Error(err),
		)
		return
	}
	defer clientConn.Close()

	sent, received := relay(clientConn, backendConn)

	c.logger.Debug("websocket session finished",
		observability.String("route", u.route.Name),
		observability.Int64("messages_sent", sent),
		observability.Int64("messages_received", received),
	)
}

// relay copies messages in both directions and returns when one side
// stops. sent counts upstream to client messages.
func relay(clientConn, backendConn *websocket.Conn) (sent, received int64) {
	errCh := make(chan error, 2)
	var sentCount, receivedCount atomic.Int64

	pump := func(from, to *websocket.Conn, count *atomic.Int64) {
		for {
			msgType, msg, err := from.ReadMessage()
			if err != nil {
				_ = to.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(closeCode(err), ""),
				)
				errCh <- err
				return
			}
			count.Add(1)
			if err := to.WriteMessage(msgType, msg); err != nil {
				errCh <- err
				return
			}
		}
	}

	go pump(backendConn, clientConn, &sentCount)
	go pump(clientConn, backendConn, &receivedCount)

	<-errCh

	return sentCount.Load(), receivedCount.Load()
}

func closeCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseNoStatusReceived {
		return ce.Code
	}
	return websocket.CloseNormalClosure
}

func buildBackendWSURL(target *url.URL, path, rawPath, rawQuery string) string {
	scheme := "ws"
	if target.Scheme == schemeHTTPS {
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: target.Host, Path: path, RawPath: rawPath, RawQuery: rawQuery}
	return u.String()
}

// buildRequestHeaders copies client headers for the upstream dial,
// leaving out the handshake headers gorilla sets itself.
func buildRequestHeaders(r *http.Request) http.Header {
	header := http.Header{}
	for k, vv := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol", "host",
			"forwarded", "x-forwarded-for", "x-forwarded-host", "x-forwarded-proto":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		header.Set("Sec-WebSocket-Protocol", proto)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		header.Set("X-Forwarded-For", host)
	}
	header.Set("X-Forwarded-Host", r.Host)
	header.Set("X-Forwarded-Proto", schemeHTTPS)
	return header
}

func buildResponseHeaders(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	header := http.Header{}
	for k, vv := range resp.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-accept", "sec-websocket-extensions":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	return header
}
