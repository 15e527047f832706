// Package wsproxy implements the WebSocket proxy (C9): a bidirectional
// MITM between a client and one upstream node, applying the same
// per-message pipeline stages (C1->C3->C4->C7->C6) the HTTP path uses.
// The handshake itself bypasses the codec and whitelist stages entirely —
// there is no JSON-RPC body yet, so only connection-level admission
// (guard, auth) applies there.
package wsproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sprintgateway/rpc-gateway/internal/metrics"
	"github.com/sprintgateway/rpc-gateway/internal/pipeline"
)

// Config bundles everything one proxied connection needs.
type Config struct {
	Pipeline       *pipeline.Pipeline
	PipelineCfg    pipeline.Config
	Network        string
	Consumer       pipeline.Consumer
	ClientIP       string
	UpstreamURL    string // ws:// or wss://
	UpstreamHost   string // SNI
	VerifyTLS      bool
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	Logger         *zap.Logger
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// wsConn serialises writes to one *websocket.Conn: the downstream relay
// and the per-message rejection path both write to the client side, and
// gorilla connections permit only one concurrent writer.
type wsConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// Proxy owns one client<->upstream connection pair and the two
// cooperating frame-forwarding tasks that move data between them.
type Proxy struct {
	cfg      Config
	client   *wsConn
	upstream *wsConn
}

// Serve upgrades the inbound HTTP request to a WebSocket, dials the
// upstream, and runs both forwarding directions until either side closes
// or errors. It blocks until the connection ends.
func Serve(w http.ResponseWriter, r *http.Request, cfg Config) error {
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("wsproxy: upgrade: %w", err)
	}
	defer client.Close()

	if cfg.MaxMessageSize > 0 {
		client.SetReadLimit(cfg.MaxMessageSize)
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 60 * time.Second
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: connectTimeout,
		TLSClientConfig:  tlsConfig(cfg),
	}
	upstream, _, err := dialer.Dial(cfg.UpstreamURL, nil)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues(cfg.Network, "upstream_dial_failed").Inc()
		if cfg.Logger != nil {
			cfg.Logger.Warn("websocket upstream dial failed",
				zap.String("network", cfg.Network), zap.String("upstream", cfg.UpstreamURL), zap.Error(err))
		}
		client.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream unreachable"))
		return fmt.Errorf("wsproxy: dial upstream: %w", err)
	}
	defer upstream.Close()
	if cfg.MaxMessageSize > 0 {
		upstream.SetReadLimit(cfg.MaxMessageSize)
	}

	metrics.WebSocketConnectionsTotal.WithLabelValues(cfg.Network, "connected").Inc()
	defer metrics.WebSocketConnectionsTotal.WithLabelValues(cfg.Network, "closed").Inc()

	p := &Proxy{
		cfg:      cfg,
		client:   &wsConn{conn: client, writeTimeout: cfg.WriteTimeout},
		upstream: &wsConn{conn: upstream, writeTimeout: cfg.WriteTimeout},
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.forwardUpstreamToClient(gctx) })
	g.Go(func() error { return p.forwardClientToUpstream(gctx) })
	return g.Wait()
}

func tlsConfig(cfg Config) *tls.Config {
	if cfg.UpstreamHost == "" {
		return nil
	}
	return &tls.Config{ServerName: cfg.UpstreamHost, InsecureSkipVerify: !cfg.VerifyTLS}
}

// Control frames never reach the data loops below: gorilla answers an
// inbound ping with a pong on the same connection via its default ping
// handler, and a close frame surfaces as a *websocket.CloseError from
// ReadMessage, which each loop mirrors to the other side.

// forwardUpstreamToClient is the downstream task: relays upstream text and
// binary frames to the client verbatim and mirrors an upstream close to
// the client.
func (p *Proxy) forwardUpstreamToClient(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, data, err := p.upstream.ReadMessage()
		if err != nil {
			p.client.WriteMessage(websocket.CloseMessage, mirrorClose(err))
			return err
		}

		metrics.WebSocketMessagesTotal.WithLabelValues("downstream", "forwarded").Inc()
		if err := p.client.WriteMessage(msgType, data); err != nil {
			return err
		}
	}
}

// forwardClientToUpstream is the upstream task: applies the per-message
// pipeline to every inbound text frame, forwarding accepted messages
// upstream unchanged and returning a JSON-RPC error frame to the client
// (without forwarding) on rejection. Binary frames pass through without
// inspection; a rejection never closes the socket.
func (p *Proxy) forwardClientToUpstream(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, data, err := p.client.ReadMessage()
		if err != nil {
			p.upstream.WriteMessage(websocket.CloseMessage, mirrorClose(err))
			return err
		}

		if msgType == websocket.BinaryMessage {
			metrics.WebSocketMessagesTotal.WithLabelValues("upstream", "forwarded").Inc()
			if err := p.upstream.WriteMessage(msgType, data); err != nil {
				return err
			}
			continue
		}

		if res := p.evaluateMessage(ctx, data); res.Terminate {
			metrics.WebSocketMessagesTotal.WithLabelValues("upstream", "rejected").Inc()
			if err := p.client.WriteMessage(websocket.TextMessage, res.Body); err != nil {
				return err
			}
			continue
		}

		metrics.WebSocketMessagesTotal.WithLabelValues("upstream", "forwarded").Inc()
		if err := p.upstream.WriteMessage(msgType, data); err != nil {
			return err
		}
	}
}

// mirrorClose builds the close payload to relay to the opposite side,
// preserving the peer's close code when one was received.
func mirrorClose(err error) []byte {
	if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseNoStatusReceived {
		return websocket.FormatCloseMessage(ce.Code, ce.Text)
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
}

// evaluateMessage runs one inbound text frame through the pipeline,
// reusing the connection-scoped consumer identity captured at handshake.
// A fresh RequestContext is built per message: two messages on the same
// connection never share one.
func (p *Proxy) evaluateMessage(ctx context.Context, data []byte) pipeline.Result {
	rc := &pipeline.RequestContext{
		ClientIP:     p.cfg.ClientIP,
		Consumer:     p.cfg.Consumer,
		Network:      p.cfg.Network,
		StartTS:      time.Now(),
		RequestNonce: fmt.Sprintf("%s-%d", p.cfg.Consumer.Name, time.Now().UnixNano()),
	}
	return p.cfg.Pipeline.RunHTTP(ctx, rc, data, p.cfg.PipelineCfg)
}
