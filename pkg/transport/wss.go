package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/256dpi/naos-ota/pkg/ota"
)

// LengthHeader is the handshake header that declares the content length of
// a websocket stream.
const LengthHeader = "X-Content-Length"

// Subprotocol is the websocket subprotocol.
const Subprotocol = "naos-ota"

// WSS downloads resources streamed as binary websocket messages. The stream
// ends when the server closes the connection normally.
type WSS struct {
	// The maximum message size, defaults to 64 KiB.
	ReadLimit int64
}

// Connect implements the ota.Connector interface.
func (w *WSS) Connect(ctx context.Context, cfg ota.Config) (ota.Conn, error) {
	// check scheme
	err := checkScheme(cfg.URL, "wss")
	if err != nil {
		return nil, err
	}

	// prepare tls config
	tc, err := tlsConfig(cfg.CertPEM)
	if err != nil {
		return nil, err
	}

	// prepare client
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.Timeout}).DialContext,
		TLSClientConfig:       tc,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
	}

	// apply timeout to the handshake
	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	// connect to server
	conn, res, err := websocket.Dial(dialCtx, cfg.URL, &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: transport},
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		transport.CloseIdleConnections()
		return nil, err
	}

	// set read limit
	limit := w.ReadLimit
	if limit <= 0 {
		limit = 64 << 10
	}
	conn.SetReadLimit(limit)

	// parse length
	length := int64(-1)
	if value := res.Header.Get(LengthHeader); value != "" {
		length, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			length = -1
		}
	}

	return &wsConn{
		conn:      websocket.NetConn(ctx, conn, websocket.MessageBinary),
		encrypted: res.TLS != nil,
		length:    length,
	}, nil
}

type wsConn struct {
	conn      net.Conn
	encrypted bool
	length    int64
	ended     bool
}

func (c *wsConn) Encrypted() bool {
	return c.encrypted
}

func (c *wsConn) FetchHeaders() (int64, error) {
	return c.length, nil
}

func (c *wsConn) Read(buf []byte) (int, error) {
	n, err := c.conn.Read(buf)
	if err == io.EOF {
		c.ended = true
	}
	return n, err
}

func (c *wsConn) Close() error {
	// close connection, the server may already have completed the close
	// handshake at the end of the stream
	err := c.conn.Close()
	if err != nil && (c.ended || errors.Is(err, net.ErrClosed)) {
		return nil
	}

	return err
}
