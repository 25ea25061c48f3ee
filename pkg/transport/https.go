package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"

	"github.com/256dpi/naos-ota/pkg/ota"
)

// HTTPS downloads resources with GET requests over TLS.
type HTTPS struct {
	// Additional request headers.
	Header http.Header
}

// Connect implements the ota.Connector interface.
func (h *HTTPS) Connect(ctx context.Context, cfg ota.Config) (ota.Conn, error) {
	// check scheme
	err := checkScheme(cfg.URL, "https")
	if err != nil {
		return nil, err
	}

	// prepare tls config
	tc, err := tlsConfig(cfg.CertPEM)
	if err != nil {
		return nil, err
	}

	// prepare client, the timeout only bounds connection setup and the
	// response headers
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.Timeout}).DialContext,
		TLSClientConfig:       tc,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		DisableCompression:    true,
	}
	client := &http.Client{
		Transport: transport,
	}

	// prepare request
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range h.Header {
		req.Header[key] = slices.Clone(values)
	}

	// perform request
	res, err := client.Do(req)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, err
	}

	return &httpConn{
		res:       res,
		transport: transport,
	}, nil
}

type httpConn struct {
	res       *http.Response
	transport *http.Transport
}

func (c *httpConn) Encrypted() bool {
	return c.res.TLS != nil && c.res.TLS.HandshakeComplete
}

func (c *httpConn) FetchHeaders() (int64, error) {
	// check status
	if c.res.StatusCode < 200 || c.res.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status: %s", c.res.Status)
	}

	// check encoding
	if slices.Contains(c.res.TransferEncoding, "chunked") || c.res.ContentLength < 0 {
		return -1, nil
	}

	return c.res.ContentLength, nil
}

func (c *httpConn) Read(buf []byte) (int, error) {
	return c.res.Body.Read(buf)
}

func (c *httpConn) Close() error {
	// close body
	err := c.res.Body.Close()
	c.transport.CloseIdleConnections()

	return err
}
