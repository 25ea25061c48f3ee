// Package transport provides the connectors used to download descriptors and
// images from update servers.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"

	"github.com/256dpi/naos-ota/pkg/ota"
)

// Auto selects the HTTPS or WSS connector based on the URL scheme.
type Auto struct {
	HTTPS HTTPS
	WSS   WSS
}

// Connect implements the ota.Connector interface.
func (a *Auto) Connect(ctx context.Context, cfg ota.Config) (ota.Conn, error) {
	// parse url
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	// select connector
	switch u.Scheme {
	case "wss", "ws":
		return a.WSS.Connect(ctx, cfg)
	default:
		return a.HTTPS.Connect(ctx, cfg)
	}
}

func tlsConfig(certPEM []byte) (*tls.Config, error) {
	// prepare pool
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("%w: no certificate found", ota.ErrNoTrustAnchor)
	}

	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

func checkScheme(rawURL, scheme string) error {
	// parse url
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}

	// check scheme
	if u.Scheme != scheme {
		return fmt.Errorf("%w: scheme %q", ota.ErrNotEncrypted, u.Scheme)
	}

	return nil
}
