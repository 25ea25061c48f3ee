package mdns

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// DefaultService is the service type announced by update servers.
const DefaultService = "_naos-ota._tcp"

// Location represents a discovered update server.
type Location struct {
	Instance string
	Hostname string
	Address  string
	Port     int
	Path     string
}

// Discover browses the local domain for update servers announcing the
// provided service type. The TXT record "path" declares the descriptor path.
func Discover(ctx context.Context, service string, duration time.Duration) ([]Location, error) {
	// check service
	if service == "" {
		service = DefaultService
	}

	// create resolver
	resolver, err := zeroconf.NewResolver(zeroconf.SelectIPTraffic(zeroconf.IPv4))
	if err != nil {
		return nil, err
	}

	// prepare context
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	// prepare channels
	done := make(chan struct{})
	entries := make(chan *zeroconf.ServiceEntry, 8)

	// collect locations
	var locations []Location
	go func() {
		for entry := range entries {
			if loc, ok := locate(entry); ok {
				locations = append(locations, loc)
			}
		}
		close(done)
	}()

	// perform lookup
	err = resolver.Browse(ctx, service, "local.", entries)
	if err != nil {
		return nil, err
	}

	// wait for done
	<-done

	return locations, nil
}

// URL returns the descriptor URL of the location.
func (l Location) URL() string {
	host := strings.TrimSuffix(l.Hostname, ".")
	if host == "" {
		host = l.Address
	}
	return "https://" + host + ":" + strconv.Itoa(l.Port) + "/" + strings.TrimPrefix(l.Path, "/")
}

func locate(entry *zeroconf.ServiceEntry) (Location, bool) {
	// check address
	if len(entry.AddrIPv4) == 0 {
		return Location{}, false
	}

	// get path
	var path string
	for _, txt := range entry.Text {
		if value, ok := strings.CutPrefix(txt, "path="); ok {
			path = value
		}
	}

	return Location{
		Instance: entry.Instance,
		Hostname: entry.HostName,
		Address:  entry.AddrIPv4[0].String(),
		Port:     entry.Port,
		Path:     path,
	}, true
}
