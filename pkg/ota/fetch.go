package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/256dpi/naos-ota/pkg/utils"
)

// DefaultDescriptorSize is the initial descriptor buffer size.
const DefaultDescriptorSize = 256

var errBufferFull = errors.New("buffer full")

// Fetcher retrieves update descriptors.
type Fetcher struct {
	// The connector used to open connections.
	Connector Connector

	// The initial buffer size, defaults to DefaultDescriptorSize.
	InitialSize int

	// The maximum buffer size, zero means unbounded.
	MaxSize int

	// The optional logger.
	Logger *slog.Logger
}

// Fetch downloads and parses the descriptor. If the body does not fit the
// buffer, the buffer is grown by a third and the download is restarted on a
// fresh connection.
func (f *Fetcher) Fetch(ctx context.Context, cfg Config) (Descriptor, error) {
	// get logger
	log := utils.Logger(f.Logger).With("url", cfg.URL)

	// get initial size
	size := f.InitialSize
	if size <= 0 {
		size = DefaultDescriptorSize
	}

	for attempt := 1; ; attempt++ {
		// read body
		buf := make([]byte, size)
		n, err := f.fetch(ctx, cfg, buf)
		if errors.Is(err, errBufferFull) {
			// grow buffer
			next := grow(size)
			if f.MaxSize > 0 && next > f.MaxSize {
				return Descriptor{}, fmt.Errorf("%w: exceeds %d bytes", ErrDescriptorTooLarge, f.MaxSize)
			}
			log.Debug("descriptor truncated, retrying", "size", size, "next", next, "attempt", attempt)
			size = next
			continue
		} else if err != nil {
			log.Warn("descriptor fetch failed", "error", err, "attempt", attempt)
			return Descriptor{}, err
		}

		// parse descriptor
		desc, err := ParseDescriptor(buf[:n])
		if err != nil {
			log.Warn("descriptor invalid", "error", err, "length", n)
			return Descriptor{}, err
		}

		log.Info("descriptor fetched", "version", desc.Version.String(), "sha256", utils.EncodeHex(desc.Hash[:]), "attempts", attempt)

		return desc, nil
	}
}

func (f *Fetcher) fetch(ctx context.Context, cfg Config, buf []byte) (int, error) {
	// open connection
	conn, err := connect(ctx, f.Connector, cfg)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	// fetch headers
	_, err = fetchHeaders(conn)
	if err != nil {
		return 0, err
	}

	// read body
	total := 0
	for {
		// check capacity
		if total == len(buf) {
			return total, errBufferFull
		}

		// read data
		n, err := conn.Read(buf[total:])
		total += n
		if err == io.EOF || (n == 0 && err == nil) {
			return total, nil
		} else if err != nil {
			return total, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
}
