// Package ota implements the firmware over-the-air update pipeline: fetching
// and parsing update descriptors, and streaming, verifying and committing
// firmware images into the inactive flash partition.
package ota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// The available precondition errors.
var (
	ErrNoTrustAnchor = errors.New("missing server certificate")
	ErrNotEncrypted  = errors.New("transport is not encrypted")
)

// The available protocol errors.
var (
	ErrChunked              = errors.New("chunked transfer encoding is not supported")
	ErrMalformedDescriptor  = errors.New("malformed descriptor")
	ErrIncompleteDescriptor = errors.New("incomplete descriptor")
)

// The available capacity errors.
var (
	ErrTokenCapacity      = errors.New("insufficient token capacity")
	ErrDescriptorTooLarge = errors.New("descriptor too large")
	ErrBufferTooSmall     = errors.New("buffer too small")
)

// ErrTransport wraps errors returned while reading from a connection.
var ErrTransport = errors.New("transport error")

// ErrWrite wraps errors returned by a partition write session.
var ErrWrite = errors.New("partition write failed")

// ErrHashMismatch is returned if the streamed image does not match the
// descriptor hash.
var ErrHashMismatch = errors.New("hash mismatch")

// ErrCommit wraps errors returned while ending a write session or selecting
// the boot partition.
var ErrCommit = errors.New("commit failed")

// Config describes how to reach a resource on an update server.
type Config struct {
	// The resource URL.
	URL string

	// The PEM encoded certificate used as the only trust anchor.
	CertPEM []byte

	// The optional request timeout.
	Timeout time.Duration
}

// Conn is an open connection to a resource.
type Conn interface {
	// Encrypted reports whether the negotiated transport is encrypted.
	Encrypted() bool

	// FetchHeaders returns the declared content length, or -1 if the length
	// is unknown, for example due to chunked transfer encoding.
	FetchHeaders() (int64, error)

	// Read reads body data. The end of the stream is signaled by io.EOF or
	// a read of zero bytes.
	Read(buf []byte) (int, error)

	// Close releases the connection.
	Close() error
}

// Connector opens connections to resources.
type Connector interface {
	Connect(ctx context.Context, cfg Config) (Conn, error)
}

// Partition describes a flash region that can hold an application image.
type Partition struct {
	Label   string
	Address uint32
	Size    uint32
}

// Session is an open write session to a partition.
type Session interface {
	Write(data []byte) (int, error)

	// End finalizes the written image and reports whether it is bootable.
	End() error
}

// Flash provides access to the device partitions.
type Flash interface {
	NextUpdatePartition() (Partition, error)
	Begin(Partition) (Session, error)
	SetBootPartition(Partition) error
}

// Progress is called with the number of received bytes and the declared
// total length. A non-nil error reports a failed read.
type Progress func(err error, done, total int64)

func connect(ctx context.Context, connector Connector, cfg Config) (Conn, error) {
	// check connector
	if connector == nil {
		return nil, errors.New("missing connector")
	}

	// check trust anchor
	if len(cfg.CertPEM) == 0 {
		return nil, ErrNoTrustAnchor
	}

	// open connection
	conn, err := connector.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	// check transport
	if !conn.Encrypted() {
		_ = conn.Close()
		return nil, ErrNotEncrypted
	}

	return conn, nil
}

func fetchHeaders(conn Conn) (int64, error) {
	// fetch headers
	length, err := conn.FetchHeaders()
	if err != nil {
		return 0, fmt.Errorf("fetch headers: %w", err)
	}

	// check length
	if length <= 0 {
		return 0, ErrChunked
	}

	return length, nil
}

func grow(n int) int {
	return max(n*4/3, n+1)
}
