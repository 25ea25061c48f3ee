package ota

import (
	"context"
	"errors"
	"io"
)

var testCert = []byte("-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n")

type fakeConnector struct {
	body      []byte
	length    int64
	plain     bool
	chunk     int
	failAfter int
	readErr   error
	headerErr error
	connects  int
	closes    int
}

func (c *fakeConnector) Connect(_ context.Context, _ Config) (Conn, error) {
	c.connects++
	length := c.length
	if length == 0 {
		length = int64(len(c.body))
	}
	return &fakeConn{connector: c, length: length}, nil
}

type fakeConn struct {
	connector *fakeConnector
	length    int64
	offset    int
}

func (c *fakeConn) Encrypted() bool {
	return !c.connector.plain
}

func (c *fakeConn) FetchHeaders() (int64, error) {
	if c.connector.headerErr != nil {
		return 0, c.connector.headerErr
	}
	return c.length, nil
}

func (c *fakeConn) Read(buf []byte) (int, error) {
	// fail if requested
	if c.connector.readErr != nil && c.offset >= c.connector.failAfter {
		return 0, c.connector.readErr
	}

	// check end
	if c.offset >= len(c.connector.body) {
		return 0, io.EOF
	}

	// limit chunk
	n := len(buf)
	if c.connector.chunk > 0 && n > c.connector.chunk {
		n = c.connector.chunk
	}

	n = copy(buf[:n], c.connector.body[c.offset:])
	c.offset += n

	return n, nil
}

func (c *fakeConn) Close() error {
	c.connector.closes++
	return nil
}

type fakeFlash struct {
	partition Partition
	data      []byte
	begun     int
	ended     int
	boot      *Partition
	writeErr  error
	endErr    error
	bootErr   error
}

func (f *fakeFlash) NextUpdatePartition() (Partition, error) {
	return f.partition, nil
}

func (f *fakeFlash) Begin(p Partition) (Session, error) {
	if p != f.partition {
		return nil, errors.New("unexpected partition")
	}
	f.begun++
	f.data = nil
	return f, nil
}

func (f *fakeFlash) Write(data []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.data = append(f.data, data...)
	return len(data), nil
}

func (f *fakeFlash) End() error {
	f.ended++
	return f.endErr
}

func (f *fakeFlash) SetBootPartition(p Partition) error {
	if f.bootErr != nil {
		return f.bootErr
	}
	f.boot = &p
	return nil
}
