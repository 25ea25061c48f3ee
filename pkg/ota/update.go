package ota

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/256dpi/naos-ota/pkg/utils"
)

// DefaultChunkSize is the default streaming chunk size.
const DefaultChunkSize = 4096

// MinChunkSize is the smallest accepted streaming chunk size.
const MinChunkSize = 130

// State is the state of an update attempt.
type State uint8

// The available update states.
const (
	Idle State = iota
	Connecting
	HeaderFetched
	Streaming
	HashFinalized
	Verified
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case HeaderFetched:
		return "header-fetched"
	case Streaming:
		return "streaming"
	case HashFinalized:
		return "hash-finalized"
	case Verified:
		return "verified"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Updater downloads firmware images into the next update partition and
// selects them for the next boot.
type Updater struct {
	// The connector used to open connections.
	Connector Connector

	// The flash partitions.
	Flash Flash

	// The streaming chunk size, defaults to DefaultChunkSize.
	ChunkSize int

	// The optional logger.
	Logger *slog.Logger

	// Observe is called with every state transition.
	Observe func(State)
}

// Apply streams the image into the next update partition while hashing it.
// The partition is only selected for the next boot if the image hash equals
// the descriptor hash and the write session ended successfully. Calls must
// not overlap.
func (u *Updater) Apply(ctx context.Context, cfg Config, desc Descriptor, progress Progress) (err error) {
	// get logger
	log := utils.Logger(u.Logger).With("url", cfg.URL, "version", desc.Version.String())

	// prepare state reporter
	enter := func(s State) {
		log.Debug("update state", "state", s.String())
		if u.Observe != nil {
			u.Observe(s)
		}
	}
	defer func() {
		if err != nil {
			log.Warn("update failed", "error", err)
			enter(Failed)
		}
	}()

	// ensure progress
	if progress == nil {
		progress = func(error, int64, int64) {}
	}

	// check chunk size
	chunkSize := u.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < MinChunkSize {
		return fmt.Errorf("%w: chunk size %d", ErrBufferTooSmall, chunkSize)
	}

	// check descriptor
	err = desc.Validate()
	if err != nil {
		return err
	}

	// check flash
	if u.Flash == nil {
		return errors.New("missing flash")
	}

	// connect
	enter(Connecting)
	conn, err := connect(ctx, u.Connector, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	// fetch headers
	total, err := fetchHeaders(conn)
	if err != nil {
		return err
	}
	enter(HeaderFetched)

	// select partition
	partition, err := u.Flash.NextUpdatePartition()
	if err != nil {
		return fmt.Errorf("select partition: %w", err)
	}
	log = log.With("partition", partition.Label)
	log.Info("writing image", "address", partition.Address, "length", total)

	// begin session
	session, err := u.Flash.Begin(partition)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	enter(Streaming)

	// prepare buffer with room for the digest
	buf := make([]byte, chunkSize+HashSize)
	hash := sha256.New()

	// stream image
	var done int64
	var readErr, writeErr error
	for {
		// read chunk
		n, err := conn.Read(buf[:chunkSize])
		if n > 0 {
			// update hash
			hash.Write(buf[:n])

			// write chunk
			_, err := session.Write(buf[:n])
			if err != nil {
				writeErr = fmt.Errorf("%w: %w", ErrWrite, err)
				break
			}

			// report progress
			done += int64(n)
			progress(nil, done, total)
		}

		// handle end and errors
		if err == io.EOF || (n == 0 && err == nil) {
			log.Debug("stream ended", "received", done)
			break
		} else if err != nil {
			readErr = fmt.Errorf("%w: %w", ErrTransport, err)
			progress(readErr, done, total)
			break
		}
	}

	// finalize hash
	sum := hash.Sum(buf[chunkSize:chunkSize])
	enter(HashFinalized)

	// verify hash
	var hashErr error
	if !bytes.Equal(sum, desc.Hash[:]) {
		hashErr = ErrHashMismatch
		log.Warn("hash mismatch", "expected", utils.EncodeHex(desc.Hash[:]), "computed", utils.EncodeHex(sum))
	} else {
		log.Debug("hash verified", "sha256", utils.EncodeHex(sum))
	}
	if readErr == nil && writeErr == nil && hashErr == nil {
		enter(Verified)
	}

	// end session
	var endErr error
	err = session.End()
	if err != nil {
		endErr = fmt.Errorf("%w: end session: %w", ErrCommit, err)
	}

	// check errors
	err = errors.Join(readErr, writeErr, hashErr, endErr)
	if err != nil {
		return err
	}

	// select boot partition
	err = u.Flash.SetBootPartition(partition)
	if err != nil {
		return fmt.Errorf("%w: set boot partition: %w", ErrCommit, err)
	}
	enter(Committed)

	log.Info("update committed", "bytes", done)

	return nil
}
