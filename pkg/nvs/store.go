package nvs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/256dpi/naos-ota/pkg/utils"
)

// The default namespace and keys.
const (
	DefaultNamespace  = "nvs"
	DefaultRecordKey  = "ota"
	DefaultCounterKey = "restart_counter"
)

// Store manages the upgrade record and the reboot counter. Callers receive
// and submit copies; all operations are serialized. Stores derived with
// WithKeys share the lock of their parent. Independently created stores must
// not access the same backend concurrently.
type Store struct {
	backend    Backend
	namespace  string
	recordKey  string
	counterKey string
	logger     *slog.Logger
	mutex      *sync.Mutex
}

// NewStore creates a store using the default namespace and keys.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend:    backend,
		namespace:  DefaultNamespace,
		recordKey:  DefaultRecordKey,
		counterKey: DefaultCounterKey,
		logger:     utils.Logger(logger),
		mutex:      new(sync.Mutex),
	}
}

// WithKeys returns a store that uses the provided namespace and keys and
// shares the lock of s.
func (s *Store) WithKeys(namespace, recordKey, counterKey string) *Store {
	return &Store{
		backend:    s.backend,
		namespace:  namespace,
		recordKey:  recordKey,
		counterKey: counterKey,
		logger:     s.logger,
		mutex:      s.mutex,
	}
}

// Set seals and writes the record. The write is skipped if the stored record
// is identical.
func (s *Store) Set(r Record) error {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.set(r)
}

// Get reads the record and verifies its CRC.
func (s *Store) Get() (Record, error) {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.get()
}

// MarkPending sets the pending flag for the provided direction.
func (s *Store) MarkPending(dir Direction) error {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// get record
	r, err := s.get()
	if err != nil {
		return err
	}

	// set flag
	r.Flags |= dir.flag()

	return s.set(r)
}

// NeedsUpdate returns whether an update in the provided direction is pending.
// A missing or corrupt record reads as not pending.
func (s *Store) NeedsUpdate(dir Direction) bool {
	// get record
	r, err := s.Get()
	if err != nil {
		s.logger.Warn("reading record failed", "error", err)
		return false
	}

	return r.Pending(dir)
}

// ClearPending clears both pending flags.
func (s *Store) ClearPending() error {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// get record
	r, err := s.get()
	if err != nil {
		return err
	}

	// clear flags
	r.Flags &^= FlagUpgrade | FlagDowngrade

	return s.set(r)
}

// Provision resets the reboot counter and stores the provided version with
// cleared flags.
func (s *Store) Provision(major, minor uint8) error {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// reset counter
	err := s.writeCounter(true, func(uint32) uint32 { return 0 })
	if err != nil {
		return err
	}

	return s.set(NewRecord(major, minor, 0))
}

// BumpRebootCounter increments the reboot counter. The counter saturates at
// its maximum value. A corrupt counter is left untouched and reported as
// ErrCorrupt.
func (s *Store) BumpRebootCounter() error {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.writeCounter(false, func(n uint32) uint32 {
		if n < math.MaxUint32 {
			n++
		}
		return n
	})
}

// ResetRebootCounter sets the reboot counter to zero. A corrupt counter is
// overwritten.
func (s *Store) ResetRebootCounter() error {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.writeCounter(true, func(uint32) uint32 { return 0 })
}

// RebootCounter returns the reboot counter. A missing counter reads as zero.
func (s *Store) RebootCounter() (uint32, error) {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// read counter
	var n uint32
	err := s.transact(false, func(h Handle) (bool, error) {
		var err error
		n, err = s.readCounter(h)
		return false, err
	})

	return n, err
}

func (s *Store) get() (Record, error) {
	var r Record
	err := s.transact(false, func(h Handle) (bool, error) {
		// read value
		data, err := h.Get(s.recordKey)
		if err != nil {
			return false, err
		}

		// parse record
		r, err = ParseRecord(data)
		if err != nil {
			return false, err
		}

		return false, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}

	return r, nil
}

func (s *Store) set(r Record) error {
	// seal record
	data := r.Seal().Bytes()

	return s.transact(true, func(h Handle) (bool, error) {
		// read current value
		cur, err := h.Get(s.recordKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}

		// skip unchanged
		if bytes.Equal(cur, data[:]) {
			s.logger.Debug("record unchanged", "record", utils.EncodeHex(data[:]))
			return false, nil
		}

		// write value
		err = h.Set(s.recordKey, data[:])
		if err != nil {
			return false, err
		}

		s.logger.Debug("record written", "record", utils.EncodeHex(data[:]))

		return true, nil
	})
}

func (s *Store) readCounter(h Handle) (uint32, error) {
	// read value
	data, err := h.Get(s.counterKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	// check length
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: counter has %d bytes", ErrCorrupt, len(data))
	}

	return binary.LittleEndian.Uint32(data), nil
}

func (s *Store) writeCounter(reset bool, fn func(uint32) uint32) error {
	return s.transact(true, func(h Handle) (bool, error) {
		// read counter
		cur, err := h.Get(s.counterKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
		exists := err == nil

		// check length, only resets may overwrite a corrupt counter
		corrupt := exists && len(cur) != 4
		if corrupt && !reset {
			return false, fmt.Errorf("%w: counter has %d bytes", ErrCorrupt, len(cur))
		}
		var n uint32
		if exists && !corrupt {
			n = binary.LittleEndian.Uint32(cur)
		}

		// compute value, skip if unchanged
		next := fn(n)
		if exists && !corrupt && next == n {
			s.logger.Debug("counter unchanged", "counter", n)
			return false, nil
		}

		// write value
		err = h.Set(s.counterKey, binary.LittleEndian.AppendUint32(nil, next))
		if err != nil {
			return false, err
		}

		s.logger.Debug("counter written", "counter", next)

		return true, nil
	})
}

func (s *Store) transact(writable bool, fn func(Handle) (bool, error)) error {
	// open namespace
	h, err := s.backend.Open(s.namespace, writable)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.namespace, err)
	}
	defer h.Close()

	// run function
	changed, err := fn(h)
	if err != nil {
		return err
	}

	// commit changes
	if changed {
		err = h.Commit()
		if err != nil {
			return fmt.Errorf("commit %s: %w", s.namespace, err)
		}
	}

	return nil
}
