// Package flash emulates an application partition table on the file system.
// Every partition is a file in a directory and the boot selection is kept in
// a CRC protected otadata record next to them.
package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"github.com/samber/lo"

	"github.com/256dpi/naos-ota/pkg/ota"
	"github.com/256dpi/naos-ota/pkg/utils"
)

// DefaultPattern matches the labels of OTA application partitions.
const DefaultPattern = "ota_*"

const (
	baseAddress  = 0x10000
	alignment    = 0x10000
	otadataName  = "otadata"
	otadataSize  = 12
	otadataMagic = "OTA0"
)

// The available errors.
var (
	ErrNoPartition   = errors.New("no update partition available")
	ErrUnknown       = errors.New("unknown partition")
	ErrPartitionFull = errors.New("partition full")
	ErrEmptyImage    = errors.New("empty image")
)

// Slot describes an application partition.
type Slot struct {
	Label string `yaml:"label"`
	Size  uint32 `yaml:"size"`
}

// Table is a file backed partition table.
type Table struct {
	dir    string
	all    []ota.Partition
	ota    []ota.Partition
	logger *slog.Logger
	mutex  sync.Mutex
}

// Open prepares the directory and returns the partition table. Slots with a
// label matching the glob pattern are used for updates.
func Open(dir string, slots []Slot, pattern string, logger *slog.Logger) (*Table, error) {
	// check slots
	if len(slots) == 0 {
		return nil, errors.New("no slots")
	}
	if dups := lo.FindDuplicates(lo.Map(slots, func(s Slot, _ int) string { return s.Label })); len(dups) > 0 {
		return nil, fmt.Errorf("duplicate slots: %v", dups)
	}

	// get pattern
	if pattern == "" {
		pattern = DefaultPattern
	}

	// layout partitions
	var all []ota.Partition
	address := uint32(baseAddress)
	for _, slot := range slots {
		if slot.Label == "" || slot.Size == 0 {
			return nil, fmt.Errorf("invalid slot: %+v", slot)
		}
		all = append(all, ota.Partition{
			Label:   slot.Label,
			Address: address,
			Size:    slot.Size,
		})
		address += (slot.Size + alignment - 1) / alignment * alignment
	}

	// select update partitions
	updatable := lo.Filter(all, func(p ota.Partition, _ int) bool {
		return glob.Glob(pattern, p.Label)
	})
	if len(updatable) == 0 {
		return nil, fmt.Errorf("no slot matches %q", pattern)
	}

	// ensure directory
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}

	return &Table{
		dir:    dir,
		all:    all,
		ota:    updatable,
		logger: utils.Logger(logger),
	}, nil
}

// Partitions returns all partitions.
func (t *Table) Partitions() []ota.Partition {
	return append([]ota.Partition(nil), t.all...)
}

// Boot returns the partition selected for booting. Without a valid otadata
// record the first partition is selected.
func (t *Table) Boot() ota.Partition {
	// acquire mutex
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.boot()
}

// NextUpdatePartition returns the update partition following the boot
// partition.
func (t *Table) NextUpdatePartition() (ota.Partition, error) {
	// acquire mutex
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// find boot partition
	boot := t.boot()
	index := lo.IndexOf(t.ota, boot)
	if index < 0 {
		return t.ota[0], nil
	}

	// select next partition
	next := t.ota[(index+1)%len(t.ota)]
	if next == boot {
		return ota.Partition{}, ErrNoPartition
	}

	return next, nil
}

// Begin erases the partition and opens a write session.
func (t *Table) Begin(p ota.Partition) (ota.Session, error) {
	// check partition
	if !lo.Contains(t.all, p) {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, p.Label)
	}

	// create file
	file, err := os.Create(t.path(p))
	if err != nil {
		return nil, err
	}

	t.logger.Debug("partition erased", "partition", p.Label)

	return &session{
		file:      file,
		partition: p,
	}, nil
}

// SetBootPartition selects the partition for the next boot.
func (t *Table) SetBootPartition(p ota.Partition) error {
	// acquire mutex
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// check partition
	if !lo.Contains(t.all, p) {
		return fmt.Errorf("%w: %s", ErrUnknown, p.Label)
	}

	// erase otadata to boot a non update partition
	index := lo.IndexOf(t.ota, p)
	if index < 0 {
		if p != t.all[0] {
			return fmt.Errorf("%w: %s is not bootable", ErrUnknown, p.Label)
		}
		err := os.Remove(t.otadataPath())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	// compute the next sequence that selects the partition
	seq, _ := t.readSeq()
	n := uint32(len(t.ota))
	seq++
	for (seq-1)%n != uint32(index) {
		seq++
	}

	// write record
	err := t.writeSeq(seq)
	if err != nil {
		return err
	}

	t.logger.Info("boot partition set", "partition", p.Label, "seq", seq)

	return nil
}

// Image returns the contents of a partition.
func (t *Table) Image(p ota.Partition) ([]byte, error) {
	return os.ReadFile(t.path(p))
}

func (t *Table) boot() ota.Partition {
	// read sequence
	seq, ok := t.readSeq()
	if !ok || seq == 0 {
		return t.all[0]
	}

	return t.ota[(seq-1)%uint32(len(t.ota))]
}

func (t *Table) readSeq() (uint32, bool) {
	// read record
	data, err := os.ReadFile(t.otadataPath())
	if err != nil {
		return 0, false
	}

	// verify record
	if len(data) != otadataSize || string(data[:4]) != otadataMagic {
		t.logger.Warn("otadata invalid", "length", len(data))
		return 0, false
	}
	if crc32.ChecksumIEEE(data[:8]) != binary.LittleEndian.Uint32(data[8:]) {
		t.logger.Warn("otadata crc mismatch")
		return 0, false
	}

	return binary.LittleEndian.Uint32(data[4:8]), true
}

func (t *Table) writeSeq(seq uint32) error {
	// encode record
	data := make([]byte, 0, otadataSize)
	data = append(data, otadataMagic...)
	data = binary.LittleEndian.AppendUint32(data, seq)
	data = binary.LittleEndian.AppendUint32(data, crc32.ChecksumIEEE(data))

	// write atomically
	tmp := t.otadataPath() + ".tmp"
	err := os.WriteFile(tmp, data, 0644)
	if err != nil {
		return err
	}

	return os.Rename(tmp, t.otadataPath())
}

func (t *Table) path(p ota.Partition) string {
	return filepath.Join(t.dir, p.Label+".bin")
}

func (t *Table) otadataPath() string {
	return filepath.Join(t.dir, otadataName)
}

type session struct {
	file      *os.File
	partition ota.Partition
	written   uint32
}

func (s *session) Write(data []byte) (int, error) {
	// check space
	if uint64(s.written)+uint64(len(data)) > uint64(s.partition.Size) {
		return 0, fmt.Errorf("%w: %s", ErrPartitionFull, s.partition.Label)
	}

	// write data
	n, err := s.file.Write(data)
	s.written += uint32(n)

	return n, err
}

func (s *session) End() error {
	// sync and close file
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	// check image
	if s.written == 0 {
		return ErrEmptyImage
	}

	return nil
}
