package nvs

import (
	"fmt"

	"github.com/sigurn/crc8"
)

// RecordSize is the size of a packed record.
const RecordSize = 4

var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xF7,
	Name:   "CRC-8/NRSC-5",
})

// Checksum computes the CRC-8 (polynomial 0x31, init 0xFF) of data.
func Checksum(data []byte) uint8 {
	return crc8.Checksum(data, crcTable)
}

// Flags are the pending update flags of a record.
type Flags uint8

// The available flags.
const (
	FlagUpgrade   Flags = 1 << 0
	FlagDowngrade Flags = 1 << 1
)

// Direction selects between upgrades and downgrades.
type Direction uint8

// The available directions.
const (
	Upgrade Direction = iota
	Downgrade
)

func (d Direction) flag() Flags {
	if d == Downgrade {
		return FlagDowngrade
	}
	return FlagUpgrade
}

func (d Direction) String() string {
	if d == Downgrade {
		return "downgrade"
	}
	return "upgrade"
}

// Record is the persisted upgrade record. It is packed as minor, major,
// flags and a CRC-8 over the first three bytes.
type Record struct {
	Minor uint8
	Major uint8
	Flags Flags
	CRC   uint8
}

// NewRecord returns a sealed record.
func NewRecord(major, minor uint8, flags Flags) Record {
	return Record{Minor: minor, Major: major, Flags: flags}.Seal()
}

// Seal returns a copy of the record with a recomputed CRC.
func (r Record) Seal() Record {
	b := r.Bytes()
	r.CRC = Checksum(b[:3])
	return r
}

// Valid returns whether the CRC matches the contents.
func (r Record) Valid() bool {
	b := r.Bytes()
	return Checksum(b[:3]) == r.CRC
}

// Pending returns whether the flag of the direction is set.
func (r Record) Pending(dir Direction) bool {
	return r.Flags&dir.flag() != 0
}

// Bytes returns the packed record.
func (r Record) Bytes() [RecordSize]byte {
	return [RecordSize]byte{r.Minor, r.Major, uint8(r.Flags), r.CRC}
}

// ParseRecord decodes a packed record and rejects it if the stored CRC
// differs from the recomputed one.
func ParseRecord(data []byte) (Record, error) {
	// check length
	if len(data) != RecordSize {
		return Record{}, fmt.Errorf("%w: record has %d bytes", ErrCorrupt, len(data))
	}

	// decode
	r := Record{
		Minor: data[0],
		Major: data[1],
		Flags: Flags(data[2]),
		CRC:   data[3],
	}

	// check crc
	if crc := Checksum(data[:3]); crc != r.CRC {
		return Record{}, fmt.Errorf("%w: crc 0x%02x does not match 0x%02x", ErrCorrupt, r.CRC, crc)
	}

	return r, nil
}
