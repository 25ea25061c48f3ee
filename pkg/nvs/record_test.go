package nvs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func referenceChecksum(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, uint8(0xF7), Checksum([]byte("123456789")))
	assert.Equal(t, uint8(0xFF), Checksum(nil))

	for i := 0; i < 256; i++ {
		data := []byte{byte(i), byte(255 - i), byte(i * 7)}
		assert.Equal(t, referenceChecksum(data), Checksum(data))
	}
}

func TestRecordBytes(t *testing.T) {
	r := NewRecord(1, 2, FlagUpgrade)
	b := r.Bytes()
	assert.Equal(t, byte(2), b[0])
	assert.Equal(t, byte(1), b[1])
	assert.Equal(t, byte(1), b[2])
	assert.Equal(t, referenceChecksum(b[:3]), b[3])
	assert.True(t, r.Valid())

	parsed, err := ParseRecord(b[:])
	assert.NoError(t, err)
	assert.Equal(t, r, parsed)
}

func TestParseRecordRejectsMismatch(t *testing.T) {
	b := NewRecord(3, 4, 0).Bytes()

	// a matching crc is accepted
	_, err := ParseRecord(b[:])
	assert.NoError(t, err)

	// a differing crc is rejected
	b[3] ^= 0x01
	_, err = ParseRecord(b[:])
	assert.ErrorIs(t, err, ErrCorrupt)

	// a flipped payload bit is rejected
	b = NewRecord(3, 4, 0).Bytes()
	b[2] ^= 0x80
	_, err = ParseRecord(b[:])
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = ParseRecord([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRecordPending(t *testing.T) {
	r := NewRecord(1, 0, FlagDowngrade)
	assert.False(t, r.Pending(Upgrade))
	assert.True(t, r.Pending(Downgrade))
	assert.Equal(t, "downgrade", Downgrade.String())

	r.Flags = 0
	assert.False(t, r.Valid())
	assert.True(t, r.Seal().Valid())
}
