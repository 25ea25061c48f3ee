package flash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/256dpi/naos-ota/pkg/ota"
)

var testSlots = []Slot{
	{Label: "factory", Size: 0x100000},
	{Label: "ota_0", Size: 0x100000},
	{Label: "ota_1", Size: 0x100000},
}

func TestOpen(t *testing.T) {
	table, err := Open(t.TempDir(), testSlots, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []ota.Partition{
		{Label: "factory", Address: 0x10000, Size: 0x100000},
		{Label: "ota_0", Address: 0x110000, Size: 0x100000},
		{Label: "ota_1", Address: 0x210000, Size: 0x100000},
	}, table.Partitions())

	_, err = Open(t.TempDir(), nil, "", nil)
	assert.Error(t, err)

	_, err = Open(t.TempDir(), []Slot{{Label: "a", Size: 1}, {Label: "a", Size: 1}}, "", nil)
	assert.Error(t, err)

	_, err = Open(t.TempDir(), testSlots, "app_*", nil)
	assert.Error(t, err)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	table, err := Open(dir, testSlots, "", nil)
	require.NoError(t, err)

	// boots factory initially
	assert.Equal(t, "factory", table.Boot().Label)

	for _, label := range []string{"ota_0", "ota_1", "ota_0", "ota_1"} {
		next, err := table.NextUpdatePartition()
		require.NoError(t, err)
		assert.Equal(t, label, next.Label)

		// write image
		s, err := table.Begin(next)
		require.NoError(t, err)
		_, err = s.Write([]byte(label))
		require.NoError(t, err)
		require.NoError(t, s.End())

		// commit
		require.NoError(t, table.SetBootPartition(next))
		assert.Equal(t, next, table.Boot())

		data, err := table.Image(next)
		require.NoError(t, err)
		assert.Equal(t, []byte(label), data)
	}

	// selection survives reopening
	table, err = Open(dir, testSlots, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "ota_1", table.Boot().Label)

	// back to factory
	require.NoError(t, table.SetBootPartition(table.Partitions()[0]))
	assert.Equal(t, "factory", table.Boot().Label)
}

func TestCorruptOtadata(t *testing.T) {
	dir := t.TempDir()
	table, err := Open(dir, testSlots, "", nil)
	require.NoError(t, err)

	part := table.Partitions()[2]
	require.NoError(t, table.SetBootPartition(part))
	assert.Equal(t, part, table.Boot())

	// flip a bit
	path := filepath.Join(dir, "otadata")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[4] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0644))

	assert.Equal(t, "factory", table.Boot().Label)
}

func TestSingleSlot(t *testing.T) {
	table, err := Open(t.TempDir(), []Slot{{Label: "ota_0", Size: 16}}, "", nil)
	require.NoError(t, err)

	_, err = table.NextUpdatePartition()
	assert.ErrorIs(t, err, ErrNoPartition)
}

func TestSession(t *testing.T) {
	table, err := Open(t.TempDir(), []Slot{{Label: "ota_0", Size: 16}, {Label: "ota_1", Size: 16}}, "", nil)
	require.NoError(t, err)

	next, err := table.NextUpdatePartition()
	require.NoError(t, err)
	assert.Equal(t, "ota_1", next.Label)

	s, err := table.Begin(next)
	require.NoError(t, err)
	_, err = s.Write(make([]byte, 10))
	require.NoError(t, err)
	_, err = s.Write(make([]byte, 7))
	assert.ErrorIs(t, err, ErrPartitionFull)
	require.NoError(t, s.End())

	s, err = table.Begin(next)
	require.NoError(t, err)
	assert.ErrorIs(t, s.End(), ErrEmptyImage)

	_, err = table.Begin(ota.Partition{Label: "foo"})
	assert.ErrorIs(t, err, ErrUnknown)
	assert.ErrorIs(t, table.SetBootPartition(ota.Partition{Label: "foo"}), ErrUnknown)
}
