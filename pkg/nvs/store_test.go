package nvs

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	Backend
	commits int
}

func (b *countingBackend) Open(namespace string, writable bool) (Handle, error) {
	h, err := b.Backend.Open(namespace, writable)
	if err != nil {
		return nil, err
	}
	return &countingHandle{Handle: h, backend: b}, nil
}

type countingHandle struct {
	Handle
	backend *countingBackend
}

func (h *countingHandle) Commit() error {
	h.backend.commits++
	return h.Handle.Commit()
}

func rawSet(t *testing.T, b Backend, key string, value []byte) {
	h, err := b.Open(DefaultNamespace, true)
	require.NoError(t, err)
	require.NoError(t, h.Set(key, value))
	require.NoError(t, h.Commit())
	require.NoError(t, h.Close())
}

func TestStoreSetGet(t *testing.T) {
	store := NewStore(NewMemory(), nil)

	_, err := store.Get()
	assert.ErrorIs(t, err, ErrNotFound)

	// the crc is recomputed on write
	err = store.Set(Record{Major: 1, Minor: 2, Flags: FlagUpgrade, CRC: 0x42})
	require.NoError(t, err)

	r, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), r.Major)
	assert.Equal(t, uint8(2), r.Minor)
	assert.Equal(t, FlagUpgrade, r.Flags)
	assert.True(t, r.Valid())
}

func TestStoreSetUnchanged(t *testing.T) {
	backend := &countingBackend{Backend: NewMemory()}
	store := NewStore(backend, nil)

	require.NoError(t, store.Set(NewRecord(1, 0, 0)))
	assert.Equal(t, 1, backend.commits)

	require.NoError(t, store.Set(NewRecord(1, 0, 0)))
	assert.Equal(t, 1, backend.commits)

	require.NoError(t, store.Set(NewRecord(1, 1, 0)))
	assert.Equal(t, 2, backend.commits)
}

func TestStoreCorrupt(t *testing.T) {
	mem := NewMemory()
	store := NewStore(mem, nil)

	b := NewRecord(1, 2, FlagUpgrade).Bytes()
	b[3]++
	rawSet(t, mem, DefaultRecordKey, b[:])

	_, err := store.Get()
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.False(t, store.NeedsUpdate(Upgrade))
	assert.ErrorIs(t, store.MarkPending(Upgrade), ErrCorrupt)
	assert.ErrorIs(t, store.ClearPending(), ErrCorrupt)
}

func TestStorePending(t *testing.T) {
	store := NewStore(NewMemory(), nil)

	// requires a provisioned record
	assert.ErrorIs(t, store.MarkPending(Upgrade), ErrNotFound)
	assert.False(t, store.NeedsUpdate(Upgrade))

	require.NoError(t, store.Provision(1, 0))
	assert.False(t, store.NeedsUpdate(Upgrade))
	assert.False(t, store.NeedsUpdate(Downgrade))

	require.NoError(t, store.MarkPending(Upgrade))
	assert.True(t, store.NeedsUpdate(Upgrade))
	assert.False(t, store.NeedsUpdate(Downgrade))

	require.NoError(t, store.MarkPending(Downgrade))
	assert.True(t, store.NeedsUpdate(Upgrade))
	assert.True(t, store.NeedsUpdate(Downgrade))

	require.NoError(t, store.ClearPending())
	assert.False(t, store.NeedsUpdate(Upgrade))
	assert.False(t, store.NeedsUpdate(Downgrade))

	r, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, NewRecord(1, 0, 0), r)
}

func TestStoreRebootCounter(t *testing.T) {
	mem := NewMemory()
	store := NewStore(mem, nil)

	n, err := store.RebootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.BumpRebootCounter())
	}

	n, err = store.RebootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)

	require.NoError(t, store.Provision(2, 1))
	n, err = store.RebootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)

	r, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, NewRecord(2, 1, 0), r)
}

func TestStoreRebootCounterSaturates(t *testing.T) {
	backend := &countingBackend{Backend: NewMemory()}
	store := NewStore(backend, nil)

	rawSet(t, backend.Backend, DefaultCounterKey, binary.LittleEndian.AppendUint32(nil, math.MaxUint32))

	require.NoError(t, store.BumpRebootCounter())
	assert.Equal(t, 0, backend.commits)

	n, err := store.RebootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), n)

	require.NoError(t, store.ResetRebootCounter())
	require.NoError(t, store.ResetRebootCounter())
	assert.Equal(t, 1, backend.commits)
}

func TestStoreRebootCounterCorrupt(t *testing.T) {
	mem := NewMemory()
	store := NewStore(mem, nil)

	rawSet(t, mem, DefaultCounterKey, []byte{1, 2})

	_, err := store.RebootCounter()
	assert.ErrorIs(t, err, ErrCorrupt)

	// bumping keeps the corrupt value
	err = store.BumpRebootCounter()
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = store.RebootCounter()
	assert.ErrorIs(t, err, ErrCorrupt)

	// resetting repairs it
	require.NoError(t, store.ResetRebootCounter())

	n, err := store.RebootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)

	require.NoError(t, store.BumpRebootCounter())
	n, err = store.RebootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	// provisioning repairs it as well
	rawSet(t, mem, DefaultCounterKey, []byte{1, 2, 3})
	require.NoError(t, store.Provision(1, 0))

	n, err = store.RebootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)
}

func TestStoreWithKeys(t *testing.T) {
	mem := NewMemory()
	store := NewStore(mem, nil).WithKeys("app", "rec", "boots")

	require.NoError(t, store.Provision(1, 1))
	require.NoError(t, store.BumpRebootCounter())

	assert.Equal(t, []string{"boots", "rec"}, mem.Keys("app"))
	assert.Empty(t, mem.Keys(DefaultNamespace))
}

func TestStoreConcurrentBumps(t *testing.T) {
	store := NewStore(NewMemory(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, store.BumpRebootCounter())
			}
		}()
	}
	wg.Wait()

	n, err := store.RebootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), n)
}

func TestStoreDerivedConcurrentBumps(t *testing.T) {
	store := NewStore(NewMemory(), nil)
	other := store.WithKeys(DefaultNamespace, DefaultRecordKey, DefaultCounterKey)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, s.BumpRebootCounter())
			}
		}([]*Store{store, other}[i%2])
	}
	wg.Wait()

	n, err := other.RebootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), n)
}
