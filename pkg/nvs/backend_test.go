package nvs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendSuite(t *testing.T, backend Backend) {
	// missing keys
	h, err := backend.Open("ns", false)
	require.NoError(t, err)
	_, err = h.Get("foo")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, h.Set("foo", []byte{1}))
	require.NoError(t, h.Close())

	// uncommitted writes are discarded
	h, err = backend.Open("ns", true)
	require.NoError(t, err)
	require.NoError(t, h.Set("foo", []byte{1, 2, 3}))
	value, err := h.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, value)
	require.NoError(t, h.Close())

	h, err = backend.Open("ns", false)
	require.NoError(t, err)
	_, err = h.Get("foo")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, h.Close())

	// committed writes persist
	h, err = backend.Open("ns", true)
	require.NoError(t, err)
	require.NoError(t, h.Set("foo", []byte{1, 2, 3}))
	require.NoError(t, h.Set("foo", []byte{4, 5, 6, 7}))
	require.NoError(t, h.Commit())
	require.NoError(t, h.Close())

	h, err = backend.Open("ns", false)
	require.NoError(t, err)
	value, err = h.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6, 7}, value)
	require.NoError(t, h.Close())

	// namespaces are separate
	h, err = backend.Open("other", false)
	require.NoError(t, err)
	_, err = h.Get("foo")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, h.Close())

	// store works on top
	store := NewStore(backend, nil)
	require.NoError(t, store.Provision(4, 2))
	require.NoError(t, store.MarkPending(Upgrade))
	require.NoError(t, store.BumpRebootCounter())
	assert.True(t, store.NeedsUpdate(Upgrade))
	n, err := store.RebootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
}

func TestMemoryBackend(t *testing.T) {
	backendSuite(t, NewMemory())
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvs.yaml")

	file, err := OpenFile(path)
	require.NoError(t, err)
	backendSuite(t, file)

	// reload from disk
	file, err = OpenFile(path)
	require.NoError(t, err)

	store := NewStore(file, nil)
	r, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, NewRecord(4, 2, FlagUpgrade), r)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "restart_counter")
}

func TestFileBackendCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nvs:\n  ota: xyz\n"), 0644))

	file, err := OpenFile(path)
	require.NoError(t, err)

	_, err = NewStore(file, nil).Get()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvs.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	backendSuite(t, db)
	require.NoError(t, db.Close())

	// reopen
	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	r, err := NewStore(db, nil).Get()
	require.NoError(t, err)
	assert.Equal(t, NewRecord(4, 2, FlagUpgrade), r)
}
