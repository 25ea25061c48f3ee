package nvs

import (
	"errors"
	"maps"
	"slices"
	"sync"
)

// Memory is a volatile backend.
type Memory struct {
	data  map[string]map[string][]byte
	mutex sync.Mutex
}

// NewMemory creates a new memory backend.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string][]byte),
	}
}

// Open implements the Backend interface.
func (m *Memory) Open(namespace string, writable bool) (Handle, error) {
	return &memoryHandle{
		mem:       m,
		namespace: namespace,
		writable:  writable,
		pending:   make(map[string][]byte),
	}, nil
}

// Keys returns the sorted keys stored in a namespace.
func (m *Memory) Keys(namespace string) []string {
	// acquire mutex
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return slices.Sorted(maps.Keys(m.data[namespace]))
}

type memoryHandle struct {
	mem       *Memory
	namespace string
	writable  bool
	pending   map[string][]byte
}

func (h *memoryHandle) Get(key string) ([]byte, error) {
	// check pending
	if value, ok := h.pending[key]; ok {
		return slices.Clone(value), nil
	}

	// acquire mutex
	h.mem.mutex.Lock()
	defer h.mem.mutex.Unlock()

	// get value
	value, ok := h.mem.data[h.namespace][key]
	if !ok {
		return nil, ErrNotFound
	}

	return slices.Clone(value), nil
}

func (h *memoryHandle) Set(key string, value []byte) error {
	// check mode
	if !h.writable {
		return errors.New("read only handle")
	}

	// stage value
	h.pending[key] = slices.Clone(value)

	return nil
}

func (h *memoryHandle) Commit() error {
	// acquire mutex
	h.mem.mutex.Lock()
	defer h.mem.mutex.Unlock()

	// ensure namespace
	ns := h.mem.data[h.namespace]
	if ns == nil {
		ns = make(map[string][]byte)
		h.mem.data[h.namespace] = ns
	}

	// apply values
	maps.Copy(ns, h.pending)
	clear(h.pending)

	return nil
}

func (h *memoryHandle) Close() error {
	clear(h.pending)
	return nil
}
