package nvs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/256dpi/naos-ota/pkg/utils"
)

// File is a backend that keeps all namespaces in a YAML document. Values are
// stored as hex strings.
type File struct {
	path  string
	data  map[string]map[string]string
	mutex sync.Mutex
}

// OpenFile loads or creates the YAML document at the specified path.
func OpenFile(path string) (*File, error) {
	// prepare file
	f := &File{
		path: path,
		data: make(map[string]map[string]string),
	}

	// read document
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	} else if err != nil {
		return nil, err
	}

	// decode document
	err = yaml.Unmarshal(buf, &f.data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if f.data == nil {
		f.data = make(map[string]map[string]string)
	}

	return f, nil
}

// Open implements the Backend interface.
func (f *File) Open(namespace string, writable bool) (Handle, error) {
	return &fileHandle{
		file:      f,
		namespace: namespace,
		writable:  writable,
		pending:   make(map[string]string),
	}, nil
}

func (f *File) save() error {
	// encode document
	buf, err := yaml.Marshal(f.data)
	if err != nil {
		return err
	}

	// write temporary file
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".nvs-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(buf)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	// replace document
	return os.Rename(tmp.Name(), f.path)
}

type fileHandle struct {
	file      *File
	namespace string
	writable  bool
	pending   map[string]string
}

func (h *fileHandle) Get(key string) ([]byte, error) {
	// get value
	value, ok := h.pending[key]
	if !ok {
		h.file.mutex.Lock()
		value, ok = h.file.data[h.namespace][key]
		h.file.mutex.Unlock()
	}
	if !ok {
		return nil, ErrNotFound
	}

	// decode value
	data, err := utils.DecodeHex(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return data, nil
}

func (h *fileHandle) Set(key string, value []byte) error {
	// check mode
	if !h.writable {
		return errors.New("read only handle")
	}

	// stage value
	h.pending[key] = utils.EncodeHex(value)

	return nil
}

func (h *fileHandle) Commit() error {
	// acquire mutex
	h.file.mutex.Lock()
	defer h.file.mutex.Unlock()

	// ensure namespace
	ns := h.file.data[h.namespace]
	if ns == nil {
		ns = make(map[string]string)
		h.file.data[h.namespace] = ns
	}

	// apply values
	for key, value := range h.pending {
		ns[key] = value
	}
	clear(h.pending)

	return h.file.save()
}

func (h *fileHandle) Close() error {
	clear(h.pending)
	return nil
}
