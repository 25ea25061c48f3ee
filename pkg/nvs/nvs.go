// Package nvs persists the update state of a device in a small key-value
// store: a packed CRC-8 protected upgrade record and a reboot counter.
package nvs

import "errors"

// ErrNotFound is returned if a key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrCorrupt is returned if a stored value fails validation.
var ErrCorrupt = errors.New("corrupt value")

// Backend provides access to namespaced key-value storage.
type Backend interface {
	Open(namespace string, writable bool) (Handle, error)
}

// Handle is an open namespace. Writes become durable with Commit and are
// discarded by Close otherwise.
type Handle interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Commit() error
	Close() error
}
