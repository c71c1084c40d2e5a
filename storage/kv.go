package storage

import "errors"

// ErrNotFound is returned by Load when nothing was saved under the key.
var ErrNotFound = errors.New("storage: key not found")

// KV is the text key/value store every persisted component writes through.
type KV interface {
	Load(key string) (string, error)
	Save(key, value string) error
}
