// Package kv provides the key-value storage boundary for the stream engine.
// Keys are hierarchical paths represented as string slices (for example
// ["gen", id, "ev", seq]) and are joined with ':' when encoded for storage.
//
// Two implementations exist: a BadgerDB-backed store for production and an
// in-memory store for tests. Prefix listing is lexicographic over the encoded
// key, so callers that need numeric ordering must zero-pad numeric segments.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Separator joins key segments in the encoded form. Segments must not
// contain it; the engine only uses UUIDs, fixed words, and zero-padded
// integers as segments.
const Separator byte = ':'

// Key is a hierarchical path of string segments.
type Key []string

// String renders the key in its encoded form. Useful in logs and tests.
func (k Key) String() string {
	return strings.Join(k, string(Separator))
}

// Entry is a key-value pair yielded by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the storage collaborator contract: every read and write goes
// through a transactional boundary supplied by the implementation.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates entries whose key has the given prefix, in ascending
	// order of the encoded key. A prefix only matches whole segments:
	// ["a","b"] matches ["a","b","c"] but not ["a","bc"].
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchDelete atomically removes multiple keys.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases resources held by the store.
	Close() error
}

func encodeKey(k Key) []byte {
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, Separator)
		}
		buf = append(buf, seg...)
	}
	return buf
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), string(Separator)))
}

// prefixBytes encodes a prefix with a trailing separator so that listing
// ["a","b"] never matches the sibling key ["a","bc"]. An empty prefix scans
// the whole store.
func prefixBytes(prefix Key) []byte {
	p := encodeKey(prefix)
	if len(p) == 0 {
		return nil
	}
	return append(p, Separator)
}
