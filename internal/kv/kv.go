// Package kv provides the small key-value store backing receiver and
// settings persistence. Keys are flat strings; related records share a
// "prefix/" namespace and are enumerated with List.
package kv

import "errors"

var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set writes the value for key, overwriting any previous value.
	Set(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// List calls fn for every key with the given prefix, in key order.
	// A non-nil error from fn stops the walk and is returned.
	List(prefix string, fn func(key string, value []byte) error) error
	Close() error
}
