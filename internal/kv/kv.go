package kv

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("kv: not found")
	ErrExpired  = errors.New("kv: expired")
)

// KV is the key-value contract shared by the bbolt Store and the socket
// Client. Implementations must be safe for concurrent use.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	// Keys lists live keys starting with prefix, in byte order.
	Keys(prefix string) ([]string, error)
}
