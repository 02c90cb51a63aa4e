package storage

import "errors"

var (
	ErrNotInteger = errors.New("value is not an integer or out of range")
	ErrOverflow   = errors.New("increment or decrement would overflow")
)

// SetCondition restricts when Set writes.
type SetCondition int

const (
	SetAlways SetCondition = iota
	// SetIfAbsent is SET NX.
	SetIfAbsent
	// SetIfPresent is SET XX.
	SetIfPresent
)

// Store is the keyspace of the mock endpoint. Every write bumps the version
// of the key it touches, which is what WATCH compares.
type Store interface {
	Get(key []byte) ([]byte, bool)
	Set(key, value []byte, cond SetCondition) bool
	Delete(keys ...[]byte) int
	Exists(keys ...[]byte) int
	IncrBy(key []byte, delta int64) (int64, error)

	// Version returns a number that changes whenever key is written, deleted
	// or flushed. Keys never written have version 0.
	Version(key []byte) uint64

	Flush()
	Len() int

	// Restore and Backup load and dump the keyspace as a JSON object of
	// string values.
	Restore(values []byte) error
	Backup() ([]byte, error)
}
