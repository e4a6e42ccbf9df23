// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package kvstore

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// ErrKeyNotFound used when something doesn't exist.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrEmptyKey is returned when an empty key is used in a write.
	ErrEmptyKey = errs.Class("empty key")
)

// Key is the type for the keys in a `Store`.
type Key []byte

// Value is the type for the values in a `Store`.
type Value []byte

// Keys is the type for a slice of keys in a `Store`.
type Keys []Key

// Values is the type for a slice of Values in a `Store`.
type Values []Value

// Store describes the key/value store the photo pipeline is built on.
// It offers single-key atomic primitives, TTLs, set membership, pipelined
// batch reads and cursor-based key enumeration, but no multi-key
// transactions. Multi-step conditional mutations go through Eval.
type Store interface {
	// Get gets a value from the store.
	Get(ctx context.Context, key Key) (Value, error)
	// Put adds a value to the store without expiry.
	Put(ctx context.Context, key Key, value Value) error
	// PutWithTTL adds a value that the store expires after ttl.
	PutWithTTL(ctx context.Context, key Key, value Value, ttl time.Duration) error
	// TTL reports the remaining time to live of a key.
	TTL(ctx context.Context, key Key) (time.Duration, error)
	// Delete deletes a key and its value.
	Delete(ctx context.Context, key Key) error
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key Key) (bool, error)

	// SetAdd adds members to the set at key, returning the number added.
	SetAdd(ctx context.Context, key Key, members ...Value) (int64, error)
	// SetRemove removes members from the set at key, returning the number removed.
	SetRemove(ctx context.Context, key Key, members ...Value) (int64, error)
	// SetCard returns the cardinality of the set at key.
	SetCard(ctx context.Context, key Key) (int64, error)
	// SetMembers returns all members of the set at key.
	SetMembers(ctx context.Context, key Key) (Values, error)
	// SetContains reports whether member is in the set at key.
	SetContains(ctx context.Context, key Key, member Value) (bool, error)

	// SetCards returns the cardinality of every set in keys using a single
	// pipelined round trip. Entries that fail to read are -1.
	SetCards(ctx context.Context, keys Keys) ([]int64, error)
	// SetSnapshot reads the cardinality of every set in cards and the full
	// membership of every set in members in a single pipelined round trip.
	SetSnapshot(ctx context.Context, cards Keys, members Keys) ([]int64, []Values, error)
	// GetAll reads all keys in a single round trip. Missing keys yield nil
	// entries rather than an error.
	GetAll(ctx context.Context, keys Keys) (Values, error)

	// IncrWindow atomically increments the counter at key, starting the
	// fixed expiry window on the increment that creates it.
	IncrWindow(ctx context.Context, key Key, window time.Duration) (int64, error)
	// Eval evaluates a Lua 5.1 script against the store.
	Eval(ctx context.Context, script string, keys Keys, args ...interface{}) (interface{}, error)
	// ScanKeys returns one bounded page of keys matching the pattern along
	// with the cursor for the next page; a zero returned cursor ends the scan.
	ScanKeys(ctx context.Context, match string, cursor uint64, count int64) (Keys, uint64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close closes the store.
	Close() error
}

// IsZero returns true if the value struct is a zero value.
func (value Value) IsZero() bool {
	return len(value) == 0
}

// IsZero returns true if the key struct is a zero value.
func (key Key) IsZero() bool {
	return len(key) == 0
}

// String implements the Stringer interface.
func (key Key) String() string { return string(key) }

// Strings returns everything as strings.
func (keys Keys) Strings() []string {
	strs := make([]string, 0, len(keys))
	for _, key := range keys {
		strs = append(strs, string(key))
	}
	return strs
}
