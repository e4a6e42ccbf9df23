// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/farmcompanion/farm-photos/private/kvstore"
)

var mon = monkit.Package()

var id int64

// Logger implements a zap.Logger for kvstore.Store.
type Logger struct {
	log   *zap.Logger
	store kvstore.Store
}

// New creates a new Logger with log and store.
func New(log *zap.Logger, store kvstore.Store) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log.Named(name), store}
}

// Get gets a value from the store.
func (store *Logger) Get(ctx context.Context, key kvstore.Key) (_ kvstore.Value, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Get", zap.ByteString("key", key))
	return store.store.Get(ctx, key)
}

// Put adds a value to the store.
func (store *Logger) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Put", zap.ByteString("key", key), zap.Int("value length", len(value)), zap.Binary("truncated value", truncate(value)))
	return store.store.Put(ctx, key, value)
}

// PutWithTTL adds a value that the store expires after ttl.
func (store *Logger) PutWithTTL(ctx context.Context, key kvstore.Key, value kvstore.Value, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("PutWithTTL", zap.ByteString("key", key), zap.Int("value length", len(value)), zap.Duration("ttl", ttl))
	return store.store.PutWithTTL(ctx, key, value, ttl)
}

// TTL reports the remaining time to live of a key.
func (store *Logger) TTL(ctx context.Context, key kvstore.Key) (_ time.Duration, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("TTL", zap.ByteString("key", key))
	return store.store.TTL(ctx, key)
}

// Delete deletes key and the value.
func (store *Logger) Delete(ctx context.Context, key kvstore.Key) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Delete", zap.ByteString("key", key))
	return store.store.Delete(ctx, key)
}

// Exists reports whether the key is present.
func (store *Logger) Exists(ctx context.Context, key kvstore.Key) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Exists", zap.ByteString("key", key))
	return store.store.Exists(ctx, key)
}

// SetAdd adds members to the set at key.
func (store *Logger) SetAdd(ctx context.Context, key kvstore.Key, members ...kvstore.Value) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("SetAdd", zap.ByteString("key", key), zap.Int("members", len(members)))
	return store.store.SetAdd(ctx, key, members...)
}

// SetRemove removes members from the set at key.
func (store *Logger) SetRemove(ctx context.Context, key kvstore.Key, members ...kvstore.Value) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("SetRemove", zap.ByteString("key", key), zap.Int("members", len(members)))
	return store.store.SetRemove(ctx, key, members...)
}

// SetCard returns the cardinality of the set at key.
func (store *Logger) SetCard(ctx context.Context, key kvstore.Key) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("SetCard", zap.ByteString("key", key))
	return store.store.SetCard(ctx, key)
}

// SetMembers returns all members of the set at key.
func (store *Logger) SetMembers(ctx context.Context, key kvstore.Key) (_ kvstore.Values, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("SetMembers", zap.ByteString("key", key))
	return store.store.SetMembers(ctx, key)
}

// SetContains reports whether member is in the set at key.
func (store *Logger) SetContains(ctx context.Context, key kvstore.Key, member kvstore.Value) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("SetContains", zap.ByteString("key", key), zap.ByteString("member", member))
	return store.store.SetContains(ctx, key, member)
}

// SetCards returns the cardinality of every set in keys.
func (store *Logger) SetCards(ctx context.Context, keys kvstore.Keys) (_ []int64, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("SetCards", zap.Int("keys", len(keys)))
	return store.store.SetCards(ctx, keys)
}

// SetSnapshot reads cardinalities and memberships in one round trip.
func (store *Logger) SetSnapshot(ctx context.Context, cards kvstore.Keys, members kvstore.Keys) (_ []int64, _ []kvstore.Values, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("SetSnapshot", zap.Int("cards", len(cards)), zap.Int("members", len(members)))
	return store.store.SetSnapshot(ctx, cards, members)
}

// GetAll reads all keys in a single round trip.
func (store *Logger) GetAll(ctx context.Context, keys kvstore.Keys) (_ kvstore.Values, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("GetAll", zap.Int("keys", len(keys)))
	return store.store.GetAll(ctx, keys)
}

// IncrWindow atomically increments the counter at key.
func (store *Logger) IncrWindow(ctx context.Context, key kvstore.Key, window time.Duration) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("IncrWindow", zap.ByteString("key", key), zap.Duration("window", window))
	return store.store.IncrWindow(ctx, key, window)
}

// Eval evaluates a Lua script against the store.
func (store *Logger) Eval(ctx context.Context, script string, keys kvstore.Keys, args ...interface{}) (_ interface{}, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Eval", zap.Strings("keys", keys.Strings()), zap.Int("args", len(args)))
	return store.store.Eval(ctx, script, keys, args...)
}

// ScanKeys returns one bounded page of keys matching the pattern.
func (store *Logger) ScanKeys(ctx context.Context, match string, cursor uint64, count int64) (_ kvstore.Keys, _ uint64, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("ScanKeys", zap.String("match", match), zap.Uint64("cursor", cursor), zap.Int64("count", count))
	return store.store.ScanKeys(ctx, match, cursor, count)
}

// Ping verifies the store is reachable.
func (store *Logger) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Ping")
	return store.store.Ping(ctx)
}

// Close closes the store.
func (store *Logger) Close() error {
	store.log.Debug("Close")
	return store.store.Close()
}

func truncate(v kvstore.Value) (t []byte) {
	if len(v)-1 < 10 {
		t = []byte(v)
	} else {
		t = v[:10]
	}
	return t
}
