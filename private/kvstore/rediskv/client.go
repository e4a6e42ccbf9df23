// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package rediskv

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/farmcompanion/farm-photos/private/kvstore"
)

var (
	// Error is a redis error.
	Error = errs.Class("redis")

	mon = monkit.Package()
)

// Keys created through Put have no expiry unless the caller asks for one.
const noExpiration = 0 * time.Second

// incrWindowScript increments the counter at KEYS[1] and starts the fixed
// expiry window of ARGV[1] seconds only on the increment that creates the
// key, so the window never slides.
const incrWindowScript = `local current = redis.call("incr", KEYS[1])
if tonumber(current) == 1 then
	redis.call("expire", KEYS[1], ARGV[1])
end
return current`

// Client is the entrypoint into Redis.
type Client struct {
	db *redis.Client
}

// OpenClient returns a configured Client instance, verifying a successful connection to redis.
func OpenClient(ctx context.Context, address, password string, db int) (*Client, error) {
	client := &Client{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}

	// ping here to verify we are able to connect to redis with the initialized client.
	if err := client.db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}

	return client, nil
}

// OpenClientFrom returns a configured Client instance from a redis address, verifying a successful connection to redis.
func OpenClientFrom(ctx context.Context, address string) (*Client, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, err
	}

	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()

	db := 0
	if dbstr := q.Get("db"); dbstr != "" {
		db, err = strconv.Atoi(dbstr)
		if err != nil {
			return nil, Error.New("invalid db: %q", dbstr)
		}
	}

	return OpenClient(ctx, redisurl.Host, q.Get("password"), db)
}

// Get looks up the provided key from redis returning either an error or the result.
func (client *Client) Get(ctx context.Context, key kvstore.Key) (_ kvstore.Value, err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}
	return get(ctx, client.db, key)
}

// Put adds a value to the provided key in redis, returning an error on failure.
func (client *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return put(ctx, client.db, key, value, noExpiration)
}

// PutWithTTL adds a value that redis expires on its own after ttl.
func (client *Client) PutWithTTL(ctx context.Context, key kvstore.Key, value kvstore.Value, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return put(ctx, client.db, key, value, ttl)
}

// TTL reports the remaining time to live of key. Redis reports keys without
// an expiry as -1s and missing keys as -2s; both pass through unchanged.
func (client *Client) TTL(ctx context.Context, key kvstore.Key) (_ time.Duration, err error) {
	defer mon.Task()(&ctx)(&err)
	ttl, err := client.db.TTL(ctx, key.String()).Result()
	if err != nil {
		return 0, Error.New("ttl error: %v", err)
	}
	return ttl, nil
}

// Delete deletes a key/value pair from redis, for a given the key.
func (client *Client) Delete(ctx context.Context, key kvstore.Key) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return delete(ctx, client.db, key)
}

// Exists reports whether the key is present.
func (client *Client) Exists(ctx context.Context, key kvstore.Key) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	n, err := client.db.Exists(ctx, key.String()).Result()
	if err != nil {
		return false, Error.New("exists error: %v", err)
	}
	return n > 0, nil
}

// SetAdd adds members to the set at key, returning the number of members added.
func (client *Client) SetAdd(ctx context.Context, key kvstore.Key, members ...kvstore.Value) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return 0, kvstore.ErrEmptyKey.New("")
	}
	added, err := client.db.SAdd(ctx, key.String(), valuesToArgs(members)...).Result()
	if err != nil {
		return 0, Error.New("set add error: %v", err)
	}
	return added, nil
}

// SetRemove removes members from the set at key, returning the number of members removed.
func (client *Client) SetRemove(ctx context.Context, key kvstore.Key, members ...kvstore.Value) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return 0, kvstore.ErrEmptyKey.New("")
	}
	removed, err := client.db.SRem(ctx, key.String(), valuesToArgs(members)...).Result()
	if err != nil {
		return 0, Error.New("set remove error: %v", err)
	}
	return removed, nil
}

// SetCard returns the cardinality of the set at key. A missing key is an
// empty set.
func (client *Client) SetCard(ctx context.Context, key kvstore.Key) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	card, err := client.db.SCard(ctx, key.String()).Result()
	if err != nil {
		return 0, Error.New("set card error: %v", err)
	}
	return card, nil
}

// SetMembers returns all members of the set at key.
func (client *Client) SetMembers(ctx context.Context, key kvstore.Key) (_ kvstore.Values, err error) {
	defer mon.Task()(&ctx)(&err)
	members, err := client.db.SMembers(ctx, key.String()).Result()
	if err != nil {
		return nil, Error.New("set members error: %v", err)
	}
	return stringsToValues(members), nil
}

// SetContains reports whether member is in the set at key.
func (client *Client) SetContains(ctx context.Context, key kvstore.Key, member kvstore.Value) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	ok, err := client.db.SIsMember(ctx, key.String(), []byte(member)).Result()
	if err != nil {
		return false, Error.New("set contains error: %v", err)
	}
	return ok, nil
}

// SetCards returns the cardinality of every set in keys using a single
// pipelined round trip. Entries that fail to read individually are reported
// as -1 so a scan over many keys can skip them; the call fails only when the
// whole pipeline does.
func (client *Client) SetCards(ctx context.Context, keys kvstore.Keys) (_ []int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.IntCmd, len(keys))
	_, execErr := client.db.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.SCard(ctx, key.String())
		}
		return nil
	})

	cards := make([]int64, len(keys))
	failed := 0
	for i, cmd := range cmds {
		if cmd == nil || cmd.Err() != nil {
			cards[i] = -1
			failed++
			continue
		}
		cards[i] = cmd.Val()
	}
	if execErr != nil && failed == len(keys) {
		return nil, Error.New("set cards error: %v", execErr)
	}
	return cards, nil
}

// SetSnapshot reads the cardinality of every set in cards and the full
// membership of every set in members in a single pipelined round trip.
func (client *Client) SetSnapshot(ctx context.Context, cards kvstore.Keys, members kvstore.Keys) (_ []int64, _ []kvstore.Values, err error) {
	defer mon.Task()(&ctx)(&err)

	cardCmds := make([]*redis.IntCmd, len(cards))
	memberCmds := make([]*redis.StringSliceCmd, len(members))
	_, err = client.db.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range cards {
			cardCmds[i] = pipe.SCard(ctx, key.String())
		}
		for i, key := range members {
			memberCmds[i] = pipe.SMembers(ctx, key.String())
		}
		return nil
	})
	if err != nil {
		return nil, nil, Error.New("set snapshot error: %v", err)
	}

	outCards := make([]int64, len(cards))
	for i, cmd := range cardCmds {
		outCards[i] = cmd.Val()
	}
	outMembers := make([]kvstore.Values, len(members))
	for i, cmd := range memberCmds {
		outMembers[i] = stringsToValues(cmd.Val())
	}
	return outCards, outMembers, nil
}

// GetAll reads all keys in a single round trip. Missing keys yield nil
// entries rather than an error.
func (client *Client) GetAll(ctx context.Context, keys kvstore.Keys) (_ kvstore.Values, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(keys) == 0 {
		return nil, nil
	}

	results, err := client.db.MGet(ctx, keys.Strings()...).Result()
	if err != nil {
		return nil, Error.New("get all error: %v", err)
	}

	values := make(kvstore.Values, len(results))
	for i, result := range results {
		if result == nil {
			continue
		}
		if s, ok := result.(string); ok {
			values[i] = kvstore.Value(s)
		}
	}
	return values, nil
}

// IncrWindow atomically increments the counter at key, starting the fixed
// expiry window on the increment that creates the key.
func (client *Client) IncrWindow(ctx context.Context, key kvstore.Key, window time.Duration) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return 0, kvstore.ErrEmptyKey.New("")
	}

	result, err := client.Eval(ctx, incrWindowScript, kvstore.Keys{key}, int64(window/time.Second))
	if err != nil {
		return 0, err
	}
	count, ok := result.(int64)
	if !ok {
		return 0, Error.New("incr window: unexpected result %T", result)
	}
	return count, nil
}

// Eval evaluates a Lua 5.1 script on the redis server. Keys can be accessed
// by Lua using the KEYS global variable in the form of a one-based array
// (so KEYS[1], KEYS[2], ...) and additional arguments through ARGV.
func (client *Client) Eval(ctx context.Context, script string, keys kvstore.Keys, args ...interface{}) (_ interface{}, err error) {
	defer mon.Task()(&ctx)(&err)
	result, err := client.db.Eval(ctx, script, keys.Strings(), args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kvstore.ErrKeyNotFound.New("eval")
		}
		return nil, Error.New("eval error: %v", err)
	}
	return result, nil
}

// ScanKeys returns one bounded page of keys matching the pattern along with
// the cursor for the next page. A zero returned cursor ends the scan. Redis
// may return duplicate keys across pages; callers are expected to tolerate
// them.
func (client *Client) ScanKeys(ctx context.Context, match string, cursor uint64, count int64) (_ kvstore.Keys, _ uint64, err error) {
	defer mon.Task()(&ctx)(&err)
	found, next, err := client.db.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, Error.New("scan error: %v", err)
	}

	keys := make(kvstore.Keys, 0, len(found))
	for _, key := range found {
		keys = append(keys, kvstore.Key(key))
	}
	return keys, next, nil
}

// Ping verifies the connection to redis is alive.
func (client *Client) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := client.db.Ping(ctx).Err(); err != nil {
		return Error.New("ping failed: %v", err)
	}
	return nil
}

// Close closes a redis client.
func (client *Client) Close() error {
	return client.db.Close()
}

func get(ctx context.Context, cmdable redis.Cmdable, key kvstore.Key) (_ kvstore.Value, err error) {
	defer mon.Task()(&ctx)(&err)
	value, err := cmdable.Get(ctx, string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}

func put(ctx context.Context, cmdable redis.Cmdable, key kvstore.Key, value kvstore.Value, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	err = cmdable.Set(ctx, key.String(), []byte(value), ttl).Err()
	if err != nil {
		return Error.New("put error: %v", err)
	}
	return nil
}

func delete(ctx context.Context, cmdable redis.Cmdable, key kvstore.Key) (err error) {
	defer mon.Task()(&ctx)(&err)
	err = cmdable.Del(ctx, key.String()).Err()
	if err != nil {
		return Error.New("delete error: %v", err)
	}
	return nil
}

func valuesToArgs(values []kvstore.Value) []interface{} {
	args := make([]interface{}, len(values))
	for i, value := range values {
		args[i] = []byte(value)
	}
	return args
}

func stringsToValues(strs []string) kvstore.Values {
	values := make(kvstore.Values, 0, len(strs))
	for _, s := range strs {
		values = append(values, kvstore.Value(s))
	}
	return values
}
