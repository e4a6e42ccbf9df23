// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// Package photodb implements photos.DB on the shared key/value store.
//
// Quota is never tracked in a separate counter: the cardinality of a farm's
// approved set is the single canonical value, read where it is enforced.
package photodb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/farmcompanion/farm-photos/photos"
	"github.com/farmcompanion/farm-photos/private/kvstore"
)

var (
	// Error is the default photodb errs class.
	Error = errs.Class("photodb")

	mon = monkit.Package()
)

// DB implements photos.DB.
type DB struct {
	log   *zap.Logger
	kv    kvstore.Store
	retry RetryConfig
}

// New creates a photo database on top of a key/value store.
func New(log *zap.Logger, kv kvstore.Store, retry RetryConfig) *DB {
	return &DB{
		log:   log,
		kv:    kv,
		retry: retry,
	}
}

// InsertLease persists a lease that the store expires on its own after ttl.
func (db *DB) InsertLease(ctx context.Context, lease *photos.UploadLease, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(lease)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.withRetry(ctx, "insert lease", func(ctx context.Context) error {
		return db.kv.PutWithTTL(ctx, leaseKey(lease.ID), data, ttl)
	})
}

// GetLease returns a live lease or ErrLeaseNotFound. An expired lease is
// gone from the store, so it reports the same as a consumed one.
func (db *DB) GetLease(ctx context.Context, id uuid.UUID) (_ *photos.UploadLease, err error) {
	defer mon.Task()(&ctx)(&err)

	var data kvstore.Value
	err = db.withRetry(ctx, "get lease", func(ctx context.Context) error {
		var err error
		data, err = db.kv.Get(ctx, leaseKey(id))
		if kvstore.ErrKeyNotFound.Has(err) {
			return photos.ErrLeaseNotFound.New("%s", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	var lease photos.UploadLease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, Error.New("lease %s is corrupt: %v", id, err)
	}
	return &lease, nil
}

// CommitLease atomically indexes the record as pending, persists it and
// consumes the lease.
func (db *DB) CommitLease(ctx context.Context, lease *photos.UploadLease, record *photos.PhotoRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(record)
	if err != nil {
		return Error.Wrap(err)
	}

	replace := "0"
	if lease.Mode == photos.ModeReplace {
		replace = "1"
	}

	keys := kvstore.Keys{
		leaseKey(lease.ID),
		recordKey(record.ID),
		indexKey(record.FarmID, photos.StatusPending),
		indexKey(record.FarmID, photos.StatusApproved),
		indexKey(record.FarmID, photos.StatusRejected),
	}
	result, err := db.evalScript(ctx, "commit lease", commitScript, keys,
		record.ID.String(), string(data), replace)
	if err != nil {
		return err
	}

	switch result {
	case resultOK:
		return nil
	case resultNoLease:
		return photos.ErrLeaseNotFound.New("%s", lease.ID)
	default:
		return Error.New("unexpected commit result %q", result)
	}
}

// GetRecord returns the photo record or ErrPhotoNotFound.
func (db *DB) GetRecord(ctx context.Context, id uuid.UUID) (_ *photos.PhotoRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	var data kvstore.Value
	err = db.withRetry(ctx, "get record", func(ctx context.Context) error {
		var err error
		data, err = db.kv.Get(ctx, recordKey(id))
		if kvstore.ErrKeyNotFound.Has(err) {
			return photos.ErrPhotoNotFound.New("%s", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	var record photos.PhotoRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, Error.New("record %s is corrupt: %v", id, err)
	}
	return &record, nil
}

// GetRecords returns the records for ids in order, skipping missing and
// unreadable ones.
func (db *DB) GetRecords(ctx context.Context, ids []uuid.UUID) (_ []*photos.PhotoRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(ids) == 0 {
		return nil, nil
	}

	keys := make(kvstore.Keys, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, recordKey(id))
	}

	var values kvstore.Values
	err = db.withRetry(ctx, "get records", func(ctx context.Context) error {
		var err error
		values, err = db.kv.GetAll(ctx, keys)
		return err
	})
	if err != nil {
		return nil, err
	}

	records := make([]*photos.PhotoRecord, 0, len(values))
	for i, data := range values {
		if data == nil {
			continue
		}
		var record photos.PhotoRecord
		if err := json.Unmarshal(data, &record); err != nil {
			db.log.Warn("skipping corrupt photo record",
				zap.Stringer("photo", ids[i]), zap.Error(err))
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

// ApproveRecord moves the photo id from pending to approved while the
// approved set holds fewer than quota members, and persists record.
func (db *DB) ApproveRecord(ctx context.Context, record *photos.PhotoRecord, quota int) (applied bool, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(record)
	if err != nil {
		return false, Error.Wrap(err)
	}

	keys := kvstore.Keys{
		indexKey(record.FarmID, photos.StatusPending),
		indexKey(record.FarmID, photos.StatusApproved),
		recordKey(record.ID),
	}
	result, err := db.evalScript(ctx, "approve", approveScript, keys,
		record.ID.String(), quota, string(data))
	if err != nil {
		return false, err
	}

	switch result {
	case resultOK:
		return true, nil
	case resultAlready:
		return false, nil
	case resultNotPending:
		return false, photos.ErrNotPending.New("photo %s", record.ID)
	case resultQuota:
		return false, photos.ErrQuotaExceeded.New("farm %q is at its approved photo cap", record.FarmID)
	default:
		return false, Error.New("unexpected approve result %q", result)
	}
}

// RejectRecord moves the photo id from pending to rejected and persists
// record.
func (db *DB) RejectRecord(ctx context.Context, record *photos.PhotoRecord) (applied bool, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(record)
	if err != nil {
		return false, Error.Wrap(err)
	}

	keys := kvstore.Keys{
		indexKey(record.FarmID, photos.StatusPending),
		indexKey(record.FarmID, photos.StatusRejected),
		recordKey(record.ID),
	}
	result, err := db.evalScript(ctx, "reject", rejectScript, keys,
		record.ID.String(), string(data))
	if err != nil {
		return false, err
	}

	switch result {
	case resultOK:
		return true, nil
	case resultAlready:
		return false, nil
	case resultNotPending:
		return false, photos.ErrNotPending.New("photo %s", record.ID)
	default:
		return false, Error.New("unexpected reject result %q", result)
	}
}

// UpdatePendingRecord persists record while its id stays in the pending set.
func (db *DB) UpdatePendingRecord(ctx context.Context, record *photos.PhotoRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(record)
	if err != nil {
		return Error.Wrap(err)
	}

	keys := kvstore.Keys{
		indexKey(record.FarmID, photos.StatusPending),
		recordKey(record.ID),
	}
	result, err := db.evalScript(ctx, "update pending", updatePendingScript, keys,
		record.ID.String(), string(data))
	if err != nil {
		return err
	}

	switch result {
	case resultOK:
		return nil
	case resultNotPending:
		return photos.ErrNotPending.New("photo %s", record.ID)
	default:
		return Error.New("unexpected update result %q", result)
	}
}

// DeleteRecord removes the record and its status set membership.
func (db *DB) DeleteRecord(ctx context.Context, record *photos.PhotoRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	keys := kvstore.Keys{
		indexKey(record.FarmID, photos.StatusPending),
		indexKey(record.FarmID, photos.StatusApproved),
		indexKey(record.FarmID, photos.StatusRejected),
		recordKey(record.ID),
	}
	result, err := db.evalScript(ctx, "remove", removeScript, keys, record.ID.String())
	if err != nil {
		return err
	}

	switch result {
	case resultOK:
		return nil
	case resultGone:
		return photos.ErrPhotoNotFound.New("%s", record.ID)
	default:
		return Error.New("unexpected remove result %q", result)
	}
}

// ApprovedCount returns the cardinality of the farm's approved set.
func (db *DB) ApprovedCount(ctx context.Context, farmID string) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.withRetry(ctx, "approved count", func(ctx context.Context) error {
		var err error
		count, err = db.kv.SetCard(ctx, indexKey(farmID, photos.StatusApproved))
		return err
	})
	return count, err
}

// FarmIndex reads the three cardinalities and the approved members of one
// farm in a single store round trip.
func (db *DB) FarmIndex(ctx context.Context, farmID string) (_ *photos.IndexSnapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	cardKeys := kvstore.Keys{
		indexKey(farmID, photos.StatusPending),
		indexKey(farmID, photos.StatusApproved),
		indexKey(farmID, photos.StatusRejected),
	}
	memberKeys := kvstore.Keys{
		indexKey(farmID, photos.StatusApproved),
	}

	var cards []int64
	var members []kvstore.Values
	err = db.withRetry(ctx, "farm index", func(ctx context.Context) error {
		var err error
		cards, members, err = db.kv.SetSnapshot(ctx, cardKeys, memberKeys)
		return err
	})
	if err != nil {
		return nil, err
	}

	snapshot := &photos.IndexSnapshot{
		FarmID:   farmID,
		Pending:  cards[0],
		Approved: cards[1],
		Rejected: cards[2],
	}
	for _, member := range members[0] {
		id, err := uuid.Parse(string(member))
		if err != nil {
			db.log.Warn("skipping invalid photo id in approved set",
				zap.String("farm", farmID), zap.ByteString("member", member))
			continue
		}
		snapshot.ApprovedIDs = append(snapshot.ApprovedIDs, id)
	}
	return snapshot, nil
}

// IterateIndex visits every per-farm status set using bounded scan pages,
// reading each page's cardinalities in one pipelined round trip. Keys that
// fail to parse or read are skipped and counted; the same set may be visited
// twice when the store repeats keys across pages.
func (db *DB) IterateIndex(ctx context.Context, pageSize int64, fn func(farmID string, status photos.Status, count int64) error) (skipped int64, err error) {
	defer mon.Task()(&ctx)(&err)

	cursor := uint64(0)
	for {
		var page kvstore.Keys
		var next uint64
		err = db.withRetry(ctx, "scan index", func(ctx context.Context) error {
			var err error
			page, next, err = db.kv.ScanKeys(ctx, indexMatch, cursor, pageSize)
			return err
		})
		if err != nil {
			return skipped, err
		}

		type setRef struct {
			farmID string
			status photos.Status
		}
		refs := make([]setRef, 0, len(page))
		keys := make(kvstore.Keys, 0, len(page))
		for _, key := range page {
			farmID, status, ok := parseIndexKey(key)
			if !ok {
				db.log.Debug("skipping unrecognized index key", zap.ByteString("key", key))
				skipped++
				continue
			}
			refs = append(refs, setRef{farmID: farmID, status: status})
			keys = append(keys, key)
		}

		if len(keys) > 0 {
			var cards []int64
			err = db.withRetry(ctx, "index cards", func(ctx context.Context) error {
				var err error
				cards, err = db.kv.SetCards(ctx, keys)
				return err
			})
			if err != nil {
				return skipped, err
			}

			for i, card := range cards {
				if card < 0 {
					db.log.Warn("skipping unreadable index key", zap.ByteString("key", keys[i]))
					skipped++
					continue
				}
				if err := fn(refs[i].farmID, refs[i].status, card); err != nil {
					return skipped, err
				}
			}
		}

		if next == 0 {
			return skipped, nil
		}
		cursor = next
	}
}

// PutStatsSnapshot caches a serialized global summary with a ttl.
func (db *DB) PutStatsSnapshot(ctx context.Context, data []byte, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.withRetry(ctx, "put stats snapshot", func(ctx context.Context) error {
		return db.kv.PutWithTTL(ctx, kvstore.Key(statsSnapshotKey), data, ttl)
	})
}

// GetStatsSnapshot returns the cached global summary, or nil when the cache
// is cold.
func (db *DB) GetStatsSnapshot(ctx context.Context) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	var data kvstore.Value
	err = db.withRetry(ctx, "get stats snapshot", func(ctx context.Context) error {
		var err error
		data, err = db.kv.Get(ctx, kvstore.Key(statsSnapshotKey))
		if kvstore.ErrKeyNotFound.Has(err) {
			data = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Ping verifies the backing store is reachable.
func (db *DB) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.kv.Ping(ctx)
}

// evalScript runs one of the conditional mutation scripts and returns its
// result sentinel.
func (db *DB) evalScript(ctx context.Context, op, script string, keys kvstore.Keys, args ...interface{}) (string, error) {
	var result string
	err := db.withRetry(ctx, op, func(ctx context.Context) error {
		raw, err := db.kv.Eval(ctx, script, keys, args...)
		if err != nil {
			return err
		}
		s, ok := raw.(string)
		if !ok {
			return Error.New("unexpected script result %T", raw)
		}
		result = s
		return nil
	})
	return result, err
}
