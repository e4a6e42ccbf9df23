// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photodb

// The store offers no multi-key transactions, so every conditional mutation
// runs as a single Lua script over one farm's keys. Each script re-checks
// set membership itself; concurrent movers serialize on the store, which is
// what keeps the approved cap exact under arbitrary concurrency.

// Script results shared across the commit and moderation scripts.
const (
	resultOK         = "ok"
	resultAlready    = "already"
	resultNotPending = "notpending"
	resultQuota      = "quota"
	resultNoLease    = "nolease"
	resultGone       = "gone"
)

// commitScript consumes a lease into a pending photo record.
//
//	KEYS[1] lease, KEYS[2] record,
//	KEYS[3] pending set, KEYS[4] approved set, KEYS[5] rejected set
//	ARGV[1] photo id, ARGV[2] record json, ARGV[3] "1" for replace mode
//
// The lease existence guard makes confirmation single use: the second of
// two racing confirms finds the lease gone and reports it. Replace mode
// drops the photo id from whichever status set holds it first, so the
// approved cardinality never grows past its pre-replace value here.
const commitScript = `if redis.call("exists", KEYS[1]) == 0 then
	return "nolease"
end
if ARGV[3] == "1" then
	redis.call("srem", KEYS[3], ARGV[1])
	redis.call("srem", KEYS[4], ARGV[1])
	redis.call("srem", KEYS[5], ARGV[1])
end
redis.call("sadd", KEYS[3], ARGV[1])
redis.call("set", KEYS[2], ARGV[2])
redis.call("del", KEYS[1])
return "ok"`

// approveScript moves a photo id from pending to approved while the
// approved set holds fewer than ARGV[2] members. This is the sole
// enforcement point of the quota cap.
//
//	KEYS[1] pending set, KEYS[2] approved set, KEYS[3] record
//	ARGV[1] photo id, ARGV[2] quota cap, ARGV[3] record json
const approveScript = `if redis.call("sismember", KEYS[2], ARGV[1]) == 1 then
	return "already"
end
if redis.call("sismember", KEYS[1], ARGV[1]) == 0 then
	return "notpending"
end
if redis.call("scard", KEYS[2]) >= tonumber(ARGV[2]) then
	return "quota"
end
redis.call("smove", KEYS[1], KEYS[2], ARGV[1])
redis.call("set", KEYS[3], ARGV[3])
return "ok"`

// rejectScript moves a photo id from pending to rejected.
//
//	KEYS[1] pending set, KEYS[2] rejected set, KEYS[3] record
//	ARGV[1] photo id, ARGV[2] record json
const rejectScript = `if redis.call("sismember", KEYS[2], ARGV[1]) == 1 then
	return "already"
end
if redis.call("sismember", KEYS[1], ARGV[1]) == 0 then
	return "notpending"
end
redis.call("smove", KEYS[1], KEYS[2], ARGV[1])
redis.call("set", KEYS[3], ARGV[2])
return "ok"`

// updatePendingScript rewrites a record while its id stays pending. Used by
// the changes-requested flag, which never moves set membership.
//
//	KEYS[1] pending set, KEYS[2] record
//	ARGV[1] photo id, ARGV[2] record json
const updatePendingScript = `if redis.call("sismember", KEYS[1], ARGV[1]) == 0 then
	return "notpending"
end
redis.call("set", KEYS[2], ARGV[2])
return "ok"`

// removeScript deletes a record and its membership from whichever status
// set holds it.
//
//	KEYS[1] pending set, KEYS[2] approved set, KEYS[3] rejected set,
//	KEYS[4] record
//	ARGV[1] photo id
const removeScript = `local removed = redis.call("srem", KEYS[1], ARGV[1])
removed = removed + redis.call("srem", KEYS[2], ARGV[1])
removed = removed + redis.call("srem", KEYS[3], ARGV[1])
redis.call("del", KEYS[4])
if removed == 0 then
	return "gone"
end
return "ok"`
