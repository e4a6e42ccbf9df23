// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photodb

import (
	"strings"

	"github.com/google/uuid"

	"github.com/farmcompanion/farm-photos/photos"
	"github.com/farmcompanion/farm-photos/private/kvstore"
)

// indexMatch selects every per-farm status set during a global scan.
const indexMatch = "farm:*:photos:*"

// statsSnapshotKey holds the cached global summary.
const statsSnapshotKey = "stats:global"

func leaseKey(id uuid.UUID) kvstore.Key {
	return kvstore.Key("lease:" + id.String())
}

func recordKey(id uuid.UUID) kvstore.Key {
	return kvstore.Key("photo:" + id.String())
}

func indexKey(farmID string, status photos.Status) kvstore.Key {
	return kvstore.Key("farm:" + farmID + ":photos:" + string(status))
}

// parseIndexKey recovers the farm id and status from an index key. Farm ids
// never contain a colon, so the split is unambiguous.
func parseIndexKey(key kvstore.Key) (farmID string, status photos.Status, ok bool) {
	parts := strings.Split(key.String(), ":")
	if len(parts) != 4 || parts[0] != "farm" || parts[2] != "photos" {
		return "", "", false
	}

	status = photos.Status(parts[3])
	switch status {
	case photos.StatusPending, photos.StatusApproved, photos.StatusRejected:
	default:
		return "", "", false
	}
	return parts[1], status, true
}
