// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photos

import (
	"fmt"

	"github.com/google/uuid"
)

// extensionByContentType maps every accepted upload content type to its
// canonical object key extension.
var extensionByContentType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// AllowedContentType reports whether uploads of the given content type are
// accepted.
func AllowedContentType(contentType string) bool {
	_, ok := extensionByContentType[contentType]
	return ok
}

// ObjectKey builds the object store path for a photo. The mapping is
// deterministic and collision free for globally unique photo ids, so the
// same photo always lands at the same path. Content types are validated
// before reservation reaches here.
func ObjectKey(farmID string, photoID uuid.UUID, contentType string) string {
	return fmt.Sprintf("farms/%s/photos/%s%s", farmID, photoID, extensionByContentType[contentType])
}
