// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photos

import (
	"time"

	"github.com/farmcompanion/farm-photos/private/memory"
)

// Config contains the configuration for the photo pipeline.
type Config struct {
	QuotaCap      int           `help:"maximum number of approved photos a farm may display" default:"5"`
	LeaseTTL      time.Duration `help:"how long an upload reservation stays confirmable" default:"10m"`
	MaxFileSize   memory.Size   `help:"largest accepted photo upload" default:"5MiB"`
	PublicURLBase string        `help:"base url that serves committed photo objects" default:"https://images.farmcompanion.co.uk"`
}
