// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package memory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Size implements a size in bytes that can be parsed from and formatted to
// human friendly strings like "5.0 MiB". It implements pflag.Value so it
// can be used directly in configuration.
type Size int64

// base 2 and base 10 sizes.
const (
	B Size = 1 << (10 * iota)
	KiB
	MiB
	GiB
	TiB

	KB Size = 1e3
	MB Size = 1e6
	GB Size = 1e9
	TB Size = 1e12
)

// Int returns bytes size as int.
func (size Size) Int() int { return int(size) }

// Int64 returns bytes size as int64.
func (size Size) Int64() int64 { return int64(size) }

// String converts size to a string using base-2 prefixes, unless the number
// appears to be in base 10.
func (size Size) String() string {
	if size == 0 {
		return "0"
	}

	switch {
	case abs(size) >= TiB*2/3:
		return fmt.Sprintf("%.1f TiB", size.TiB())
	case abs(size) >= GiB*2/3:
		return fmt.Sprintf("%.1f GiB", size.GiB())
	case abs(size) >= MiB*2/3:
		return fmt.Sprintf("%.1f MiB", size.MiB())
	case abs(size) >= KiB*2/3:
		return fmt.Sprintf("%.1f KiB", size.KiB())
	}

	return strconv.FormatInt(size.Int64(), 10) + " B"
}

// KiB returns size in kibibytes.
func (size Size) KiB() float64 { return float64(size) / KiB.Float64() }

// MiB returns size in mebibytes.
func (size Size) MiB() float64 { return float64(size) / MiB.Float64() }

// GiB returns size in gibibytes.
func (size Size) GiB() float64 { return float64(size) / GiB.Float64() }

// TiB returns size in tebibytes.
func (size Size) TiB() float64 { return float64(size) / TiB.Float64() }

// Float64 returns bytes size as float64.
func (size Size) Float64() float64 { return float64(size) }

// Set updates value from string.
func (size *Size) Set(s string) error {
	if s == "" {
		return errs.New("empty size")
	}

	value, suffix := s, ""
	for i := len(s) - 1; i >= 0; i-- {
		if '0' <= s[i] && s[i] <= '9' || s[i] == '.' {
			value, suffix = s[:i+1], s[i+1:]
			break
		}
	}
	suffix = strings.TrimSpace(strings.ToUpper(suffix))

	base := B
	switch suffix {
	case "", "B":
	case "KB":
		base = KB
	case "MB":
		base = MB
	case "GB":
		base = GB
	case "TB":
		base = TB
	case "KIB", "K":
		base = KiB
	case "MIB", "M":
		base = MiB
	case "GIB", "G":
		base = GiB
	case "TIB", "T":
		base = TiB
	default:
		return errs.New("unknown size suffix %q", suffix)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return errs.New("invalid size %q: %v", s, err)
	}

	*size = Size(v * base.Float64())
	return nil
}

// Type implements pflag.Value.
func (Size) Type() string { return "memory.Size" }

func abs(size Size) Size {
	if size < 0 {
		return -size
	}
	return size
}
