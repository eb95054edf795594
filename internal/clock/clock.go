// Package clock provides the wall-clock collaborator of the Secure Element.
package clock

import (
	"fmt"
	"time"
)

// SyncVariant describes how the device receives time and, for stored log
// messages, which ASN.1 time format the log time is encoded in.
type SyncVariant int

const (
	// NoInput means the device keeps time itself; log time is encoded as Unix time.
	NoInput SyncVariant = iota
	UTCTime
	GeneralizedTime
	UnixTime
)

var variantNames = [...]string{"noInput", "utcTime", "generalizedTime", "unixTime"}

func (v SyncVariant) String() string {
	if v < 0 || int(v) >= len(variantNames) {
		return fmt.Sprintf("SyncVariant(%d)", int(v))
	}
	return variantNames[v]
}

// ParseSyncVariant parses the names produced by String.
func ParseSyncVariant(s string) (SyncVariant, error) {
	for i, n := range variantNames {
		if n == s {
			return SyncVariant(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sync variant %q", s)
}

// Clock reports the current time and the device's time sync variant.
type Clock interface {
	Now() time.Time
	SyncVariant() SyncVariant
}

// System reads the host clock. Times are returned in UTC.
type System struct {
	Variant SyncVariant
}

// Now returns time.Now in UTC.
func (s System) Now() time.Time {
	return time.Now().UTC()
}

// SyncVariant returns the configured variant.
func (s System) SyncVariant() SyncVariant {
	return s.Variant
}
