// Package metadata defines the normalized dictionary shape that flows from
// the bus through the transformation engine to the socket server, along with
// the handful of pure helpers (fingerprinting, unit conversion, wire-safe key
// rewriting) every layer that touches it depends on.
package metadata

import "strings"

// Dict is a metadata dictionary keyed by namespaced strings such as
// "xesam:title" or "mpris:length". Values are heterogeneous: strings,
// int64s, float64s, or []string (xesam:artist is always a list).
type Dict map[string]interface{}

// Well-known keys.
const (
	KeyTitle  = "xesam:title"
	KeyArtist = "xesam:artist"
	KeyURL    = "xesam:url"
	KeyArtURL = "mpris:artUrl"
	KeyLength = "mpris:length"

	KeyTrackingStatus       = "tracking:status"
	KeyTrackingStartTime    = "tracking:startTime"
	KeyTrackingExistingTime = "tracking:existingTime"
)

// Clone returns a shallow copy of d. Values themselves are never mutated in
// place by the transformation engine, so a shallow copy is sufficient to give
// each stage of the pipeline its own map to rewrite.
func (d Dict) Clone() Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a copy of d with extra's keys overlaid on top.
func (d Dict) Merge(extra Dict) Dict {
	out := d.Clone()
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// fingerprintKeys is the set of fields compared to decide whether a newly
// received raw metadata dictionary represents a genuinely new track, as
// opposed to a resend that only updated mpris:length.
var fingerprintKeys = []string{KeyTitle, KeyURL, KeyArtURL, KeyArtist}

// Fingerprint returns the comparable subset of d used to detect a new track.
// The result is only ever compared with SameFingerprint; callers must not
// otherwise interpret its shape.
func Fingerprint(d Dict) Dict {
	fp := make(Dict, len(fingerprintKeys))
	for _, k := range fingerprintKeys {
		if v, ok := d[k]; ok {
			fp[k] = v
		}
	}
	return fp
}

// SameFingerprint reports whether two fingerprints (as returned by
// Fingerprint) are equal.
func SameFingerprint(a, b Dict) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !equalValue(v, bv) {
			return false
		}
	}
	return true
}

func equalValue(a, b interface{}) bool {
	as, aok := a.([]string)
	bs, bok := b.([]string)
	if aok || bok {
		if !aok || !bok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
		return true
	}
	return a == b
}

// MicrosToSeconds converts a bus-reported microsecond duration to seconds.
func MicrosToSeconds(us int64) float64 {
	return float64(us) / 1e6
}

// SecondsToMicros converts a duration in seconds back to microseconds,
// rounding to the nearest microsecond.
func SecondsToMicros(s float64) int64 {
	return int64(s*1e6 + 0.5)
}

// RewriteKeysForWire returns a copy of d with every ':' namespace separator
// in each key rewritten to '|'. This is applied only at the socket server
// boundary: internal code always works with the original ':'-separated keys.
func RewriteKeysForWire(d Dict) Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[strings.ReplaceAll(k, ":", "|")] = v
	}
	return out
}

// WithTracking returns a copy of d with the tracking:* fields merged in,
// computed from the given status and position accounting.
func WithTracking(d Dict, status string, startTime, existingTime float64) Dict {
	return d.Merge(Dict{
		KeyTrackingStatus:       status,
		KeyTrackingStartTime:    startTime,
		KeyTrackingExistingTime: existingTime,
	})
}
