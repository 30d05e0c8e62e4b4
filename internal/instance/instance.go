// Package instance models a single back-end onion service contributing
// introduction points to a front service's aggregate descriptor.
package instance

import (
	"time"
)

// Health is a three-valued health state: unknown until the first probe
// completes, then up or down.
type Health int

const (
	HealthUnknown Health = iota
	HealthUp
	HealthDown
)

func (h Health) String() string {
	switch h {
	case HealthUp:
		return "up"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}

// IntroductionPoint is one entry in a fetched descriptor's introduction-point list.
type IntroductionPoint struct {
	Identifier string
	Address    string
	Port       int
	OnionKey   []byte
	ServiceKey []byte
}

// Instance is a configured back-end onion service.
type Instance struct {
	Address  string // onion address, the lookup/identifier key
	AuthCookie [16]byte
	HasAuthCookie bool

	IntroPoints []IntroductionPoint

	ReceivedAt  time.Time // when a fresh descriptor last arrived (zero = never)
	PublishedAt time.Time // the publication timestamp embedded in that descriptor

	ChangedSincePublished bool

	IsHealthy      Health
	HealthChanged  bool
	LastProbeStart time.Time
	LastProbeDur   time.Duration
}

// New creates an Instance for a configured back-end address.
func New(address string) *Instance {
	return &Instance{
		Address:   address,
		IsHealthy: HealthUnknown,
	}
}

// HasDescriptor reports whether any descriptor has ever been received.
func (i *Instance) HasDescriptor() bool {
	return !i.ReceivedAt.IsZero()
}

// UpdateDescriptor applies a freshly parsed descriptor, rejecting replays:
// a descriptor whose embedded publish timestamp is not strictly newer than
// the last accepted one is dropped. Introduction-point sets are compared by
// their unordered identifier set; ChangedSincePublished is only set when
// that set actually differs, so a refreshed-but-identical descriptor does
// not force a needless republish.
func (i *Instance) UpdateDescriptor(publishedAt time.Time, introPoints []IntroductionPoint, now time.Time) bool {
	if !i.PublishedAt.IsZero() && !publishedAt.After(i.PublishedAt) {
		return false
	}
	if !sameIdentifierSet(i.IntroPoints, introPoints) {
		i.IntroPoints = introPoints
		i.ChangedSincePublished = true
	}
	i.PublishedAt = publishedAt
	i.ReceivedAt = now
	return true
}

// sameIdentifierSet reports whether a and b contain the same set of
// introduction-point identifiers, ignoring order and duplicates.
func sameIdentifierSet(a, b []IntroductionPoint) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, ip := range a {
		seen[ip.Identifier] = struct{}{}
	}
	for _, ip := range b {
		if _, ok := seen[ip.Identifier]; !ok {
			return false
		}
		delete(seen, ip.Identifier)
	}
	return len(seen) == 0
}

// MarkFetchFailed records that a requested descriptor never arrived,
// distinguishing "never answered" from "last answer decayed".
func (i *Instance) MarkFetchFailed() {
	i.ReceivedAt = time.Time{}
}

// ApplyHealthResult records a health-probe outcome, setting the
// edge-triggered HealthChanged flag only on an actual state transition
// (including the first result, which leaves HealthUnknown).
func (i *Instance) ApplyHealthResult(healthy bool, start time.Time, duration time.Duration) {
	newState := HealthDown
	if healthy {
		newState = HealthUp
	}
	if i.IsHealthy != newState {
		i.HealthChanged = true
	}
	i.IsHealthy = newState
	i.LastProbeStart = start
	i.LastProbeDur = duration
}

// ReceivedAge returns how long ago a descriptor was last received. A zero
// ReceivedAt (never received) yields a very large duration.
func (i *Instance) ReceivedAge(now time.Time) time.Duration {
	if i.ReceivedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(i.ReceivedAt)
}

// TimestampAge returns how long ago the descriptor's embedded publish
// timestamp claims it was generated.
func (i *Instance) TimestampAge(now time.Time) time.Duration {
	if i.PublishedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(i.PublishedAt)
}
