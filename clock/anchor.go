package clock

import "time"

// Anchor pairs a trusted reference instant with the local clock reading
// taken at the same moment. It is immutable; a new synchronization produces
// a new Anchor.
type Anchor struct {
	reference time.Time
	local     time.Time
	server    string
}

// NewAnchor builds an anchor. local should come from Clock.Now so that it
// carries a monotonic reading.
func NewAnchor(reference, local time.Time, server string) Anchor {
	return Anchor{reference: reference, local: local, server: server}
}

// Reference is the trusted instant, already in the deadline timezone.
func (a Anchor) Reference() time.Time { return a.reference }

// Local is the local clock reading paired with Reference.
func (a Anchor) Local() time.Time { return a.local }

// Server is the NTP server that produced the reference.
func (a Anchor) Server() string { return a.server }

// At returns synthetic time for a local clock reading:
// reference + (local - anchor.local).
func (a Anchor) At(local time.Time) time.Time {
	return a.reference.Add(local.Sub(a.local))
}

// Now is At(c.Now()).
func (a Anchor) Now(c Clock) time.Time {
	return a.At(c.Now())
}
