package meter

import "time"

// Kind tags which shape a Reading carries.
type Kind int

const (
	// KindBulk marks a row of the historical export.
	KindBulk Kind = iota + 1
	// KindLive marks a push notification.
	KindLive
)

func (k Kind) String() string {
	switch k {
	case KindBulk:
		return "bulk"
	case KindLive:
		return "live"
	default:
		return "unknown"
	}
}

// Reading is one meter reading of either shape. Exactly the member named
// by Kind is set.
type Reading struct {
	Kind Kind
	Bulk *BulkRow
	Live *LiveEvent
}

// BulkReading wraps an export row.
func BulkReading(row BulkRow) Reading {
	return Reading{Kind: KindBulk, Bulk: &row}
}

// LiveReading wraps a push event.
func LiveReading(event LiveEvent) Reading {
	return Reading{Kind: KindLive, Live: &event}
}

// Timestamp returns the reading's timestamp, or the zero time for an
// untagged Reading.
func (r Reading) Timestamp() time.Time {
	switch r.Kind {
	case KindBulk:
		return r.Bulk.Timestamp
	case KindLive:
		return r.Live.Timestamp
	default:
		return time.Time{}
	}
}
