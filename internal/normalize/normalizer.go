package normalize

import (
	"strings"
	"time"

	"example.com/trisync/internal/domain"
)

// Kind tags the result of normalizing one vendor activity.
type Kind int

const (
	// Supported carries a NormalizedActivity.
	Supported Kind = iota + 1
	// Unsupported means the sport tag has no discipline mapping. It is an
	// expected outcome, not an error.
	Unsupported
	// Invalid means the record is malformed (no id, unreadable start date).
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Supported:
		return "supported"
	case Unsupported:
		return "unsupported"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// Outcome is the tagged result of Normalize. Exactly one of Activity,
// Tag or Reason is meaningful, depending on Kind.
type Outcome struct {
	Kind     Kind
	Activity domain.NormalizedActivity
	// Tag is the vendor sport tag that failed to map.
	Tag string
	// Reason explains an Invalid outcome.
	Reason string
}

// Normalizer applies a mapping table to vendor activities. It holds no other state.
type Normalizer struct {
	table *Table
}

// New builds a Normalizer over table; a nil table uses DefaultTable.
func New(table *Table) *Normalizer {
	if table == nil {
		table = DefaultTable()
	}
	return &Normalizer{table: table}
}

// Table exposes the mapping in use.
func (n *Normalizer) Table() *Table {
	return n.table
}

// Normalize converts one vendor activity. sport_type wins over the legacy type tag.
func (n *Normalizer) Normalize(in domain.VendorActivity) Outcome {
	discipline, tag, ok := n.resolve(in)
	if !ok {
		return Outcome{Kind: Unsupported, Tag: tag}
	}
	if strings.TrimSpace(string(in.ID)) == "" {
		return Outcome{Kind: Invalid, Tag: tag, Reason: "missing activity id"}
	}

	date, ok := calendarDate(in.StartDateLocal)
	if !ok {
		date, ok = calendarDate(in.StartDate)
	}
	if !ok {
		return Outcome{Kind: Invalid, Tag: tag, Reason: "missing or malformed start date"}
	}

	out := domain.NormalizedActivity{
		VendorID:         in.ID,
		Discipline:       discipline,
		SportType:        tag,
		Date:             date,
		Distance:         in.Distance,
		MovingTime:       in.MovingTime,
		Name:             in.Name,
		ElapsedTime:      in.ElapsedTime,
		AverageSpeed:     in.AverageSpeed,
		MaxSpeed:         in.MaxSpeed,
		ElevationGain:    in.ElevationGain,
		AverageHeartrate: in.AverageHeartrate,
		MaxHeartrate:     in.MaxHeartrate,
		AveragePower:     in.AverageWatts,
		AverageCadence:   in.AverageCadence,
		Trainer:          in.Trainer,
		KudosCount:       in.KudosCount,
		CommentCount:     in.CommentCount,
		AchievementCount: in.AchievementCount,
	}
	if len(in.StartLatLng) == 2 {
		out.StartLatLng = &domain.LatLng{Lat: in.StartLatLng[0], Lng: in.StartLatLng[1]}
	}
	return Outcome{Kind: Supported, Activity: out}
}

// NormalizeOne is the standalone form of Normalize using the default table.
// It returns nil for unsupported and invalid activities.
func NormalizeOne(in domain.VendorActivity) *domain.NormalizedActivity {
	outcome := New(nil).Normalize(in)
	if outcome.Kind != Supported {
		return nil
	}
	return &outcome.Activity
}

func (n *Normalizer) resolve(in domain.VendorActivity) (domain.Discipline, string, bool) {
	var first string
	for _, tag := range []string{in.SportType, in.Type} {
		if strings.TrimSpace(tag) == "" {
			continue
		}
		if first == "" {
			first = tag
		}
		if d, ok := n.table.Lookup(tag); ok {
			return d, tag, true
		}
	}
	return "", first, false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// calendarDate returns the date portion of ts in the timestamp's own offset.
func calendarDate(ts string) (string, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}
