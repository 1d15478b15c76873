package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Discipline is the closed set of sports the triathlon domain understands.
type Discipline string

const (
	DisciplineSwim Discipline = "swim"
	DisciplineBike Discipline = "bike"
	DisciplineRun  Discipline = "run"
)

// Valid reports whether d is one of the three supported disciplines.
func (d Discipline) Valid() bool {
	switch d {
	case DisciplineSwim, DisciplineBike, DisciplineRun:
		return true
	}
	return false
}

// VendorID is the vendor-scoped activity identifier. Strava emits integers but
// other sources use strings, so both decode into the same opaque value.
type VendorID string

// UnmarshalJSON accepts a JSON number or string.
func (id *VendorID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = VendorID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("vendor id: %w", err)
	}
	*id = VendorID(n.String())
	return nil
}

// LatLng is a start coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// VendorActivity is the subset of the Strava SummaryActivity this service reads.
// Pointer fields distinguish an absent value from an explicit zero.
type VendorActivity struct {
	ID               VendorID  `json:"id"`
	Name             *string   `json:"name,omitempty"`
	Type             string    `json:"type,omitempty"`
	SportType        string    `json:"sport_type,omitempty"`
	StartDate        string    `json:"start_date,omitempty"`
	StartDateLocal   string    `json:"start_date_local,omitempty"`
	Distance         *float64  `json:"distance,omitempty"`
	MovingTime       *int      `json:"moving_time,omitempty"`
	ElapsedTime      *int      `json:"elapsed_time,omitempty"`
	AverageSpeed     *float64  `json:"average_speed,omitempty"`
	MaxSpeed         *float64  `json:"max_speed,omitempty"`
	ElevationGain    *float64  `json:"total_elevation_gain,omitempty"`
	AverageHeartrate *float64  `json:"average_heartrate,omitempty"`
	MaxHeartrate     *float64  `json:"max_heartrate,omitempty"`
	AverageWatts     *float64  `json:"average_watts,omitempty"`
	AverageCadence   *float64  `json:"average_cadence,omitempty"`
	Trainer          *bool     `json:"trainer,omitempty"`
	StartLatLng      []float64 `json:"start_latlng,omitempty"`
	KudosCount       *int      `json:"kudos_count,omitempty"`
	CommentCount     *int      `json:"comment_count,omitempty"`
	AchievementCount *int      `json:"achievement_count,omitempty"`
}

// NormalizedActivity is the canonical record stored per (owner, vendor activity id).
type NormalizedActivity struct {
	VendorID         VendorID   `json:"id"`
	Discipline       Discipline `json:"discipline"`
	SportType        string     `json:"sport_type"`
	Date             string     `json:"date"`
	Distance         *float64   `json:"distance"`
	MovingTime       *int       `json:"moving_time"`
	Name             *string    `json:"name,omitempty"`
	ElapsedTime      *int       `json:"elapsed_time,omitempty"`
	AverageSpeed     *float64   `json:"average_speed,omitempty"`
	MaxSpeed         *float64   `json:"max_speed,omitempty"`
	ElevationGain    *float64   `json:"elevation_gain,omitempty"`
	AverageHeartrate *float64   `json:"average_heartrate,omitempty"`
	MaxHeartrate     *float64   `json:"max_heartrate,omitempty"`
	AveragePower     *float64   `json:"average_power,omitempty"`
	AverageCadence   *float64   `json:"average_cadence,omitempty"`
	Trainer          *bool      `json:"trainer,omitempty"`
	StartLatLng      *LatLng    `json:"start_latlng,omitempty"`
	KudosCount       *int       `json:"kudos_count,omitempty"`
	CommentCount     *int       `json:"comment_count,omitempty"`
	AchievementCount *int       `json:"achievement_count,omitempty"`
}

// StoredActivity is a normalized record as read back from the store.
type StoredActivity struct {
	OwnerID string
	NormalizedActivity
	SyncID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenPair is the OAuth credential set held on the user's profile.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token must be refreshed before use.
// Tokens expiring within margin, and tokens with no known expiry, count as expired.
func (t TokenPair) Expired(now time.Time, margin time.Duration) bool {
	if t.AccessToken == "" || t.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(margin).Before(t.ExpiresAt)
}
