package model

import "time"

// Slot is a single bookable (master, datetime) unit. A reservation is a state
// of the same row, not a separate entity.
type Slot struct {
	ID            string    `json:"id"`
	MasterID      int64     `json:"master_id"`
	ClientID      int64     `json:"client_id,omitempty"` // 0 while free
	StartsAt      time.Time `json:"starts_at"`
	Service       string    `json:"service,omitempty"`
	IsReserved    bool      `json:"is_reserved"`
	Notifications int       `json:"notifications"`
	NotifiedAt    time.Time `json:"notified_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsFree reports whether the slot can be claimed.
func (s Slot) IsFree() bool {
	return !s.IsReserved
}

// In returns a copy with StartsAt converted to loc.
func (s Slot) In(loc *time.Location) Slot {
	s.StartsAt = s.StartsAt.In(loc)
	return s
}

// SlotFilter selects slots. Zero fields are ignored. From/To form a half-open
// range [From, To).
type SlotFilter struct {
	MasterID int64
	ClientID int64
	Reserved *bool
	From     time.Time
	To       time.Time
	Limit    int
	Desc     bool
}

// Flag returns a pointer to v for optional filter fields.
func Flag(v bool) *bool {
	return &v
}

// DayRange returns the bounds of the given calendar day in loc.
func DayRange(year int, month time.Month, day int, loc *time.Location) (time.Time, time.Time) {
	start := time.Date(year, month, day, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// MonthRange returns the bounds of the given month in loc.
func MonthRange(year int, month time.Month, loc *time.Location) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// DaysIn returns the number of days in the month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
