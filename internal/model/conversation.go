package model

import (
	"fmt"
	"sort"
	"time"
)

// PendingSelection is a master's uncommitted set of days for one month.
// It is a value type: every mutating method returns a new selection.
type PendingSelection struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Days  []int      `json:"days,omitempty"`
}

// NewSelection builds a selection; days are deduplicated and sorted.
func NewSelection(year int, month time.Month, days ...int) PendingSelection {
	return PendingSelection{Year: year, Month: month}.WithDays(days)
}

// Key identifies the selection's month.
func (p PendingSelection) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Has reports whether day is selected.
func (p PendingSelection) Has(day int) bool {
	i := sort.SearchInts(p.Days, day)
	return i < len(p.Days) && p.Days[i] == day
}

// Len returns the number of selected days.
func (p PendingSelection) Len() int {
	return len(p.Days)
}

// Empty reports whether nothing is selected.
func (p PendingSelection) Empty() bool {
	return len(p.Days) == 0
}

// Toggle flips membership of day.
func (p PendingSelection) Toggle(day int) PendingSelection {
	out := make([]int, 0, len(p.Days)+1)
	found := false
	for _, d := range p.Days {
		if d == day {
			found = true
			continue
		}
		out = append(out, d)
	}
	if !found {
		out = append(out, day)
	}
	return p.WithDays(out)
}

// WithDays replaces the selected days.
func (p PendingSelection) WithDays(days []int) PendingSelection {
	seen := make(map[int]struct{}, len(days))
	out := make([]int, 0, len(days))
	for _, d := range days {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Ints(out)
	p.Days = out
	return p
}

// Cleared returns the selection without days.
func (p PendingSelection) Cleared() PendingSelection {
	p.Days = nil
	return p
}

// Set returns the days as a lookup set.
func (p PendingSelection) Set() map[int]bool {
	set := make(map[int]bool, len(p.Days))
	for _, d := range p.Days {
		set[d] = true
	}
	return set
}

// ConversationContext is the per-user scratch state shared by flow steps.
// It is persisted as JSON next to the user's state tag.
type ConversationContext struct {
	Service     string             `json:"service,omitempty"`
	SubServices []string           `json:"sub_services,omitempty"`
	MasterID    int64              `json:"master_id,omitempty"`
	SlotID      string             `json:"slot_id,omitempty"`
	Year        int                `json:"year,omitempty"`
	Month       time.Month         `json:"month,omitempty"`
	Day         int                `json:"day,omitempty"`
	Page        int                `json:"page,omitempty"`
	EditMode    bool               `json:"edit_mode,omitempty"`
	Pending     []PendingSelection `json:"pending,omitempty"`
}

// NewConversationContext returns the context used when a top-level menu is entered.
func NewConversationContext() ConversationContext {
	return ConversationContext{Page: 1}
}

// Reset clears all scratch fields.
func (c *ConversationContext) Reset() {
	*c = NewConversationContext()
}

// SetMonth points the context at a month and clears the picked day.
func (c *ConversationContext) SetMonth(year int, month time.Month) {
	c.Year = year
	c.Month = month
	c.Day = 0
}

// HasMonth reports whether a month has been picked.
func (c *ConversationContext) HasMonth() bool {
	return c.Year > 0 && c.Month >= time.January && c.Month <= time.December
}

// Date returns the picked day as a date in loc.
func (c *ConversationContext) Date(loc *time.Location) time.Time {
	return time.Date(c.Year, c.Month, c.Day, 0, 0, 0, 0, loc)
}

// PendingFor returns the pending selection for the month, if any.
func (c *ConversationContext) PendingFor(year int, month time.Month) (PendingSelection, bool) {
	for _, p := range c.Pending {
		if p.Year == year && p.Month == month {
			return p, true
		}
	}
	return PendingSelection{Year: year, Month: month}, false
}

// SetPending stores sel; an empty selection removes the month entry.
func (c *ConversationContext) SetPending(sel PendingSelection) {
	out := c.Pending[:0:0]
	for _, p := range c.Pending {
		if p.Year == sel.Year && p.Month == sel.Month {
			continue
		}
		out = append(out, p)
	}
	if !sel.Empty() {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	c.Pending = out
}

// DropPending removes the pending selection of the month.
func (c *ConversationContext) DropPending(year int, month time.Month) {
	c.SetPending(PendingSelection{Year: year, Month: month})
}

// HasSubService reports whether sub is part of the master filter.
func (c *ConversationContext) HasSubService(sub string) bool {
	for _, s := range c.SubServices {
		if s == sub {
			return true
		}
	}
	return false
}

// ToggleSubService adds or removes sub from the master filter.
func (c *ConversationContext) ToggleSubService(sub string) {
	out := make([]string, 0, len(c.SubServices)+1)
	found := false
	for _, s := range c.SubServices {
		if s == sub {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		out = append(out, sub)
	}
	sort.Strings(out)
	c.SubServices = out
}
