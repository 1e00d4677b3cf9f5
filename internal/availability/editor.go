// Package availability lets masters publish free slots: the pending day
// selection editor with its capped bulk commit, and the timetable
// conversation built on top of it.
package availability

import (
	"context"
	"time"

	"masterbook/internal/metrics"
	"masterbook/internal/model"
)

// SlotWriter is the storage used to check caps and create slots.
type SlotWriter interface {
	FindSlots(ctx context.Context, f model.SlotFilter) ([]model.Slot, error)
	CreateSlot(ctx context.Context, masterID int64, startsAt time.Time) (*model.Slot, error)
	CreateSlots(ctx context.Context, masterID int64, times []time.Time) ([]model.Slot, error)
}

// Limits are the caps applied before anything is written.
type Limits struct {
	PerDay       int
	PerMonth     int
	AdminContact string
}

// Editor edits pending selections and commits them as slots.
type Editor struct {
	store  SlotWriter
	limits Limits
	loc    *time.Location
	now    func() time.Time
}

func NewEditor(store SlotWriter, limits Limits, loc *time.Location, now func() time.Time) *Editor {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Editor{store: store, limits: limits, loc: loc, now: now}
}

func (e *Editor) today() time.Time {
	return e.now().In(e.loc)
}

// selectable returns the days of the context month that are not in the past.
func (e *Editor) selectable(c *model.ConversationContext, keep func(time.Weekday) bool) []int {
	ty, tm, td := e.today().Date()
	var days []int
	for d := 1; d <= model.DaysIn(c.Year, c.Month); d++ {
		if c.Year == ty && c.Month == tm && d < td {
			continue
		}
		if c.Year < ty || (c.Year == ty && c.Month < tm) {
			continue
		}
		if keep != nil && !keep(time.Date(c.Year, c.Month, d, 0, 0, 0, 0, time.UTC).Weekday()) {
			continue
		}
		days = append(days, d)
	}
	return days
}

// ToggleDay flips one day of the displayed month. Past days are refused.
func (e *Editor) ToggleDay(c *model.ConversationContext, day int) error {
	if day < 1 || day > model.DaysIn(c.Year, c.Month) {
		return model.NewValidationError("day", "out of range")
	}
	ty, tm, td := e.today().Date()
	past := time.Date(c.Year, c.Month, day, 0, 0, 0, 0, time.UTC).
		Before(time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC))
	if past {
		return model.NewValidationError("day", "in the past")
	}
	sel, _ := c.PendingFor(c.Year, c.Month)
	c.SetPending(sel.Toggle(day))
	return nil
}

// SelectWholeMonth replaces the selection with every remaining day.
func (e *Editor) SelectWholeMonth(c *model.ConversationContext) {
	c.SetPending(model.NewSelection(c.Year, c.Month, e.selectable(c, nil)...))
}

// SelectWeekdays replaces the selection with the remaining Monday to Friday days.
func (e *Editor) SelectWeekdays(c *model.ConversationContext) {
	c.SetPending(model.NewSelection(c.Year, c.Month, e.selectable(c, func(w time.Weekday) bool {
		return w != time.Saturday && w != time.Sunday
	})...))
}

// SelectWeekends replaces the selection with the remaining Saturdays and Sundays.
func (e *Editor) SelectWeekends(c *model.ConversationContext) {
	c.SetPending(model.NewSelection(c.Year, c.Month, e.selectable(c, func(w time.Weekday) bool {
		return w == time.Saturday || w == time.Sunday
	})...))
}

// Reset clears the selection of the displayed month.
func (e *Editor) Reset(c *model.ConversationContext) error {
	sel, ok := c.PendingFor(c.Year, c.Month)
	if !ok || sel.Empty() {
		return model.ErrNothingToReset
	}
	c.DropPending(c.Year, c.Month)
	return nil
}

// CommitResult is the outcome of a bulk commit.
type CommitResult struct {
	Created []model.Slot
	// Skipped holds the selected days whose time had already passed.
	Skipped []int
}

// Commit creates a slot at timeOfDay on every pending day of the displayed
// month. Days where that time has already passed are skipped. Caps are
// checked first; either every remaining slot is created or none.
// The pending selection is cleared on success.
func (e *Editor) Commit(ctx context.Context, masterID int64, c *model.ConversationContext, timeOfDay string) (*CommitResult, error) {
	sel, ok := c.PendingFor(c.Year, c.Month)
	if !ok || sel.Empty() {
		return nil, model.NewValidationError("days", "no days selected")
	}
	hour, minute, err := model.ParseTimeOfDay(timeOfDay)
	if err != nil {
		return nil, err
	}

	now := e.now()
	res := &CommitResult{}
	days := make([]int, 0, sel.Len())
	times := make([]time.Time, 0, sel.Len())
	for _, d := range sel.Days {
		t := time.Date(sel.Year, sel.Month, d, hour, minute, 0, 0, e.loc)
		if !t.After(now) {
			res.Skipped = append(res.Skipped, d)
			continue
		}
		days = append(days, d)
		times = append(times, t)
	}
	if len(times) == 0 {
		return nil, model.NewValidationError("time", "in the past")
	}

	if err := e.checkCaps(ctx, masterID, sel.Year, sel.Month, days); err != nil {
		metrics.IncCommitRejected("capacity")
		return nil, err
	}

	slots, err := e.store.CreateSlots(ctx, masterID, times)
	if err != nil {
		metrics.IncCommitRejected("conflict")
		return nil, err
	}
	metrics.AddSlotsCreated(len(slots))
	c.DropPending(sel.Year, sel.Month)
	res.Created = slots
	return res, nil
}

// AddOne creates a single slot on year/month/day at timeOfDay.
func (e *Editor) AddOne(ctx context.Context, masterID int64, year int, month time.Month, day int, timeOfDay string) (*model.Slot, error) {
	hour, minute, err := model.ParseTimeOfDay(timeOfDay)
	if err != nil {
		return nil, err
	}
	t := time.Date(year, month, day, hour, minute, 0, 0, e.loc)
	if !t.After(e.now()) {
		return nil, model.NewValidationError("time", "in the past")
	}
	if err := e.checkCaps(ctx, masterID, year, month, []int{day}); err != nil {
		metrics.IncCommitRejected("capacity")
		return nil, err
	}
	s, err := e.store.CreateSlot(ctx, masterID, t)
	if err != nil {
		return nil, err
	}
	metrics.AddSlotsCreated(1)
	return s, nil
}

// checkCaps verifies that adding one slot on each of days keeps the master
// within the per-day and per-month limits.
func (e *Editor) checkCaps(ctx context.Context, masterID int64, year int, month time.Month, days []int) error {
	from, to := model.MonthRange(year, month, e.loc)
	existing, err := e.store.FindSlots(ctx, model.SlotFilter{MasterID: masterID, From: from, To: to})
	if err != nil {
		return err
	}

	if e.limits.PerMonth > 0 && len(existing)+len(days) > e.limits.PerMonth {
		return &model.CapacityError{
			Scope:        model.ScopeMasterMonth,
			Limit:        e.limits.PerMonth,
			Requested:    len(existing) + len(days),
			AdminContact: e.limits.AdminContact,
		}
	}

	if e.limits.PerDay > 0 {
		perDay := make(map[int]int, len(existing))
		for _, s := range existing {
			perDay[s.StartsAt.In(e.loc).Day()]++
		}
		for _, d := range days {
			if perDay[d]+1 > e.limits.PerDay {
				return &model.CapacityError{
					Scope:        model.ScopeMasterDay,
					Limit:        e.limits.PerDay,
					Requested:    perDay[d] + 1,
					AdminContact: e.limits.AdminContact,
				}
			}
		}
	}
	return nil
}
