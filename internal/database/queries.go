package database

import (
	"context"
	"time"

	"masterbook/internal/model"
)

// OpenDays returns the days of year/month (in loc) on which the master has at
// least one free slot after now.
func (db *DB) OpenDays(ctx context.Context, masterID int64, year int, month time.Month, loc *time.Location) (map[int]bool, error) {
	from, to := model.MonthRange(year, month, loc)
	if now := db.now(); now.After(from) {
		from = now
	}
	if !from.Before(to) {
		return map[int]bool{}, nil
	}
	slots, err := db.FindSlots(ctx, model.SlotFilter{
		MasterID: masterID,
		Reserved: model.Flag(false),
		From:     from,
		To:       to,
	})
	if err != nil {
		return nil, err
	}
	return daysOf(slots, loc), nil
}

// MarkedDays returns the days of year/month (in loc) holding any slot of the master.
func (db *DB) MarkedDays(ctx context.Context, masterID int64, year int, month time.Month, loc *time.Location) (map[int]bool, error) {
	from, to := model.MonthRange(year, month, loc)
	slots, err := db.FindSlots(ctx, model.SlotFilter{MasterID: masterID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	return daysOf(slots, loc), nil
}

// OpenTimes returns free slots of the master on the given day, strictly in the future.
func (db *DB) OpenTimes(ctx context.Context, masterID int64, year int, month time.Month, day int, loc *time.Location) ([]model.Slot, error) {
	from, to := model.DayRange(year, month, day, loc)
	now := db.now()
	slots, err := db.FindSlots(ctx, model.SlotFilter{
		MasterID: masterID,
		Reserved: model.Flag(false),
		From:     from,
		To:       to,
	})
	if err != nil {
		return nil, err
	}
	out := slots[:0]
	for _, s := range slots {
		if s.StartsAt.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// UpcomingAppointments returns the client's reservations in [max(from, now), to).
func (db *DB) UpcomingAppointments(ctx context.Context, clientID int64, from, to time.Time) ([]model.Slot, error) {
	if now := db.now(); now.After(from) {
		from = now
	}
	return db.FindSlots(ctx, model.SlotFilter{
		ClientID: clientID,
		Reserved: model.Flag(true),
		From:     from,
		To:       to,
	})
}

// CountClientDay counts the client's reservations with the master on one day.
func (db *DB) CountClientDay(ctx context.Context, clientID, masterID int64, year int, month time.Month, day int, loc *time.Location) (int, error) {
	from, to := model.DayRange(year, month, day, loc)
	return db.CountSlots(ctx, model.SlotFilter{
		ClientID: clientID,
		MasterID: masterID,
		Reserved: model.Flag(true),
		From:     from,
		To:       to,
	})
}

func daysOf(slots []model.Slot, loc *time.Location) map[int]bool {
	days := make(map[int]bool, len(slots))
	for _, s := range slots {
		days[s.StartsAt.In(loc).Day()] = true
	}
	return days
}
