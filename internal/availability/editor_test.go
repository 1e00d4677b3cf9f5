package availability

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masterbook/internal/database"
	"masterbook/internal/model"
)

var testNow = time.Date(2025, 2, 5, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "availability.db"),
		zerolog.Nop(), database.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func monthCtx(year int, month time.Month) *model.ConversationContext {
	c := model.NewConversationContext()
	c.SetMonth(year, month)
	return &c
}

func march(day, hour int) time.Time {
	return time.Date(2025, time.March, day, hour, 0, 0, 0, time.UTC)
}

func TestEditorSelections(t *testing.T) {
	e := NewEditor(newTestDB(t), Limits{}, time.UTC, clock)
	c := monthCtx(2025, time.February)

	e.SelectWholeMonth(c)
	sel, ok := c.PendingFor(2025, time.February)
	require.True(t, ok)
	assert.Equal(t, 24, sel.Len(), "days 1-4 are in the past")
	assert.False(t, sel.Has(4))

	e.SelectWeekends(c)
	sel, _ = c.PendingFor(2025, time.February)
	assert.Equal(t, []int{8, 9, 15, 16, 22, 23}, sel.Days)

	e.SelectWeekdays(c)
	sel, _ = c.PendingFor(2025, time.February)
	assert.Equal(t, 18, sel.Len())
	assert.False(t, sel.Has(8))

	err := e.ToggleDay(c, 3)
	assert.ErrorIs(t, err, model.ErrValidation)
	require.NoError(t, e.ToggleDay(c, 5))
	sel, _ = c.PendingFor(2025, time.February)
	assert.False(t, sel.Has(5))

	c.SetMonth(2025, time.March)
	_, ok = c.PendingFor(2025, time.March)
	assert.False(t, ok, "selection is not carried to another month")
	assert.ErrorIs(t, e.Reset(c), model.ErrNothingToReset)

	c.SetMonth(2025, time.February)
	require.NoError(t, e.Reset(c))
	assert.ErrorIs(t, e.Reset(c), model.ErrNothingToReset)
}

func TestCommitWholeMonthTwice(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	e := NewEditor(db, Limits{PerDay: 10, PerMonth: 310}, time.UTC, clock)
	c := monthCtx(2025, time.March)

	e.SelectWholeMonth(c)
	res, err := e.Commit(ctx, 1, c, "10:00")
	require.NoError(t, err)
	assert.Len(t, res.Created, 31)
	assert.Empty(t, res.Skipped)
	_, ok := c.PendingFor(2025, time.March)
	assert.False(t, ok, "commit clears the selection")

	e.SelectWholeMonth(c)
	res, err = e.Commit(ctx, 1, c, "10:00")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, model.ErrUniqueViolation)
	conflict, ok := model.AsConflict(err)
	require.True(t, ok)
	assert.Len(t, conflict.Times, 31)

	n, err := db.CountSlots(ctx, model.SlotFilter{MasterID: 1})
	require.NoError(t, err)
	assert.Equal(t, 31, n)
	sel, _ := c.PendingFor(2025, time.March)
	assert.Equal(t, 31, sel.Len(), "a failed commit keeps the selection")
}

func TestCommitWholeMonthFromToday(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	e := NewEditor(db, Limits{PerDay: 10, PerMonth: 310}, time.UTC, clock)
	c := monthCtx(2025, time.February)

	e.SelectWholeMonth(c)
	res, err := e.Commit(ctx, 1, c, "10:00")
	require.NoError(t, err)
	assert.Len(t, res.Created, 23, "days 6-28")
	assert.Equal(t, []int{5}, res.Skipped, "10:00 today has already passed")
	assert.True(t, res.Created[0].StartsAt.Equal(time.Date(2025, 2, 6, 10, 0, 0, 0, time.UTC)))

	res, err = e.Commit(ctx, 1, monthWith(2025, time.February, 5), "15:00")
	require.NoError(t, err)
	assert.Len(t, res.Created, 1, "later today is still bookable")
	assert.Empty(t, res.Skipped)

	n, err := db.CountSlots(ctx, model.SlotFilter{MasterID: 1})
	require.NoError(t, err)
	assert.Equal(t, 24, n)
}

func monthWith(year int, month time.Month, days ...int) *model.ConversationContext {
	c := monthCtx(year, month)
	c.SetPending(model.NewSelection(year, month, days...))
	return c
}

func TestCommitAllOrNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	e := NewEditor(db, Limits{PerDay: 10, PerMonth: 310}, time.UTC, clock)

	_, err := db.CreateSlot(ctx, 1, march(5, 10))
	require.NoError(t, err)

	c := monthCtx(2025, time.March)
	for d := 3; d <= 7; d++ {
		require.NoError(t, e.ToggleDay(c, d))
	}
	_, err = e.Commit(ctx, 1, c, "10:00")
	assert.ErrorIs(t, err, model.ErrUniqueViolation)

	n, err := db.CountSlots(ctx, model.SlotFilter{MasterID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCommitCaps(t *testing.T) {
	tests := []struct {
		name      string
		days      []int
		wantScope model.CapacityScope
		wantReq   int
	}{
		{"day full", []int{3}, model.ScopeMasterDay, 3},
		{"month full", []int{4, 5, 6}, model.ScopeMasterMonth, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			ctx := context.Background()
			_, err := db.CreateSlots(ctx, 1, []time.Time{march(3, 9), march(3, 11)})
			require.NoError(t, err)

			e := NewEditor(db, Limits{PerDay: 2, PerMonth: 4, AdminContact: "@admin"}, time.UTC, clock)
			c := monthCtx(2025, time.March)
			c.SetPending(model.NewSelection(2025, time.March, tt.days...))

			_, err = e.Commit(ctx, 1, c, "10:00")
			require.ErrorIs(t, err, model.ErrCapacityExceeded)
			ce, ok := model.AsCapacity(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantScope, ce.Scope)
			assert.Equal(t, tt.wantReq, ce.Requested)
			assert.Equal(t, "@admin", ce.AdminContact)

			n, err := db.CountSlots(ctx, model.SlotFilter{MasterID: 1})
			require.NoError(t, err)
			assert.Equal(t, 2, n, "nothing committed")
		})
	}
}

func TestCommitValidation(t *testing.T) {
	ctx := context.Background()
	e := NewEditor(newTestDB(t), Limits{}, time.UTC, clock)

	c := monthCtx(2025, time.March)
	_, err := e.Commit(ctx, 1, c, "10:00")
	ve, ok := model.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "days", ve.Field)

	c.SetPending(model.NewSelection(2025, time.March, 3))
	_, err = e.Commit(ctx, 1, c, "25:00")
	assert.ErrorIs(t, err, model.ErrValidation)

	today := monthCtx(2025, time.February)
	today.SetPending(model.NewSelection(2025, time.February, 5))
	_, err = e.Commit(ctx, 1, today, "09:00")
	ve, ok = model.AsValidation(err)
	require.True(t, ok, "09:00 today has already passed and nothing else is selected")
	assert.Equal(t, "time", ve.Field)
}

func TestAddOne(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	e := NewEditor(db, Limits{PerDay: 2, PerMonth: 100, AdminContact: "@admin"}, time.UTC, clock)

	s, err := e.AddOne(ctx, 1, 2025, time.March, 3, "9:30")
	require.NoError(t, err)
	assert.True(t, s.StartsAt.Equal(time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC)))

	_, err = e.AddOne(ctx, 1, 2025, time.March, 3, "09:30")
	assert.ErrorIs(t, err, model.ErrUniqueViolation)

	_, err = e.AddOne(ctx, 1, 2025, time.March, 3, "11:00")
	require.NoError(t, err)

	_, err = e.AddOne(ctx, 1, 2025, time.March, 3, "12:00")
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)
}
