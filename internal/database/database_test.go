package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masterbook/internal/model"
)

var testNow = time.Date(2025, 2, 5, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), zerolog.Nop(),
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func at(day, hour int) time.Time {
	return time.Date(2025, time.March, day, hour, 0, 0, 0, time.UTC)
}

func TestCreateSlotUnique(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.CreateSlot(ctx, 1, at(3, 10))
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.True(t, s.IsFree())

	_, err = db.CreateSlot(ctx, 1, at(3, 10))
	assert.ErrorIs(t, err, model.ErrUniqueViolation)

	_, err = db.CreateSlot(ctx, 2, at(3, 10))
	assert.NoError(t, err, "other master may use the same time")
}

func TestCreateSlotsAllOrNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.CreateSlot(ctx, 1, at(5, 10))
	require.NoError(t, err)

	times := []time.Time{at(3, 10), at(4, 10), at(5, 10), at(6, 10), at(7, 10)}
	created, err := db.CreateSlots(ctx, 1, times)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUniqueViolation)
	assert.Empty(t, created)

	conflict, ok := model.AsConflict(err)
	require.True(t, ok)
	require.Len(t, conflict.Times, 1)
	assert.True(t, conflict.Times[0].Equal(at(5, 10)))

	n, err := db.CountSlots(ctx, model.SlotFilter{MasterID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateSlotsWholeMonthTwice(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var times []time.Time
	for day := 1; day <= 31; day++ {
		times = append(times, at(day, 10))
	}

	created, err := db.CreateSlots(ctx, 1, times)
	require.NoError(t, err)
	assert.Len(t, created, 31)

	_, err = db.CreateSlots(ctx, 1, times)
	conflict, ok := model.AsConflict(err)
	require.True(t, ok)
	assert.Len(t, conflict.Times, 31)

	n, err := db.CountSlots(ctx, model.SlotFilter{MasterID: 1})
	require.NoError(t, err)
	assert.Equal(t, 31, n)
}

func TestCreateSlotsConcurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	times := []time.Time{at(10, 10), at(11, 10), at(12, 10)}
	const workers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.CreateSlots(ctx, 1, times)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, model.ErrUniqueViolation):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)

	n, err := db.CountSlots(ctx, model.SlotFilter{MasterID: 1})
	require.NoError(t, err)
	assert.Equal(t, len(times), n)
}

func TestClaimSlotAtomic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.CreateSlot(ctx, 1, at(3, 10))
	require.NoError(t, err)

	const clients = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []int64
		reserved int
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(clientID int64) {
			defer wg.Done()
			_, err := db.ClaimSlot(ctx, s.ID, clientID, "Маникюр")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, clientID)
			case errors.Is(err, model.ErrAlreadyReserved):
				reserved++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(100 + i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, clients-1, reserved)

	got, err := db.GetSlot(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.IsReserved)
	assert.Equal(t, winners[0], got.ClientID)
	assert.Equal(t, "Маникюр", got.Service)
}

func TestClaimMissingSlot(t *testing.T) {
	db := newTestDB(t)
	_, err := db.ClaimSlot(context.Background(), "missing", 1, "x")
	assert.ErrorIs(t, err, model.ErrSlotNotFound)
	assert.ErrorIs(t, err, model.ErrStateInconsistency)
}

func TestReleaseThenRebook(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.CreateSlot(ctx, 1, at(3, 10))
	require.NoError(t, err)
	_, err = db.ClaimSlot(ctx, s.ID, 100, "Маникюр")
	require.NoError(t, err)

	rel, err := db.ReleaseSlot(ctx, s.ID, AnyClient)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rel.ClientID)
	assert.Equal(t, "Маникюр", rel.Service)
	assert.True(t, rel.Slot.IsFree())
	assert.Zero(t, rel.Slot.ClientID)

	_, err = db.ReleaseSlot(ctx, s.ID, AnyClient)
	assert.ErrorIs(t, err, model.ErrStateInconsistency)

	again, err := db.ClaimSlot(ctx, s.ID, 200, "Педикюр")
	require.NoError(t, err)
	assert.Equal(t, int64(200), again.ClientID)
}

func TestReleaseGuardsHolder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.CreateSlot(ctx, 1, at(3, 10))
	require.NoError(t, err)
	_, err = db.ClaimSlot(ctx, s.ID, 100, "Маникюр")
	require.NoError(t, err)

	// The master frees the slot and another client takes it before the
	// first client's cancel arrives.
	_, err = db.ReleaseSlot(ctx, s.ID, AnyClient)
	require.NoError(t, err)
	_, err = db.ClaimSlot(ctx, s.ID, 200, "Педикюр")
	require.NoError(t, err)

	_, err = db.ReleaseSlot(ctx, s.ID, 100)
	assert.ErrorIs(t, err, model.ErrStateInconsistency)

	got, err := db.GetSlot(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.IsReserved)
	assert.Equal(t, int64(200), got.ClientID)

	rel, err := db.ReleaseSlot(ctx, s.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(200), rel.ClientID)
}

func TestMoveSlotDisplaces(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	moving, err := db.CreateSlot(ctx, 1, at(3, 10))
	require.NoError(t, err)
	occupant, err := db.CreateSlot(ctx, 1, at(3, 12))
	require.NoError(t, err)
	_, err = db.ClaimSlot(ctx, occupant.ID, 100, "Маникюр")
	require.NoError(t, err)

	res, err := db.MoveSlot(ctx, moving.ID, at(3, 12))
	require.NoError(t, err)
	assert.True(t, res.Old.StartsAt.Equal(at(3, 10)))
	assert.True(t, res.New.StartsAt.Equal(at(3, 12)))
	require.Len(t, res.Displaced, 1)
	assert.Equal(t, occupant.ID, res.Displaced[0].ID)
	assert.Equal(t, int64(100), res.Displaced[0].ClientID)

	_, err = db.GetSlot(ctx, occupant.ID)
	assert.ErrorIs(t, err, model.ErrSlotNotFound)

	slots, err := db.FindSlots(ctx, model.SlotFilter{MasterID: 1})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, moving.ID, slots[0].ID)
}

func TestDeleteSlot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.CreateSlot(ctx, 1, at(3, 10))
	require.NoError(t, err)

	deleted, err := db.DeleteSlot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, deleted.ID)

	_, err = db.DeleteSlot(ctx, s.ID)
	assert.ErrorIs(t, err, model.ErrSlotNotFound)
}

func TestFindSlotsFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.CreateSlots(ctx, 1, []time.Time{at(3, 10), at(3, 12), at(4, 10)})
	require.NoError(t, err)
	s, err := db.CreateSlot(ctx, 2, at(3, 11))
	require.NoError(t, err)
	_, err = db.ClaimSlot(ctx, s.ID, 100, "Маникюр")
	require.NoError(t, err)

	from, to := model.DayRange(2025, time.March, 3, time.UTC)
	tests := []struct {
		name   string
		filter model.SlotFilter
		want   int
	}{
		{"master 1", model.SlotFilter{MasterID: 1}, 3},
		{"master 1 on day 3", model.SlotFilter{MasterID: 1, From: from, To: to}, 2},
		{"reserved", model.SlotFilter{Reserved: model.Flag(true)}, 1},
		{"free on day 3", model.SlotFilter{Reserved: model.Flag(false), From: from, To: to}, 2},
		{"client", model.SlotFilter{ClientID: 100}, 1},
		{"limit", model.SlotFilter{MasterID: 1, Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.FindSlots(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	desc, err := db.FindSlots(ctx, model.SlotFilter{MasterID: 1, Desc: true})
	require.NoError(t, err)
	assert.True(t, desc[0].StartsAt.Equal(at(4, 10)))
}

func TestOpenDaysAndTimes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	feb := func(day, hour int) time.Time { return time.Date(2025, 2, day, hour, 0, 0, 0, time.UTC) }
	_, err := db.CreateSlots(ctx, 1, []time.Time{feb(3, 10), feb(5, 10), feb(5, 15), feb(10, 10), feb(11, 10)})
	require.NoError(t, err)
	reserved, err := db.CreateSlot(ctx, 1, feb(12, 10))
	require.NoError(t, err)
	_, err = db.ClaimSlot(ctx, reserved.ID, 100, "Маникюр")
	require.NoError(t, err)

	days, err := db.OpenDays(ctx, 1, 2025, time.February, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{5: true, 10: true, 11: true}, days)

	marked, err := db.MarkedDays(ctx, 1, 2025, time.February, time.UTC)
	require.NoError(t, err)
	assert.Len(t, marked, 5)

	times, err := db.OpenTimes(ctx, 1, 2025, time.February, 5, time.UTC)
	require.NoError(t, err)
	require.Len(t, times, 1, "10:00 already passed at 12:00")
	assert.Equal(t, 15, times[0].StartsAt.Hour())

	n, err := db.CountClientDay(ctx, 100, 1, 2025, time.February, 12, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	upcoming, err := db.UpcomingAppointments(ctx, 100, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, reserved.ID, upcoming[0].ID)
}

func TestRemindersQueries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.CreateSlot(ctx, 1, testNow.Add(3*time.Hour))
	require.NoError(t, err)
	_, err = db.ClaimSlot(ctx, s.ID, 100, "Маникюр")
	require.NoError(t, err)

	due, err := db.SlotsDueForReminder(ctx, testNow, testNow.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, db.MarkNotified(ctx, s.ID))
	due, err = db.SlotsDueForReminder(ctx, testNow, testNow.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := db.GetSlot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Notifications)
	assert.True(t, got.NotifiedAt.Equal(testNow))
}

func TestUsers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u, err := db.EnsureUser(ctx, 42, "anna")
	require.NoError(t, err)
	assert.True(t, u.IsActive)
	assert.Equal(t, "anna", u.Username)
	assert.Equal(t, 1, u.Context.Page)

	u, err = db.EnsureUser(ctx, 42, "anna_new")
	require.NoError(t, err)
	assert.Equal(t, "anna_new", u.Username)

	missing, err := db.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, missing)

	c := model.NewConversationContext()
	c.Service = "Ресницы"
	c.SetMonth(2025, time.March)
	c.SetPending(model.NewSelection(2025, time.March, 3, 4))
	require.NoError(t, db.SaveConversation(ctx, 42, "editing_month", c))

	u, err = db.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "editing_month", u.State)
	assert.Equal(t, c, u.Context)

	assert.ErrorIs(t, db.SetName(ctx, 7, "x"), model.ErrUserNotFound)
}

func TestFloodCounters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.EnsureUser(ctx, 42, "")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		n, err := db.RegisterFlood(ctx, 42, testNow.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	u, err := db.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.True(t, u.FloodAt.Equal(testNow.Add(time.Second)), "window starts at first increment")

	ids, err := db.ExpiredFloodIDs(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, ids)

	require.NoError(t, db.ResetFlood(ctx, 42))
	ids, err = db.ExpiredFloodIDs(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, db.Deactivate(ctx, 42, testNow))
	inactive, err := db.InactiveUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, inactive)

	require.NoError(t, db.Activate(ctx, 42))
	u, err = db.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.True(t, u.IsActive)
	assert.Equal(t, 1, u.BanCount)
}

func TestListMasters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	add := func(id int64, name string, services map[string][]string) {
		_, err := db.EnsureUser(ctx, id, "")
		require.NoError(t, err)
		require.NoError(t, db.SetMaster(ctx, id, true))
		if name != "" {
			require.NoError(t, db.SetName(ctx, id, name))
		}
		require.NoError(t, db.SetServices(ctx, id, services))
	}
	add(1, "Анна", map[string][]string{"Ресницы": {"Наращивание", "Ламинирование"}})
	add(2, "Вера", map[string][]string{"Ресницы": {"Наращивание"}})
	add(3, "", map[string][]string{"Ресницы": {"Наращивание"}})
	add(4, "Ольга", map[string][]string{"Маникюр": {}})
	add(5, "Ирина", map[string][]string{"Ресницы": {}})

	tests := []struct {
		name    string
		filter  model.MasterFilter
		want    []int64
		hasNext bool
	}{
		{"service", model.MasterFilter{Service: "Ресницы"}, []int64{1, 2, 5}, false},
		{"one sub", model.MasterFilter{Service: "Ресницы", SubServices: []string{"Наращивание"}}, []int64{1, 2}, false},
		{"two subs", model.MasterFilter{Service: "Ресницы", SubServices: []string{"Наращивание", "Ламинирование"}}, []int64{1}, false},
		{"first page", model.MasterFilter{Service: "Ресницы", Limit: 2}, []int64{1, 2}, true},
		{"second page", model.MasterFilter{Service: "Ресницы", Limit: 2, Offset: 2}, []int64{5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			masters, hasNext, err := db.ListMasters(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]int64, 0, len(masters))
			for _, m := range masters {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, tt.hasNext, hasNext)
		})
	}

	require.NoError(t, db.Deactivate(ctx, 1, testNow))
	masters, _, err := db.ListMasters(ctx, model.MasterFilter{Service: "Ресницы"})
	require.NoError(t, err)
	assert.Len(t, masters, 2)
}

func TestRebind(t *testing.T) {
	db := &DB{dialect: Postgres}
	assert.Equal(t, "SELECT * FROM slots WHERE id = $1 AND master_id = $2", db.rebind("SELECT * FROM slots WHERE id = ? AND master_id = ?"))

	db.dialect = SQLite
	assert.Equal(t, "WHERE id = ?", db.rebind("WHERE id = ?"))
}
