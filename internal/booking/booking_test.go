package booking

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"masterbook/internal/config"
	"masterbook/internal/database"
	"masterbook/internal/flow"
	"masterbook/internal/model"
)

var testNow = time.Date(2025, 2, 5, 12, 0, 0, 0, time.UTC)

const (
	masterID int64 = 100
	clientID int64 = 200
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, userID int64, text string) error {
	args := m.Called(ctx, userID, text)
	return args.Error(0)
}

type fixture struct {
	t        *testing.T
	db       *database.DB
	flow     *Flow
	notifier *mockNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return testNow }

	db, err := database.NewSQLite(ctx, filepath.Join(t.TempDir(), "booking.db"), zerolog.Nop(), database.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	catalog := &config.ServicesConfig{Services: []config.ServiceConfig{
		{Name: "Маникюр", SubServices: []string{"Классический", "Гель-лак"}},
		{Name: "Стрижка"},
	}}
	n := &mockNotifier{}
	f := New(db, n, func() *config.ServicesConfig { return catalog }, Options{
		Location:     time.UTC,
		PageSize:     2,
		MaxPerDay:    2,
		AdminContact: "@admin",
		Now:          clock,
	}, zerolog.Nop())

	fx := &fixture{t: t, db: db, flow: f, notifier: n}
	fx.master(masterID, "Анна", map[string][]string{"Маникюр": {"Классический"}})
	_, err = db.EnsureUser(ctx, clientID, "")
	require.NoError(t, err)
	return fx
}

func (fx *fixture) master(id int64, name string, services map[string][]string) {
	ctx := context.Background()
	_, err := fx.db.EnsureUser(ctx, id, "")
	require.NoError(fx.t, err)
	require.NoError(fx.t, fx.db.SetName(ctx, id, name))
	require.NoError(fx.t, fx.db.SetMaster(ctx, id, true))
	require.NoError(fx.t, fx.db.SetServices(ctx, id, services))
}

// send reloads the user like the bot does for every update.
func (fx *fixture) send(userID int64, kind flow.Kind, arg string) (flow.View, *model.User) {
	fx.t.Helper()
	ctx := context.Background()
	u, err := fx.db.GetUser(ctx, userID)
	require.NoError(fx.t, err)
	require.NotNil(fx.t, u)
	v, err := fx.flow.Handle(ctx, u, flow.Event{Kind: kind, Arg: arg})
	require.NoError(fx.t, err)
	return v, u
}

func (fx *fixture) slot(day, hour int) *model.Slot {
	s, err := fx.db.CreateSlot(context.Background(), masterID, time.Date(2025, time.March, day, hour, 0, 0, 0, time.UTC))
	require.NoError(fx.t, err)
	return s
}

func actions(v flow.View) []string {
	var out []string
	for _, row := range v.Rows {
		for _, b := range row {
			out = append(out, b.Action)
		}
	}
	return out
}

func TestBookingHappyPath(t *testing.T) {
	fx := newFixture(t)
	slot := fx.slot(10, 10)

	v, u := fx.send(clientID, flow.Start, "")
	assert.Equal(t, string(StatePickingService), u.State)
	assert.Contains(t, actions(v), "svc:0")

	v, u = fx.send(clientID, KindService, "0")
	assert.Equal(t, string(StatePickingMaster), u.State)
	assert.Contains(t, actions(v), "m:100")
	assert.Contains(t, actions(v), "flt")

	v, u = fx.send(clientID, KindMaster, "100")
	assert.Equal(t, string(StatePickingDay), u.State)
	assert.Equal(t, time.February, u.Context.Month)
	assert.Contains(t, v.Text, "свободных окон нет")

	v, u = fx.send(clientID, KindNextMonth, "")
	assert.Equal(t, time.March, u.Context.Month)
	assert.Contains(t, actions(v), "d:10")

	v, u = fx.send(clientID, KindDay, "10")
	assert.Equal(t, string(StatePickingTime), u.State)
	require.NotEmpty(t, v.Rows)
	assert.Equal(t, "10:00", v.Rows[0][0].Label)
	assert.Equal(t, "t:"+slot.ID, v.Rows[0][0].Action)

	v, u = fx.send(clientID, KindTime, slot.ID)
	assert.Equal(t, string(StateConfirmingContact), u.State)
	assert.True(t, v.RequestContact)

	v, u = fx.send(clientID, flow.Text, "not a phone")
	assert.Equal(t, string(StateConfirmingContact), u.State)
	assert.Contains(t, v.Text, "Не удалось распознать номер")

	v, u = fx.send(clientID, KindPhone, "8 999 123-45-67")
	assert.Equal(t, string(StatePickingTime), u.State)
	assert.Equal(t, "+79991234567", u.Phone)
	assert.Contains(t, v.Text, "Контакт сохранён")

	fx.notifier.On("Notify", mock.Anything, masterID, mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, "новая запись")
	})).Return(nil).Once()

	v, u = fx.send(clientID, KindTime, slot.ID)
	assert.Equal(t, string(StateReserved), u.State)
	assert.Contains(t, v.Text, "Вы успешно записались")
	assert.Contains(t, v.Text, "Анна")

	got, err := fx.db.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.True(t, got.IsReserved)
	assert.Equal(t, clientID, got.ClientID)
	assert.Equal(t, "Маникюр", got.Service)
	fx.notifier.AssertExpectations(t)
}

func TestBookingAlreadyReserved(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.db.EnsureUser(ctx, 300, "olga")
	require.NoError(t, err)
	slot := fx.slot(10, 10)

	fx.send(300, KindService, "0")
	fx.send(300, KindMaster, "100")
	fx.send(300, KindNextMonth, "")
	fx.send(300, KindDay, "10")

	_, err = fx.db.ClaimSlot(ctx, slot.ID, clientID, "Маникюр")
	require.NoError(t, err)

	v, u := fx.send(300, KindTime, slot.ID)
	assert.Equal(t, string(StatePickingDay), u.State)
	assert.Contains(t, v.Text, "уже заняли")
	assert.NotContains(t, actions(v), "d:10", "the day has no open time left")
	fx.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestBookingPerDayCap(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.db.EnsureUser(ctx, 300, "olga")
	require.NoError(t, err)

	first, second, third := fx.slot(10, 10), fx.slot(10, 11), fx.slot(10, 12)
	for _, s := range []*model.Slot{first, second} {
		_, err := fx.db.ClaimSlot(ctx, s.ID, 300, "Маникюр")
		require.NoError(t, err)
	}

	fx.send(300, KindService, "0")
	fx.send(300, KindMaster, "100")
	fx.send(300, KindNextMonth, "")
	fx.send(300, KindDay, "10")
	v, u := fx.send(300, KindTime, third.ID)

	assert.Equal(t, string(StatePickingDay), u.State)
	assert.Contains(t, v.Text, "больше 2")
	assert.Contains(t, v.Text, "@admin")

	got, err := fx.db.GetSlot(ctx, third.ID)
	require.NoError(t, err)
	assert.True(t, got.IsFree())
}

func TestCancelFromMasterListKeepsPageAndFilter(t *testing.T) {
	fx := newFixture(t)
	fx.master(101, "Вера", map[string][]string{"Маникюр": {"Классический", "Гель-лак"}})
	fx.master(102, "Галина", map[string][]string{"Маникюр": {"Классический"}})
	fx.master(103, "Дарья", map[string][]string{"Стрижка": nil})

	fx.send(clientID, KindService, "0")
	v, u := fx.send(clientID, KindFilter, "")
	assert.Equal(t, string(StateFilteringSubServices), u.State)
	assert.Contains(t, actions(v), "sub:0")

	v, u = fx.send(clientID, KindSubService, "0")
	assert.Equal(t, []string{"Классический"}, u.Context.SubServices)
	assert.Equal(t, "✅ Классический", v.Rows[0][0].Label)

	v, u = fx.send(clientID, KindApplyFilter, "")
	assert.Equal(t, string(StatePickingMaster), u.State)
	assert.Equal(t, []string{"m:100", "m:101", "np"}, actions(v)[:3])

	v, _ = fx.send(clientID, KindNextPage, "")
	assert.Contains(t, actions(v), "m:102")
	assert.Contains(t, actions(v), "pp")
	assert.NotContains(t, actions(v), "np")

	_, u = fx.send(clientID, flow.Cancel, "")
	assert.Equal(t, string(StatePickingService), u.State)
	assert.Equal(t, 2, u.Context.Page)

	v, u = fx.send(clientID, KindService, "0")
	assert.Equal(t, 2, u.Context.Page)
	assert.Contains(t, v.Text, "Фильтр: Классический")
	assert.Contains(t, actions(v), "m:102")

	_, u = fx.send(clientID, KindService, "1")
	assert.Equal(t, 1, u.Context.Page, "another service starts over")
	assert.Empty(t, u.Context.SubServices)
}

func TestMyAppointmentsCancel(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	slot := fx.slot(10, 10)
	_, err := fx.db.ClaimSlot(ctx, slot.ID, clientID, "Маникюр")
	require.NoError(t, err)

	v, u := fx.send(clientID, KindMyAppointments, "")
	assert.Equal(t, string(StateMyAppointments), u.State)
	assert.Contains(t, v.Text, "записей нет", "February is empty")

	v, _ = fx.send(clientID, KindNextMonth, "")
	assert.Contains(t, actions(v), "appt:"+slot.ID)
	assert.Contains(t, actions(v), "pm")

	v, u = fx.send(clientID, KindAppointment, slot.ID)
	assert.Equal(t, string(StateAppointmentDetails), u.State)
	assert.Contains(t, v.Text, "10.03.2025")
	assert.Contains(t, actions(v), "xappt:"+slot.ID)

	fx.notifier.On("Notify", mock.Anything, masterID, mock.AnythingOfType("string")).Return(model.ErrNotifyFailure).Once()

	v, u = fx.send(clientID, KindCancelAppointment, slot.ID)
	assert.Equal(t, string(StateMyAppointments), u.State)
	assert.Contains(t, v.Text, "Запись отменена")
	assert.NotContains(t, actions(v), "appt:"+slot.ID)

	got, err := fx.db.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.True(t, got.IsFree(), "a failed notification does not undo the cancellation")
	fx.notifier.AssertExpectations(t)

	v, _ = fx.send(clientID, KindAppointment, slot.ID)
	assert.Contains(t, v.Text, "Запись не найдена")
}

func TestUnexpectedEvent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	u, err := fx.db.GetUser(ctx, clientID)
	require.NoError(t, err)

	_, err = fx.flow.Handle(ctx, u, flow.Event{Kind: KindTime, Arg: "x"})
	assert.ErrorIs(t, err, flow.ErrEventNotAllowed)

	assert.True(t, fx.flow.Owns("picking_day"))
	assert.False(t, fx.flow.Owns("viewing_month"))
}
