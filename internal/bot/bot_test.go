package bot

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"masterbook/internal/availability"
	"masterbook/internal/booking"
	"masterbook/internal/config"
	"masterbook/internal/database"
	"masterbook/internal/flood"
	"masterbook/internal/model"
)

var testNow = time.Date(2025, 2, 5, 12, 0, 0, 0, time.UTC)

const (
	adminID  int64 = 1
	masterID int64 = 100
	clientID int64 = 200
)

type fakeTelegram struct {
	mu     sync.Mutex
	sent   []tgbotapi.Chattable
	nextID int
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeTelegram) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeTelegram) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeTelegram) StopReceivingUpdates() {}

func (f *fakeTelegram) SelfUser() tgbotapi.User {
	return tgbotapi.User{UserName: "masterbook_test_bot"}
}

func (f *fakeTelegram) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func (f *fakeTelegram) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTelegram) lastText(t *testing.T) string {
	t.Helper()
	msgs := f.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1].Text
}

func (f *fakeTelegram) edits() []tgbotapi.EditMessageTextConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.EditMessageTextConfig
	for _, c := range f.sent {
		if e, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, e)
		}
	}
	return out
}

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
	tg       *fakeTelegram
	bot      *Bot
	notifier *mockNotifier
	nextCB   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return testNow }
	logger := zerolog.Nop()

	db, err := database.NewSQLite(ctx, filepath.Join(t.TempDir(), "bot.db"), logger, database.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	catalog := &config.ServicesConfig{Services: []config.ServiceConfig{
		{Name: "Маникюр", SubServices: []string{"Классический", "Гель-лак"}},
		{Name: "Стрижка"},
	}}
	catalogFn := func() *config.ServicesConfig { return catalog }

	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	gate := flood.NewGate(db, nil, flood.Options{
		BanThreshold:       5,
		NonRecognizedLimit: 2,
		Window:             10 * time.Minute,
		AdminContact:       "@admin",
		Now:                clock,
	}, logger)
	editor := availability.NewEditor(db, availability.Limits{PerDay: 10, PerMonth: 310, AdminContact: "@admin"}, time.UTC, clock)

	tg := &fakeTelegram{}
	b, err := NewWithTelegramClient(tg, Deps{
		Store:    db,
		Gate:     gate,
		Booking:  booking.New(db, n, catalogFn, booking.Options{Location: time.UTC, MaxPerDay: 2, AdminContact: "@admin", Now: clock}, logger),
		Schedule: availability.NewSchedule(db, editor, n, logger),
		Notifier: n,
		Catalog:  catalogFn,
	}, Options{Admins: []int64{adminID}, Location: time.UTC, Now: clock}, logger)
	require.NoError(t, err)

	fx := &fixture{t: t, db: db, tg: tg, bot: b, notifier: n}
	_, err = db.EnsureUser(ctx, masterID, "anna")
	require.NoError(t, err)
	require.NoError(t, db.SetName(ctx, masterID, "Анна"))
	require.NoError(t, db.SetMaster(ctx, masterID, true))
	require.NoError(t, db.SetServices(ctx, masterID, map[string][]string{"Маникюр": {"Классический"}}))
	return fx
}

func (fx *fixture) text(from int64, text string) {
	fx.t.Helper()
	fx.bot.handleUpdate(context.Background(), &tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: from},
		Chat: &tgbotapi.Chat{ID: from},
		Text: text,
	}})
}

func (fx *fixture) callback(from int64, messageID int, data string) {
	fx.t.Helper()
	fx.nextCB++
	fx.bot.handleUpdate(context.Background(), &tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   strings.Repeat("c", fx.nextCB),
		From: &tgbotapi.User{ID: from},
		Message: &tgbotapi.Message{
			MessageID: messageID,
			Chat:      &tgbotapi.Chat{ID: from},
		},
		Data: data,
	}})
}

func (fx *fixture) user(id int64) *model.User {
	fx.t.Helper()
	u, err := fx.db.GetUser(context.Background(), id)
	require.NoError(fx.t, err)
	require.NotNil(fx.t, u)
	return u
}

func callbackData(markup any) []string {
	kb, ok := markup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		return nil
	}
	var out []string
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			if btn.CallbackData != nil {
				out = append(out, *btn.CallbackData)
			}
		}
	}
	return out
}

func TestStartCommand(t *testing.T) {
	fx := newFixture(t)

	fx.text(clientID, "/start")
	msgs := fx.tg.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Здравствуйте")
	menu, ok := msgs[0].ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	require.True(t, ok)
	assert.Len(t, menu.Keyboard, 2, "clients get no schedule row")

	fx.tg.reset()
	fx.text(masterID, "/start@masterbook_test_bot")
	menu, ok = fx.tg.messages()[0].ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	require.True(t, ok)
	assert.Len(t, menu.Keyboard, 3)
	assert.Equal(t, btnSchedule, menu.Keyboard[1][0].Text)
}

func TestBookingThroughBot(t *testing.T) {
	fx := newFixture(t)

	fx.text(clientID, btnBook)
	msgs := fx.tg.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, callbackData(msgs[0].ReplyMarkup), "svc:0")
	assert.Equal(t, string(booking.StatePickingService), fx.user(clientID).State)

	fx.callback(clientID, 7, "svc:0")
	edits := fx.tg.edits()
	require.Len(t, edits, 1)
	assert.Equal(t, 7, edits[0].MessageID)
	require.NotNil(t, edits[0].ReplyMarkup)
	assert.Contains(t, callbackData(*edits[0].ReplyMarkup), "m:100")
	assert.Equal(t, string(booking.StatePickingMaster), fx.user(clientID).State)

	fx.callback(clientID, 7, "ign")
	assert.Len(t, fx.tg.edits(), 1, "ignore tokens render nothing")
}

func TestContactShare(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.db.EnsureUser(ctx, clientID, "")
	require.NoError(t, err)
	_, err = fx.db.CreateSlot(ctx, masterID, time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	c := model.NewConversationContext()
	c.Service = "Маникюр"
	c.MasterID = masterID
	c.SetMonth(2025, time.March)
	c.Day = 10
	require.NoError(t, fx.db.SaveConversation(ctx, clientID, string(booking.StateConfirmingContact), c))

	fx.bot.handleUpdate(ctx, &tgbotapi.Update{Message: &tgbotapi.Message{
		From:    &tgbotapi.User{ID: clientID},
		Chat:    &tgbotapi.Chat{ID: clientID},
		Contact: &tgbotapi.Contact{PhoneNumber: "89991234567", UserID: clientID},
	}})

	u := fx.user(clientID)
	assert.Equal(t, "+79991234567", u.Phone)
	assert.Equal(t, string(booking.StatePickingTime), u.State)

	msgs := fx.tg.messages()
	require.Len(t, msgs, 2)
	_, isMenu := msgs[0].ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	assert.True(t, isMenu, "contact keyboard is replaced by the menu")
	assert.Contains(t, msgs[1].Text, "Контакт сохранён.")
}

func TestContactOfSomeoneElse(t *testing.T) {
	fx := newFixture(t)
	fx.bot.handleUpdate(context.Background(), &tgbotapi.Update{Message: &tgbotapi.Message{
		From:    &tgbotapi.User{ID: clientID},
		Chat:    &tgbotapi.Chat{ID: clientID},
		Contact: &tgbotapi.Contact{PhoneNumber: "89991234567", UserID: 999},
	}})
	assert.Contains(t, fx.tg.lastText(t), "свой собственный номер")
	assert.Empty(t, fx.user(clientID).Phone)
}

func TestUnrecognizedInputResets(t *testing.T) {
	fx := newFixture(t)
	fx.text(clientID, btnBook)

	for i := 0; i < 2; i++ {
		fx.text(clientID, "привет")
		assert.Equal(t, "Не понимаю. Пожалуйста, используйте кнопки.", fx.tg.lastText(t))
	}
	assert.Equal(t, string(booking.StatePickingService), fx.user(clientID).State)

	fx.text(clientID, "привет")
	assert.Contains(t, fx.tg.lastText(t), "@admin")
	assert.Empty(t, fx.user(clientID).State)
}

func TestBannedUserIsShortCircuited(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.db.EnsureUser(ctx, clientID, "")
	require.NoError(t, err)
	require.NoError(t, fx.db.Deactivate(ctx, clientID, testNow))

	fx.text(clientID, btnBook)
	assert.Contains(t, fx.tg.lastText(t), "деактивирован")
	assert.Empty(t, fx.user(clientID).State)

	fx.tg.reset()
	fx.text(adminID, "/activate 200")
	assert.Equal(t, "Пользователь 200 активирован.", fx.tg.lastText(t))
	assert.True(t, fx.user(clientID).IsActive)
	fx.notifier.AssertCalled(t, "Notify", mock.Anything, clientID, "Ваш аккаунт снова активен.")

	fx.text(clientID, btnBook)
	assert.Equal(t, string(booking.StatePickingService), fx.user(clientID).State)
}

func TestAdminCommands(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.db.EnsureUser(context.Background(), 300, "")
	require.NoError(t, err)

	tests := []struct {
		name string
		from int64
		text string
		want string
	}{
		{"not an admin", clientID, "/add_master 300", "Команда доступна только администраторам."},
		{"missing id", adminID, "/add_master", "Укажите id пользователя: /add_master 123456789"},
		{"unknown user", adminID, "/add_master 999", "Пользователь 999 не найден."},
		{"add master", adminID, "/add_master 300", "Пользователь 300 теперь мастер."},
		{"deactivate", adminID, "/deactivate 300", "Пользователь 300 деактивирован."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx.text(tt.from, tt.text)
			assert.Equal(t, tt.want, fx.tg.lastText(t))
		})
	}

	u := fx.user(300)
	assert.True(t, u.IsMaster)
	assert.False(t, u.IsActive)
}

func TestProfileCommands(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name string
		from int64
		text string
		want string
	}{
		{"name", clientID, "/name  Ольга  ", "Имя сохранено: Ольга"},
		{"bad name", clientID, "/name 123", "Укажите имя: /name Анна. Допустимы буквы и пробелы, до 50 символов."},
		{"phone", clientID, "/phone 8 (999) 123-45-67", "Телефон сохранён: +79991234567"},
		{"about for clients", clientID, "/about Привет", "Команда доступна только мастерам."},
		{"about", masterID, "/about Делаю маникюр 10 лет", "Описание сохранено."},
		{"services", masterID, "/services Маникюр: Гель-лак; Стрижка", "Услуги сохранены: Маникюр, Стрижка"},
		{"unknown service", masterID, "/services Педикюр", "Такой услуги нет в каталоге."},
		{"unknown command", clientID, "/foo", "Не понимаю. Пожалуйста, используйте кнопки."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx.text(tt.from, tt.text)
			assert.True(t, strings.HasPrefix(fx.tg.lastText(t), tt.want), fx.tg.lastText(t))
		})
	}

	c := fx.user(clientID)
	assert.Equal(t, "Ольга", c.Name)
	assert.Equal(t, "+79991234567", c.Phone)
	m := fx.user(masterID)
	assert.Equal(t, "Делаю маникюр 10 лет", m.Description)
	assert.Equal(t, map[string][]string{"Маникюр": {"Гель-лак"}, "Стрижка": {}}, m.Services)
}

func TestScheduleRouting(t *testing.T) {
	fx := newFixture(t)

	fx.text(clientID, btnSchedule)
	assert.Equal(t, "Раздел доступен только мастерам.", fx.tg.lastText(t))

	fx.text(masterID, btnSchedule)
	assert.Equal(t, string(availability.StateViewingMonth), fx.user(masterID).State)
	msgs := fx.tg.messages()
	assert.Contains(t, callbackData(msgs[len(msgs)-1].ReplyMarkup), "edit")

	fx.callback(masterID, 3, "edit")
	assert.Equal(t, string(availability.StateEditingMonth), fx.user(masterID).State)

	fx.callback(masterID, 3, "my")
	assert.Equal(t, string(booking.StateMyAppointments), fx.user(masterID).State, "my appointments are reachable from the timetable")
}

func TestExportRequiresMaster(t *testing.T) {
	fx := newFixture(t)
	fx.text(clientID, "/export")
	assert.Equal(t, "Команда доступна только мастерам.", fx.tg.lastText(t))

	fx.text(masterID, "/export")
	assert.Equal(t, "Выгрузка отключена.", fx.tg.lastText(t))
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in, cmd, arg string
	}{
		{"/start", "/start", ""},
		{"/Name Анна Мария", "/name", "Анна Мария"},
		{"/activate@bot 42", "/activate", "42"},
	}
	for _, tt := range tests {
		cmd, arg := splitCommand(tt.in)
		assert.Equal(t, tt.cmd, cmd)
		assert.Equal(t, tt.arg, arg)
	}
}
