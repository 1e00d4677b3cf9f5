// Package bot is the Telegram front end: it admits updates through the flood
// gate, routes them to the booking and timetable conversations and renders
// their views as messages and keyboards.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"masterbook/internal/config"
	"masterbook/internal/flood"
	"masterbook/internal/flow"
	"masterbook/internal/metrics"
	"masterbook/internal/model"
)

type telegramClient interface {
	Send(tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	SelfUser() tgbotapi.User
}

type realTelegramClient struct {
	api *tgbotapi.BotAPI
}

func (c *realTelegramClient) Send(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	return c.api.Send(msg)
}

func (c *realTelegramClient) Request(msg tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return c.api.Request(msg)
}

func (c *realTelegramClient) GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return c.api.GetUpdatesChan(cfg)
}

func (c *realTelegramClient) StopReceivingUpdates() {
	c.api.StopReceivingUpdates()
}

func (c *realTelegramClient) SelfUser() tgbotapi.User {
	return c.api.Self
}

// Store is the user repository the bot needs directly.
type Store interface {
	EnsureUser(ctx context.Context, id int64, username string) (*model.User, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	SaveConversation(ctx context.Context, id int64, state string, c model.ConversationContext) error
	SetName(ctx context.Context, id int64, name string) error
	SetPhone(ctx context.Context, id int64, phone string) error
	SetDescription(ctx context.Context, id int64, desc string) error
	SetMaster(ctx context.Context, id int64, isMaster bool) error
	SetServices(ctx context.Context, id int64, services map[string][]string) error
	ListAdmins(ctx context.Context) ([]int64, error)
}

// Conversation is a flow the bot can route events to.
type Conversation interface {
	Owns(state string) bool
	Handle(ctx context.Context, user *model.User, ev flow.Event) (flow.View, error)
}

// Gate is the admission control in front of the conversations.
type Gate interface {
	IsBanned(ctx context.Context, id int64) bool
	Check(ctx context.Context, u *model.User) (flood.Decision, error)
	Unrecognized(ctx context.Context, u *model.User) (bool, error)
	Activate(ctx context.Context, id int64) error
	Deactivate(ctx context.Context, id int64) error
	BannedNotice() string
	CooldownNotice() string
	UnrecognizedNotice(reset bool) string
}

// Exporter writes a master's month schedule to a file.
type Exporter interface {
	MonthFile(ctx context.Context, masterID int64, year int, month time.Month) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// Deps are the collaborators of the bot.
type Deps struct {
	Store    Store
	Gate     Gate
	Booking  Conversation
	Schedule Conversation
	Exporter Exporter
	Notifier Notifier
	Catalog  func() *config.ServicesConfig
}

// Options configure the bot.
type Options struct {
	Admins   []int64
	Location *time.Location
	Now      func() time.Time
}

const maxInFlight = 32

// Bot is the Telegram front end.
type Bot struct {
	tg     telegramClient
	deps   Deps
	admins map[int64]struct{}
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a bot on top of an authorized Bot API client.
func New(api *tgbotapi.BotAPI, deps Deps, opts Options, logger zerolog.Logger) (*Bot, error) {
	if api == nil {
		return nil, errors.New("telegram api is nil")
	}
	return newBot(&realTelegramClient{api: api}, deps, opts, logger)
}

// NewWithTelegramClient allows injecting a mocked Telegram client for tests.
func NewWithTelegramClient(tg telegramClient, deps Deps, opts Options, logger zerolog.Logger) (*Bot, error) {
	return newBot(tg, deps, opts, logger)
}

func newBot(tg telegramClient, deps Deps, opts Options, logger zerolog.Logger) (*Bot, error) {
	if tg == nil {
		return nil, errors.New("telegram client is nil")
	}
	if deps.Store == nil || deps.Gate == nil || deps.Booking == nil || deps.Schedule == nil {
		return nil, errors.New("bot dependencies are incomplete")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	admins := make(map[int64]struct{}, len(opts.Admins))
	for _, id := range opts.Admins {
		admins[id] = struct{}{}
	}
	return &Bot{
		tg:     tg,
		deps:   deps,
		admins: admins,
		loc:    opts.Location,
		now:    opts.Now,
		logger: logger.With().Str("component", "bot").Logger(),
		sem:    make(chan struct{}, maxInFlight),
	}, nil
}

// Start polls updates until ctx is done. Updates are handled concurrently,
// at most maxInFlight at a time; Start returns after the running ones finish.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.tg.GetUpdatesChan(u)
	b.logger.Info().Str("username", b.tg.SelfUser().UserName).Msg("Bot authorized")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.tg.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.sem <- struct{}{}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer func() { <-b.sem }()
				b.process(ctx, update)
			}()
		}
	}
}

func (b *Bot) process(ctx context.Context, update tgbotapi.Update) {
	started := time.Now()
	l := b.logger.With().Str("request_id", uuid.New().String()).Logger()
	ctx = l.WithContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Update handler panicked")
		}
	}()

	kind := b.handleUpdate(ctx, &update)
	metrics.ObserveUpdate(kind, started)
}

// handleUpdate returns the update kind for metrics.
func (b *Bot) handleUpdate(ctx context.Context, update *tgbotapi.Update) string {
	l := zerolog.Ctx(ctx)
	switch {
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		l.Debug().Int64("user_id", cq.From.ID).Str("data", cq.Data).Msg("Handling callback query")
		b.handleCallback(ctx, cq)
		return "callback"
	case update.Message != nil && update.Message.From != nil:
		msg := update.Message
		l.Debug().Int64("user_id", msg.From.ID).Str("text", msg.Text).Msg("Handling message")
		b.handleMessage(ctx, msg)
		return "message"
	default:
		return "other"
	}
}

// admit loads the sender and runs the flood gate. It returns nil when the
// update must not reach a conversation.
func (b *Bot) admit(ctx context.Context, from *tgbotapi.User, chatID int64, callbackID string) *model.User {
	l := zerolog.Ctx(ctx)

	if b.deps.Gate.IsBanned(ctx, from.ID) {
		b.answer(callbackID, "")
		b.reply(chatID, b.deps.Gate.BannedNotice())
		return nil
	}

	user, err := b.deps.Store.EnsureUser(ctx, from.ID, from.UserName)
	if err != nil {
		l.Error().Err(err).Int64("user_id", from.ID).Msg("Failed to load user")
		b.answer(callbackID, "")
		b.reply(chatID, errorText)
		return nil
	}
	if _, ok := b.admins[user.ID]; ok {
		user.IsAdmin = true
	}

	decision, err := b.deps.Gate.Check(ctx, user)
	switch {
	case errors.Is(err, model.ErrBanThresholdExceeded):
		l.Warn().Err(err).Msg("User banned for flooding")
		b.alertAdmins(ctx, user)
	case err != nil:
		l.Error().Err(err).Int64("user_id", user.ID).Msg("Flood check failed")
		b.answer(callbackID, "")
		b.reply(chatID, errorText)
		return nil
	}

	switch decision {
	case flood.Banned:
		b.answer(callbackID, "")
		b.reply(chatID, b.deps.Gate.BannedNotice())
		return nil
	case flood.Cooldown:
		if callbackID != "" {
			b.answer(callbackID, b.deps.Gate.CooldownNotice())
		} else {
			b.reply(chatID, b.deps.Gate.CooldownNotice())
		}
		return nil
	}
	return user
}

func (b *Bot) alertAdmins(ctx context.Context, banned *model.User) {
	if b.deps.Notifier == nil {
		return
	}
	ids, err := b.deps.Store.ListAdmins(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to list admins")
	}
	seen := make(map[int64]struct{}, len(ids)+len(b.admins))
	for id := range b.admins {
		ids = append(ids, id)
	}
	text := fmt.Sprintf("🚫 Пользователь %s (id %d) заблокирован за флуд.\nРазблокировать: /activate %d",
		banned.DisplayName(), banned.ID, banned.ID)
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := b.deps.Notifier.Notify(ctx, id, text); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int64("admin_id", id).Msg("Failed to alert admin")
		}
	}
}

func (b *Bot) isAdmin(u *model.User) bool {
	if u.IsAdmin {
		return true
	}
	_, ok := b.admins[u.ID]
	return ok
}
