package bot

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"masterbook/internal/booking"
	"masterbook/internal/flow"
	"masterbook/internal/model"
)

const (
	errorText   = "Произошла ошибка. Попробуйте ещё раз позже."
	restartText = "Что-то пошло не так, начнём сначала."
)

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.From == nil {
		b.answer(cq.ID, "")
		return
	}
	chatID := cq.Message.Chat.ID

	user := b.admit(ctx, cq.From, chatID, cq.ID)
	if user == nil {
		return
	}
	b.answer(cq.ID, "")

	ev := flow.Decode(cq.Data)
	switch ev.Kind {
	case flow.Ignore:
		return
	case booking.KindHandle:
		ev.Arg = cq.From.UserName
	}
	b.dispatch(ctx, user, chatID, cq.Message.MessageID, b.route(user, ev), ev)
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	user := b.admit(ctx, msg.From, chatID, "")
	if user == nil {
		return
	}

	if msg.Contact != nil {
		if msg.Contact.UserID != 0 && msg.Contact.UserID != msg.From.ID {
			b.reply(chatID, "Пожалуйста, отправьте свой собственный номер.")
			return
		}
		b.dispatch(ctx, user, chatID, 0, b.deps.Booking,
			flow.Event{Kind: booking.KindPhone, Arg: msg.Contact.PhoneNumber})
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		b.unrecognized(ctx, user, chatID)
		return
	}
	if b.handleCommand(ctx, user, chatID, text) {
		return
	}

	ev := flow.Event{Kind: flow.Text, Arg: text}
	b.dispatch(ctx, user, chatID, 0, b.route(user, ev), ev)
}

// route picks the conversation owning the user's state. Users without a
// state land in booking, whose initial state is the service menu.
func (b *Bot) route(user *model.User, ev flow.Event) Conversation {
	if ev.Kind == booking.KindMyAppointments {
		return b.deps.Booking
	}
	if b.deps.Schedule.Owns(user.State) {
		return b.deps.Schedule
	}
	return b.deps.Booking
}

// dispatch runs ev through conv and renders the result. messageID is the
// message to edit in place, or 0 to send a new one.
func (b *Bot) dispatch(ctx context.Context, user *model.User, chatID int64, messageID int, conv Conversation, ev flow.Event) {
	wasContact := user.State == string(booking.StateConfirmingContact)

	view, err := conv.Handle(ctx, user, ev)
	if err != nil {
		b.handleError(ctx, user, chatID, err)
		return
	}

	if wasContact && user.State != string(booking.StateConfirmingContact) {
		// Swap the contact request keyboard back to the menu.
		b.sendMenu(chatID, user, "👌")
		messageID = 0
	}
	b.render(chatID, messageID, view)
}

func (b *Bot) handleError(ctx context.Context, user *model.User, chatID int64, err error) {
	l := zerolog.Ctx(ctx)
	switch {
	case errors.Is(err, flow.ErrEventNotAllowed):
		l.Debug().Err(err).Msg("Event not allowed")
		b.unrecognized(ctx, user, chatID)
	case errors.Is(err, model.ErrStateInconsistency):
		l.Warn().Err(err).Int64("user_id", user.ID).Msg("Conversation reset after inconsistent state")
		b.resetConversation(ctx, user)
		b.sendMenu(chatID, user, restartText)
	default:
		l.Error().Err(err).Int64("user_id", user.ID).Str("state", user.State).Msg("Failed to handle event")
		b.reply(chatID, errorText)
	}
}

// unrecognized counts unexpected input and restarts the conversation once
// the user keeps sending it.
func (b *Bot) unrecognized(ctx context.Context, user *model.User, chatID int64) {
	reset, err := b.deps.Gate.Unrecognized(ctx, user)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int64("user_id", user.ID).Msg("Failed to count unrecognized input")
	}
	if !reset {
		b.reply(chatID, b.deps.Gate.UnrecognizedNotice(false))
		return
	}
	b.resetConversation(ctx, user)
	b.sendMenu(chatID, user, b.deps.Gate.UnrecognizedNotice(true))
}

func (b *Bot) resetConversation(ctx context.Context, user *model.User) {
	user.State = ""
	user.Context.Reset()
	if err := b.deps.Store.SaveConversation(ctx, user.ID, user.State, user.Context); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int64("user_id", user.ID).Msg("Failed to reset conversation")
	}
}
