package bot

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"masterbook/internal/flow"
	"masterbook/internal/model"
)

const (
	btnBook     = "📅 Записаться"
	btnMy       = "📌 Мои записи"
	btnSchedule = "🗓 Моё расписание"
	btnHelp     = "ℹ️ Помощь"
)

func mainMenu(u *model.User) tgbotapi.ReplyKeyboardMarkup {
	rows := [][]tgbotapi.KeyboardButton{
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnBook),
			tgbotapi.NewKeyboardButton(btnMy),
		),
	}
	if u.IsMaster {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnSchedule)))
	}
	rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnHelp)))

	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.ResizeKeyboard = true
	return kb
}

func contactKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(tgbotapi.NewKeyboardButtonRow(
		tgbotapi.NewKeyboardButtonContact("📱 Поделиться номером"),
	))
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func inlineKeyboard(rows [][]flow.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Action))
		}
		out = append(out, btns)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: out}
}

// render shows v, editing messageID in place when possible.
func (b *Bot) render(chatID int64, messageID int, v flow.View) {
	if v.Empty() {
		return
	}

	if v.RequestContact {
		msg := tgbotapi.NewMessage(chatID, v.Text)
		msg.ReplyMarkup = contactKeyboard()
		b.send(msg)
		if len(v.Rows) > 0 {
			extra := tgbotapi.NewMessage(chatID, "Другие варианты:")
			extra.ReplyMarkup = inlineKeyboard(v.Rows)
			b.send(extra)
		}
		return
	}

	if messageID != 0 {
		var edit tgbotapi.EditMessageTextConfig
		if len(v.Rows) > 0 {
			edit = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, v.Text, inlineKeyboard(v.Rows))
		} else {
			edit = tgbotapi.NewEditMessageText(chatID, messageID, v.Text)
		}
		_, err := b.tg.Request(edit)
		if err == nil || strings.Contains(err.Error(), "message is not modified") {
			return
		}
		b.logger.Debug().Err(err).Msg("Edit failed, sending a new message")
	}

	msg := tgbotapi.NewMessage(chatID, v.Text)
	if len(v.Rows) > 0 {
		msg.ReplyMarkup = inlineKeyboard(v.Rows)
	}
	b.send(msg)
}

func (b *Bot) sendMenu(chatID int64, u *model.User, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = mainMenu(u)
	b.send(msg)
}

func (b *Bot) reply(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.tg.Send(c); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to send message")
	}
}

func (b *Bot) answer(callbackID, text string) {
	if callbackID == "" {
		return
	}
	if _, err := b.tg.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to answer callback")
	}
}
