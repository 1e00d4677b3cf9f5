package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"masterbook/internal/booking"
	"masterbook/internal/calendar"
	"masterbook/internal/config"
	"masterbook/internal/flow"
	"masterbook/internal/model"
)

const helpText = `Команды:
/book — записаться к мастеру
/my — мои записи
/name Имя — указать имя
/phone +79991234567 — указать телефон
/cancel — вернуться в меню

Для мастеров:
/schedule — расписание
/about текст — рассказать о себе
/services Услуга: Вид, Вид; Услуга2 — список услуг
/export ММ.ГГГГ — выгрузить расписание в Excel`

const adminHelpText = `

Для администраторов:
/activate id, /deactivate id — разблокировать или заблокировать пользователя
/add_master id, /remove_master id — выдать или снять роль мастера`

// profileField is a /command that sets one profile field.
type profileField struct {
	normalize  func(string) (string, error)
	save       func(ctx context.Context, id int64, v string) error
	masterOnly bool
	usage      string
	done       string
	echo       bool
}

func (b *Bot) profileFields() map[string]profileField {
	return map[string]profileField{
		"/name": {
			normalize: model.NormalizeName,
			save:      b.deps.Store.SetName,
			usage:     "Укажите имя: /name Анна. Допустимы буквы и пробелы, до 50 символов.",
			done:      "Имя сохранено: ",
			echo:      true,
		},
		"/phone": {
			normalize: model.NormalizePhone,
			save:      b.deps.Store.SetPhone,
			usage:     "Укажите телефон: /phone +79991234567",
			done:      "Телефон сохранён: ",
			echo:      true,
		},
		"/about": {
			normalize:  model.NormalizeDescription,
			save:       b.deps.Store.SetDescription,
			masterOnly: true,
			usage:      "Расскажите о себе: /about текст до 500 символов.",
			done:       "Описание сохранено.",
		},
	}
}

// handleCommand runs menu buttons and slash commands. It reports whether
// text was consumed.
func (b *Bot) handleCommand(ctx context.Context, user *model.User, chatID int64, text string) bool {
	switch text {
	case btnBook:
		b.dispatch(ctx, user, chatID, 0, b.deps.Booking, flow.Event{Kind: flow.Start})
		return true
	case btnMy:
		b.dispatch(ctx, user, chatID, 0, b.deps.Booking, flow.Event{Kind: booking.KindMyAppointments})
		return true
	case btnSchedule:
		b.openSchedule(ctx, user, chatID)
		return true
	case btnHelp:
		b.help(user, chatID)
		return true
	}

	if !strings.HasPrefix(text, "/") {
		return false
	}
	cmd, arg := splitCommand(text)

	if f, ok := b.profileFields()[cmd]; ok {
		b.setProfileField(ctx, user, chatID, f, arg)
		return true
	}

	switch cmd {
	case "/start":
		b.resetConversation(ctx, user)
		b.sendMenu(chatID, user, "Здравствуйте! Здесь можно записаться к мастеру. Выберите действие в меню.")
	case "/cancel":
		b.resetConversation(ctx, user)
		b.sendMenu(chatID, user, "Действие отменено.")
	case "/help":
		b.help(user, chatID)
	case "/book":
		b.dispatch(ctx, user, chatID, 0, b.deps.Booking, flow.Event{Kind: flow.Start})
	case "/my":
		b.dispatch(ctx, user, chatID, 0, b.deps.Booking, flow.Event{Kind: booking.KindMyAppointments})
	case "/schedule":
		b.openSchedule(ctx, user, chatID)
	case "/services":
		b.setServices(ctx, user, chatID, arg)
	case "/export":
		b.export(ctx, user, chatID, arg)
	case "/activate", "/deactivate", "/add_master", "/remove_master":
		b.adminCommand(ctx, user, chatID, cmd, arg)
	default:
		b.unrecognized(ctx, user, chatID)
	}
	return true
}

// splitCommand separates "/cmd@bot arg" into "/cmd" and "arg".
func splitCommand(text string) (string, string) {
	cmd, arg, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func (b *Bot) help(user *model.User, chatID int64) {
	text := helpText
	if b.isAdmin(user) {
		text += adminHelpText
	}
	b.reply(chatID, text)
}

func (b *Bot) openSchedule(ctx context.Context, user *model.User, chatID int64) {
	if !user.IsMaster {
		b.reply(chatID, "Раздел доступен только мастерам.")
		return
	}
	b.dispatch(ctx, user, chatID, 0, b.deps.Schedule, flow.Event{Kind: flow.Start})
}

func (b *Bot) setProfileField(ctx context.Context, user *model.User, chatID int64, f profileField, arg string) {
	if f.masterOnly && !user.IsMaster {
		b.reply(chatID, "Команда доступна только мастерам.")
		return
	}
	v, err := f.normalize(arg)
	if err != nil {
		if !errors.Is(err, model.ErrValidation) {
			b.fail(ctx, chatID, err)
			return
		}
		b.reply(chatID, f.usage)
		return
	}
	if err := f.save(ctx, user.ID, v); err != nil {
		b.fail(ctx, chatID, err)
		return
	}
	if f.echo {
		b.reply(chatID, f.done+v)
		return
	}
	b.reply(chatID, f.done)
}

func (b *Bot) setServices(ctx context.Context, user *model.User, chatID int64, arg string) {
	if !user.IsMaster {
		b.reply(chatID, "Команда доступна только мастерам.")
		return
	}
	catalog := b.deps.Catalog()

	offered, err := model.ParseServiceList(arg)
	if err != nil {
		b.reply(chatID, "Укажите услуги: /services Маникюр: Классический, Гель-лак; Стрижка\n\n"+catalogText(catalog))
		return
	}
	if err := catalog.Check(offered); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Services rejected")
		b.reply(chatID, "Такой услуги нет в каталоге.\n\n"+catalogText(catalog))
		return
	}
	if err := b.deps.Store.SetServices(ctx, user.ID, offered); err != nil {
		b.fail(ctx, chatID, err)
		return
	}
	user.Services = offered
	b.reply(chatID, "Услуги сохранены: "+strings.Join(user.ServiceNames(), ", "))
}

func catalogText(c *config.ServicesConfig) string {
	var sb strings.Builder
	sb.WriteString("Доступные услуги:")
	for _, svc := range c.Services {
		sb.WriteString("\n• ")
		sb.WriteString(svc.Name)
		if len(svc.SubServices) > 0 {
			sb.WriteString(": ")
			sb.WriteString(strings.Join(svc.SubServices, ", "))
		}
	}
	return sb.String()
}

func (b *Bot) export(ctx context.Context, user *model.User, chatID int64, arg string) {
	if !user.IsMaster {
		b.reply(chatID, "Команда доступна только мастерам.")
		return
	}
	if b.deps.Exporter == nil {
		b.reply(chatID, "Выгрузка отключена.")
		return
	}

	month := b.now().In(b.loc)
	if arg != "" {
		t, err := time.ParseInLocation("01.2006", arg, b.loc)
		if err != nil {
			b.reply(chatID, "Укажите месяц в формате ММ.ГГГГ, например /export 03.2025")
			return
		}
		month = t
	}

	path, err := b.deps.Exporter.MonthFile(ctx, user.ID, month.Year(), month.Month())
	if err != nil {
		b.fail(ctx, chatID, err)
		return
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = fmt.Sprintf("Расписание, %s %d", calendar.MonthName(month.Month()), month.Year())
	b.send(doc)
}

func (b *Bot) adminCommand(ctx context.Context, user *model.User, chatID int64, cmd, arg string) {
	if !b.isAdmin(user) {
		b.reply(chatID, "Команда доступна только администраторам.")
		return
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		b.reply(chatID, fmt.Sprintf("Укажите id пользователя: %s 123456789", cmd))
		return
	}

	var (
		done   string
		notice string
	)
	switch cmd {
	case "/activate":
		err = b.deps.Gate.Activate(ctx, id)
		done, notice = "Пользователь %d активирован.", "Ваш аккаунт снова активен."
	case "/deactivate":
		err = b.deps.Gate.Deactivate(ctx, id)
		done = "Пользователь %d деактивирован."
	case "/add_master":
		err = b.deps.Store.SetMaster(ctx, id, true)
		done, notice = "Пользователь %d теперь мастер.", "Вам открыт раздел мастера. Нажмите /start, чтобы обновить меню."
	case "/remove_master":
		err = b.deps.Store.SetMaster(ctx, id, false)
		done = "Пользователь %d больше не мастер."
	}

	switch {
	case errors.Is(err, model.ErrUserNotFound):
		b.reply(chatID, fmt.Sprintf("Пользователь %d не найден.", id))
		return
	case err != nil:
		b.fail(ctx, chatID, err)
		return
	}

	zerolog.Ctx(ctx).Info().Int64("admin_id", user.ID).Int64("target_id", id).Str("command", cmd).Msg("Admin command")
	b.reply(chatID, fmt.Sprintf(done, id))
	if notice != "" && b.deps.Notifier != nil {
		if err := b.deps.Notifier.Notify(ctx, id, notice); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int64("user_id", id).Msg("Failed to notify user")
		}
	}
}

func (b *Bot) fail(ctx context.Context, chatID int64, err error) {
	zerolog.Ctx(ctx).Error().Err(err).Msg("Command failed")
	b.reply(chatID, errorText)
}
