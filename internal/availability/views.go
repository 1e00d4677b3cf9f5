package availability

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"masterbook/internal/calendar"
	"masterbook/internal/flow"
	"masterbook/internal/model"
	"masterbook/internal/notify"
)

var backRow = []flow.Button{flow.Btn("⬅️ Назад", flow.Back, "")}

func (s *Schedule) monthView(ctx context.Context, ss *session) (flow.View, error) {
	c := ss.c()
	marked, err := s.store.MarkedDays(ctx, ss.user.ID, c.Year, c.Month, s.loc)
	if err != nil {
		return flow.View{}, err
	}
	grid := calendar.Render(c.Year, c.Month, marked, s.today(), calendar.ModeMasterView)
	rows := flow.GridRows(grid, flow.GridKinds{Day: KindDay, Prev: KindPrevMonth, Next: KindNextMonth})
	rows = append(rows, []flow.Button{flow.Btn("✏️ Отметить дни", KindEdit, "")})
	return flow.View{
		Text: "Ваше расписание. 🟢 отмечены дни, где есть окна.\nВыберите день, чтобы посмотреть или добавить время.",
		Rows: rows,
	}, nil
}

func (s *Schedule) editView(ss *session) flow.View {
	c := ss.c()
	sel, _ := c.PendingFor(c.Year, c.Month)
	grid := calendar.Render(c.Year, c.Month, sel.Set(), s.today(), calendar.ModeMasterEdit)
	rows := flow.GridRows(grid, flow.GridKinds{Toggle: KindToggle, Prev: KindPrevMonth, Next: KindNextMonth})
	rows = append(rows,
		[]flow.Button{
			flow.Btn("Весь месяц", KindWholeMonth, ""),
			flow.Btn("Будни", KindWeekdays, ""),
			flow.Btn("Выходные", KindWeekends, ""),
		},
		[]flow.Button{
			flow.Btn("🧹 Сбросить", KindReset, ""),
			flow.Btn("⏰ Указать время", KindBulkTime, ""),
		},
		[]flow.Button{flow.Btn("✅ Готово", KindDone, "")},
	)
	return flow.View{
		Text: fmt.Sprintf("Отметьте дни, затем нажмите «Указать время».\nВыбрано дней: %d", sel.Len()),
		Rows: rows,
	}
}

func bulkPrompt(sel model.PendingSelection) flow.View {
	days := make([]string, 0, sel.Len())
	for _, d := range sel.Days {
		days = append(days, strconv.Itoa(d))
	}
	return flow.View{
		Text: fmt.Sprintf("%s %d, дни: %s.\nВведите время в формате ЧЧ:ММ, например 10:00.",
			calendar.MonthName(sel.Month), sel.Year, strings.Join(days, ", ")),
		Rows: [][]flow.Button{backRow},
	}
}

func (s *Schedule) dayView(ctx context.Context, ss *session) (flow.View, error) {
	c := ss.c()
	from, to := model.DayRange(c.Year, c.Month, c.Day, s.loc)
	slots, err := s.store.FindSlots(ctx, model.SlotFilter{MasterID: ss.user.ID, From: from, To: to})
	if err != nil {
		return flow.View{}, err
	}

	const perRow = 3
	rows := make([][]flow.Button, 0, len(slots)/perRow+3)
	var row []flow.Button
	for _, slot := range slots {
		mark := "🟢"
		if slot.IsReserved {
			mark = "🔴"
		}
		row = append(row, flow.Btn(flow.FormatTime(slot.StartsAt.In(s.loc))+" "+mark, KindSlot, slot.ID))
		if len(row) == perRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []flow.Button{flow.Btn("➕ Добавить время", KindAddTime, "")}, backRow)

	text := flow.FormatDate(c.Date(s.loc)) + "\n"
	if len(slots) == 0 {
		text += "Окон нет."
	} else {
		text += "🟢 свободно, 🔴 занято"
	}
	return flow.View{Text: text, Rows: rows}, nil
}

func (s *Schedule) timePrompt(ss *session) flow.View {
	return flow.View{
		Text: fmt.Sprintf("Введите время для %s в формате ЧЧ:ММ, например 10:00.", flow.FormatDate(ss.c().Date(s.loc))),
		Rows: [][]flow.Button{backRow},
	}
}

func (s *Schedule) slotView(ctx context.Context, slot model.Slot) (flow.View, error) {
	text := notify.Appointment(slot, s.loc)
	rows := [][]flow.Button{{
		flow.Btn("🔁 Перенести", KindMove, ""),
		flow.Btn("🗑 Удалить", KindDelete, ""),
	}}
	if slot.IsReserved {
		client, err := s.store.GetUser(ctx, slot.ClientID)
		if err != nil {
			return flow.View{}, err
		}
		text += "\n🔴 Занято\n" + notify.Contact("👤 Клиент", client)
		rows = append(rows, []flow.Button{flow.Btn("❌ Отменить запись", KindCancelSlot, "")})
	} else {
		text += "\n🟢 Свободно"
	}
	rows = append(rows, backRow)
	return flow.View{Text: text, Rows: rows}, nil
}

func movePrompt() flow.View {
	return flow.View{
		Text: "Введите новое время: ЧЧ:ММ (тот же день) или ДД.ММ ЧЧ:ММ.\n" +
			"Если на это время уже есть окно, оно будет заменено.",
		Rows: [][]flow.Button{backRow},
	}
}

func capacityText(ce *model.CapacityError) string {
	var what string
	switch ce.Scope {
	case model.ScopeMasterDay:
		what = fmt.Sprintf("В один день можно добавить не больше %d окон.", ce.Limit)
	case model.ScopeMasterMonth:
		what = fmt.Sprintf("В месяц можно добавить не больше %d окон.", ce.Limit)
	default:
		what = fmt.Sprintf("Превышен лимит: %d.", ce.Limit)
	}
	return what + " Ничего не добавлено. Чтобы увеличить лимит, обратитесь к " + ce.AdminContact + "."
}

func conflictText(ce *model.ConflictError, loc *time.Location) string {
	parts := make([]string, 0, len(ce.Times))
	for _, t := range ce.Times {
		parts = append(parts, t.In(loc).Format("02.01 15:04"))
	}
	return "Ничего не добавлено: такие окна уже есть: " + strings.Join(parts, ", ") + "."
}

func commitText(res *CommitResult) string {
	text := fmt.Sprintf("Добавлено окон: %d.", len(res.Created))
	if len(res.Skipped) == 0 {
		return text
	}
	days := make([]string, 0, len(res.Skipped))
	for _, d := range res.Skipped {
		days = append(days, strconv.Itoa(d))
	}
	return text + "\nПропущены дни, где это время уже прошло: " + strings.Join(days, ", ") + "."
}

func timeErrorText(ve *model.ValidationError) string {
	switch {
	case ve.Field == "date":
		return "Не удалось разобрать дату. Пример: 15.03 10:00"
	case ve.Reason == "in the past" || strings.HasSuffix(ve.Reason, "is in the past"):
		return "Это время уже прошло."
	default:
		return "Не удалось разобрать время. Пример: 10:00"
	}
}
