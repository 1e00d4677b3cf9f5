package booking

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"masterbook/internal/calendar"
	"masterbook/internal/flow"
	"masterbook/internal/model"
)

var backRow = []flow.Button{flow.Btn("⬅️ Назад", flow.Back, "")}

func (f *Flow) servicesView() flow.View {
	names := f.catalog().Names()
	if len(names) == 0 {
		return flow.View{Text: "Список услуг пока пуст. Обратитесь к " + f.opts.AdminContact + "."}
	}
	rows := make([][]flow.Button, 0, len(names)+1)
	for i, name := range names {
		rows = append(rows, []flow.Button{flow.Btn(name, KindService, strconv.Itoa(i))})
	}
	rows = append(rows, []flow.Button{flow.Btn("📌 Мои записи", KindMyAppointments, "")})
	return flow.View{Text: "Выберите услугу:", Rows: rows}
}

func (f *Flow) mastersView(ctx context.Context, s *session) (flow.View, error) {
	c := s.c()
	if c.Page < 1 {
		c.Page = 1
	}
	masters, hasNext, err := f.store.ListMasters(ctx, model.MasterFilter{
		Service:     c.Service,
		SubServices: c.SubServices,
		Offset:      (c.Page - 1) * f.opts.PageSize,
		Limit:       f.opts.PageSize,
	})
	if err != nil {
		return flow.View{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Услуга: %s", c.Service)
	if len(c.SubServices) > 0 {
		fmt.Fprintf(&b, "\nФильтр: %s", strings.Join(c.SubServices, ", "))
	}
	if len(masters) == 0 {
		b.WriteString("\n\nМастеров по выбранным параметрам пока нет.")
	} else {
		b.WriteString("\n\nВыберите мастера:")
	}

	rows := make([][]flow.Button, 0, len(masters)+3)
	for _, m := range masters {
		rows = append(rows, []flow.Button{flow.Btn(m.DisplayName(), KindMaster, strconv.FormatInt(m.ID, 10))})
	}
	var nav []flow.Button
	if c.Page > 1 {
		nav = append(nav, flow.Btn("⬅️", KindPrevPage, ""))
	}
	if hasNext {
		nav = append(nav, flow.Btn("➡️", KindNextPage, ""))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	if f.catalog().HasSubServices(c.Service) {
		rows = append(rows, []flow.Button{flow.Btn("🔎 Фильтр", KindFilter, "")})
	}
	rows = append(rows, backRow)
	return flow.View{Text: b.String(), Rows: rows}, nil
}

func (f *Flow) filterView(s *session) (flow.View, bool) {
	c := s.c()
	svc := f.catalog().Get(c.Service)
	if svc == nil || len(svc.SubServices) == 0 {
		return flow.View{}, false
	}
	rows := make([][]flow.Button, 0, len(svc.SubServices)+2)
	for i, sub := range svc.SubServices {
		label := sub
		if c.HasSubService(sub) {
			label = "✅ " + sub
		}
		rows = append(rows, []flow.Button{flow.Btn(label, KindSubService, strconv.Itoa(i))})
	}
	rows = append(rows, []flow.Button{flow.Btn("Применить", KindApplyFilter, "")}, backRow)
	return flow.View{Text: "Отметьте нужные процедуры:", Rows: rows}, true
}

func (f *Flow) dayView(ctx context.Context, s *session) (flow.View, error) {
	c := s.c()
	days, err := f.store.OpenDays(ctx, c.MasterID, c.Year, c.Month, f.opts.Location)
	if err != nil {
		return flow.View{}, err
	}
	grid := calendar.Render(c.Year, c.Month, days, f.today(), calendar.ModeClient)
	rows := flow.GridRows(grid, flow.GridKinds{Day: KindDay, Prev: KindPrevMonth, Next: KindNextMonth})
	rows = append(rows, backRow)

	text := "Выберите удобный день:"
	if len(days) == 0 {
		text += "\nВ этом месяце свободных окон нет."
	}
	return flow.View{Text: text, Rows: rows}, nil
}

// timesView returns the open times of the picked day and how many there are.
func (f *Flow) timesView(ctx context.Context, s *session) (flow.View, int, error) {
	c := s.c()
	slots, err := f.store.OpenTimes(ctx, c.MasterID, c.Year, c.Month, c.Day, f.opts.Location)
	if err != nil {
		return flow.View{}, 0, err
	}

	const perRow = 3
	rows := make([][]flow.Button, 0, len(slots)/perRow+2)
	var row []flow.Button
	for _, slot := range slots {
		row = append(row, flow.Btn(flow.FormatTime(slot.StartsAt.In(f.opts.Location)), KindTime, slot.ID))
		if len(row) == perRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, backRow)

	text := fmt.Sprintf("Дата: %s\nВыберите время:", flow.FormatDate(c.Date(f.opts.Location)))
	return flow.View{Text: text, Rows: rows}, len(slots), nil
}

func contactView() flow.View {
	return flow.View{
		Text: "Чтобы мастер мог с вами связаться, поделитесь номером телефона кнопкой ниже " +
			"или отправьте его сообщением.\n" +
			"Можно вместо этого задать username в настройках Telegram и нажать «Использовать username».",
		Rows: [][]flow.Button{
			{flow.Btn("Использовать username", KindHandle, "")},
			backRow,
		},
		RequestContact: true,
	}
}

func (f *Flow) appointmentsView(ctx context.Context, s *session) (flow.View, error) {
	c := s.c()
	from, to := model.MonthRange(c.Year, c.Month, f.opts.Location)
	slots, err := f.store.UpcomingAppointments(ctx, s.user.ID, from, to)
	if err != nil {
		return flow.View{}, err
	}

	title := fmt.Sprintf("Ваши записи, %s %d:", calendar.MonthName(c.Month), c.Year)
	if len(slots) == 0 {
		title = fmt.Sprintf("На %s %d записей нет.", strings.ToLower(calendar.MonthName(c.Month)), c.Year)
	}

	rows := make([][]flow.Button, 0, len(slots)+2)
	for _, slot := range slots {
		at := slot.StartsAt.In(f.opts.Location)
		label := at.Format("02.01 15:04")
		if slot.Service != "" {
			label += " " + slot.Service
		}
		rows = append(rows, []flow.Button{flow.Btn(label, KindAppointment, slot.ID)})
	}

	var nav []flow.Button
	if _, _, err := calendar.Prev(c.Year, c.Month, f.today()); err == nil {
		nav = append(nav, flow.Btn("◀️", KindPrevMonth, ""))
	}
	nav = append(nav, flow.Btn("▶️", KindNextMonth, ""))
	rows = append(rows, nav, []flow.Button{flow.Btn("⬅️ В меню", flow.Start, "")})
	return flow.View{Text: title, Rows: rows}, nil
}
