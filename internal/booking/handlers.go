package booking

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"masterbook/internal/calendar"
	"masterbook/internal/flow"
	"masterbook/internal/metrics"
	"masterbook/internal/model"
	"masterbook/internal/notify"
)

func (f *Flow) start(_ context.Context, s *session, _ flow.Event) (flow.Result, error) {
	s.c().Reset()
	return flow.Result{Next: StatePickingService, View: f.servicesView()}, nil
}

// backToServices keeps the picked service, its filter and the page so that
// picking the same service again resumes the master list.
func (f *Flow) backToServices(_ context.Context, _ *session, _ flow.Event) (flow.Result, error) {
	return flow.Result{Next: StatePickingService, View: f.servicesView()}, nil
}

func (f *Flow) pickService(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	names := f.catalog().Names()
	idx, err := strconv.Atoi(ev.Arg)
	if err != nil || idx < 0 || idx >= len(names) {
		return flow.Stay(StatePickingService, f.servicesView().WithNotice("Услуга не найдена, выберите из списка.")), nil
	}

	c := s.c()
	if c.Service != names[idx] {
		c.Service = names[idx]
		c.SubServices = nil
		c.Page = 1
	}
	return f.toMasters(ctx, s, ev)
}

func (f *Flow) toMasters(ctx context.Context, s *session, _ flow.Event) (flow.Result, error) {
	v, err := f.mastersView(ctx, s)
	if err != nil {
		return flow.Result{}, err
	}
	return flow.Result{Next: StatePickingMaster, View: v}, nil
}

func (f *Flow) nextPage(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	s.c().Page++
	return f.toMasters(ctx, s, ev)
}

func (f *Flow) prevPage(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	if c := s.c(); c.Page > 1 {
		c.Page--
	}
	return f.toMasters(ctx, s, ev)
}

func (f *Flow) openFilter(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	v, ok := f.filterView(s)
	if !ok {
		return f.toMasters(ctx, s, ev)
	}
	return flow.Result{Next: StateFilteringSubServices, View: v}, nil
}

func (f *Flow) toggleSubService(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	svc := f.catalog().Get(s.c().Service)
	if svc == nil {
		return f.start(ctx, s, ev)
	}
	idx, err := strconv.Atoi(ev.Arg)
	if err != nil || idx < 0 || idx >= len(svc.SubServices) {
		return flow.Result{}, nil
	}
	s.c().ToggleSubService(svc.SubServices[idx])
	v, _ := f.filterView(s)
	return flow.Stay(StateFilteringSubServices, v), nil
}

func (f *Flow) applyFilter(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	s.c().Page = 1
	return f.toMasters(ctx, s, ev)
}

func (f *Flow) pickMaster(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	id, err := strconv.ParseInt(ev.Arg, 10, 64)
	if err != nil {
		return flow.Result{}, nil
	}
	master, err := f.store.GetUser(ctx, id)
	if err != nil {
		return flow.Result{}, err
	}
	if master == nil || !master.IsMaster || !master.IsActive {
		v, err := f.mastersView(ctx, s)
		if err != nil {
			return flow.Result{}, err
		}
		return flow.Stay(StatePickingMaster, v.WithNotice("Мастер сейчас недоступен.")), nil
	}

	c := s.c()
	c.MasterID = id
	today := f.today()
	c.SetMonth(today.Year(), today.Month())
	return f.toDay(ctx, s, ev)
}

func (f *Flow) toDay(ctx context.Context, s *session, _ flow.Event) (flow.Result, error) {
	return f.dayResult(ctx, s, "")
}

func (f *Flow) dayResult(ctx context.Context, s *session, notice string) (flow.Result, error) {
	s.c().Day = 0
	v, err := f.dayView(ctx, s)
	if err != nil {
		return flow.Result{}, err
	}
	return flow.Result{Next: StatePickingDay, View: v.WithNotice(notice)}, nil
}

func (f *Flow) nextMonth(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	c := s.c()
	c.SetMonth(calendar.Next(c.Year, c.Month))
	return f.toDay(ctx, s, ev)
}

func (f *Flow) prevMonth(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	c := s.c()
	y, m, err := calendar.Prev(c.Year, c.Month, f.today())
	if err != nil {
		return flow.Result{}, nil
	}
	c.SetMonth(y, m)
	return f.toDay(ctx, s, ev)
}

func (f *Flow) pickDay(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	c := s.c()
	day, err := strconv.Atoi(ev.Arg)
	if err != nil || day < 1 || day > model.DaysIn(c.Year, c.Month) {
		return flow.Result{}, nil
	}
	c.Day = day
	return f.timesResult(ctx, s, "")
}

func (f *Flow) toTimes(ctx context.Context, s *session, _ flow.Event) (flow.Result, error) {
	return f.timesResult(ctx, s, "")
}

// timesResult shows the open times of the picked day, or falls back to the
// day calendar when none are left.
func (f *Flow) timesResult(ctx context.Context, s *session, notice string) (flow.Result, error) {
	v, n, err := f.timesView(ctx, s)
	if err != nil {
		return flow.Result{}, err
	}
	if n == 0 {
		if notice != "" {
			notice += "\n"
		}
		return f.dayResult(ctx, s, notice+"На этот день свободного времени нет, выберите другой.")
	}
	return flow.Result{Next: StatePickingTime, View: v.WithNotice(notice)}, nil
}

func (f *Flow) pickTime(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	c := s.c()
	slot, err := f.store.GetSlot(ctx, ev.Arg)
	switch {
	case errors.Is(err, model.ErrSlotNotFound):
		return f.dayResult(ctx, s, "Это время больше недоступно, выберите другое.")
	case err != nil:
		return flow.Result{}, err
	}
	if slot.MasterID != c.MasterID || !slot.StartsAt.After(f.now()) {
		return f.dayResult(ctx, s, "Это время больше недоступно, выберите другое.")
	}
	if slot.IsReserved {
		metrics.IncSlotClaim("already_reserved")
		return f.dayResult(ctx, s, "Это время уже заняли, выберите другое.")
	}

	local := slot.StartsAt.In(f.opts.Location)
	if f.opts.MaxPerDay > 0 {
		n, err := f.store.CountClientDay(ctx, s.user.ID, c.MasterID,
			local.Year(), local.Month(), local.Day(), f.opts.Location)
		if err != nil {
			return flow.Result{}, err
		}
		if n >= f.opts.MaxPerDay {
			metrics.IncSlotClaim("capacity")
			return f.dayResult(ctx, s, fmt.Sprintf(
				"Нельзя записаться к одному мастеру больше %d раз(а) в день. Если нужно больше, обратитесь к %s.",
				f.opts.MaxPerDay, f.opts.AdminContact))
		}
	}

	if !s.user.HasContact() {
		return flow.Result{Next: StateConfirmingContact, View: contactView()}, nil
	}

	claimed, err := f.store.ClaimSlot(ctx, slot.ID, s.user.ID, c.Service)
	switch {
	case errors.Is(err, model.ErrAlreadyReserved):
		metrics.IncSlotClaim("already_reserved")
		return f.dayResult(ctx, s, "Это время уже заняли, выберите другое.")
	case errors.Is(err, model.ErrSlotNotFound):
		return f.dayResult(ctx, s, "Это время больше недоступно, выберите другое.")
	case err != nil:
		return flow.Result{}, err
	}
	metrics.IncSlotClaim("ok")

	master, err := f.store.GetUser(ctx, claimed.MasterID)
	if err != nil {
		f.logger.Warn().Err(err).Int64("master_id", claimed.MasterID).Msg("load master")
	}
	f.notify(ctx, claimed.MasterID, notify.NewBooking(*claimed, s.user, f.opts.Location))

	c.SlotID = claimed.ID
	return flow.Result{
		Next: StateReserved,
		View: flow.View{
			Text: notify.Booked(*claimed, master, f.opts.Location),
			Rows: [][]flow.Button{
				{flow.Btn("📌 Мои записи", KindMyAppointments, "")},
				{flow.Btn("➕ Записаться ещё", flow.Start, "")},
			},
		},
	}, nil
}

func (f *Flow) sharePhone(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	phone, err := model.NormalizePhone(ev.Arg)
	if err != nil {
		if _, ok := model.AsValidation(err); ok {
			return flow.Stay(StateConfirmingContact,
				contactView().WithNotice("Не удалось распознать номер. Пример: +79991234567")), nil
		}
		return flow.Result{}, err
	}
	if err := f.store.SetPhone(ctx, s.user.ID, phone); err != nil {
		return flow.Result{}, err
	}
	s.user.Phone = phone
	return f.timesResult(ctx, s, "Контакт сохранён.")
}

// shareHandle accepts the Telegram username the client has just set.
func (f *Flow) shareHandle(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	if ev.Arg == "" {
		return flow.Stay(StateConfirmingContact,
			contactView().WithNotice("У вас не задан username в Telegram. Задайте его в настройках или поделитесь телефоном.")), nil
	}
	if err := f.store.SetUsername(ctx, s.user.ID, ev.Arg); err != nil {
		return flow.Result{}, err
	}
	s.user.Username = ev.Arg
	return f.timesResult(ctx, s, "Контакт сохранён.")
}
