package booking

import (
	"context"
	"errors"

	"masterbook/internal/calendar"
	"masterbook/internal/flow"
	"masterbook/internal/metrics"
	"masterbook/internal/model"
	"masterbook/internal/notify"
)

func (f *Flow) myAppointments(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	c := s.c()
	c.Reset()
	today := f.today()
	c.SetMonth(today.Year(), today.Month())
	return f.toAppointments(ctx, s, ev)
}

func (f *Flow) toAppointments(ctx context.Context, s *session, _ flow.Event) (flow.Result, error) {
	return f.appointmentsResult(ctx, s, "")
}

func (f *Flow) appointmentsResult(ctx context.Context, s *session, notice string) (flow.Result, error) {
	s.c().SlotID = ""
	v, err := f.appointmentsView(ctx, s)
	if err != nil {
		return flow.Result{}, err
	}
	return flow.Result{Next: StateMyAppointments, View: v.WithNotice(notice)}, nil
}

func (f *Flow) nextAppointmentsMonth(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	c := s.c()
	c.SetMonth(calendar.Next(c.Year, c.Month))
	return f.toAppointments(ctx, s, ev)
}

func (f *Flow) prevAppointmentsMonth(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	c := s.c()
	y, m, err := calendar.Prev(c.Year, c.Month, f.today())
	if err != nil {
		return flow.Result{}, nil
	}
	c.SetMonth(y, m)
	return f.toAppointments(ctx, s, ev)
}

// ownSlot loads a reservation of the session user; anything else reads as gone.
func (f *Flow) ownSlot(ctx context.Context, s *session, id string) (*model.Slot, error) {
	slot, err := f.store.GetSlot(ctx, id)
	if errors.Is(err, model.ErrSlotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !slot.IsReserved || slot.ClientID != s.user.ID {
		return nil, nil
	}
	return slot, nil
}

func (f *Flow) openAppointment(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	slot, err := f.ownSlot(ctx, s, ev.Arg)
	if err != nil {
		return flow.Result{}, err
	}
	if slot == nil {
		return f.appointmentsResult(ctx, s, "Запись не найдена.")
	}

	master, err := f.store.GetUser(ctx, slot.MasterID)
	if err != nil {
		return flow.Result{}, err
	}
	s.c().SlotID = slot.ID
	return flow.Result{
		Next: StateAppointmentDetails,
		View: flow.View{
			Text: notify.Appointment(*slot, f.opts.Location) + "\n" + notify.Contact("👤 Мастер", master),
			Rows: [][]flow.Button{
				{flow.Btn("❌ Отменить запись", KindCancelAppointment, slot.ID)},
				{flow.Btn("⬅️ Назад", flow.Back, "")},
			},
		},
	}, nil
}

func (f *Flow) cancelAppointment(ctx context.Context, s *session, ev flow.Event) (flow.Result, error) {
	slot, err := f.ownSlot(ctx, s, ev.Arg)
	if err != nil {
		return flow.Result{}, err
	}
	if slot == nil {
		return f.appointmentsResult(ctx, s, "Запись уже отменена.")
	}

	if _, err := f.store.ReleaseSlot(ctx, slot.ID, s.user.ID); err != nil {
		if errors.Is(err, model.ErrStateInconsistency) {
			return f.appointmentsResult(ctx, s, "Запись уже отменена.")
		}
		return flow.Result{}, err
	}
	metrics.IncCancellation("client")
	f.logger.Info().Str("slot_id", slot.ID).Int64("client_id", s.user.ID).Msg("reservation cancelled by client")

	f.notify(ctx, slot.MasterID, notify.CancelledByClient(*slot, s.user, f.opts.Location))
	return f.appointmentsResult(ctx, s, "Запись отменена.")
}
