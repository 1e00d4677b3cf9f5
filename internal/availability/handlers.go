package availability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"masterbook/internal/calendar"
	"masterbook/internal/database"
	"masterbook/internal/flow"
	"masterbook/internal/metrics"
	"masterbook/internal/model"
	"masterbook/internal/notify"
)

func (s *Schedule) start(ctx context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	c := ss.c()
	c.Reset()
	today := s.today()
	c.SetMonth(today.Year(), today.Month())
	return s.monthResult(ctx, ss, "")
}

func (s *Schedule) toMonth(ctx context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	c := ss.c()
	c.EditMode = false
	c.SlotID = ""
	if !c.HasMonth() {
		today := s.today()
		c.SetMonth(today.Year(), today.Month())
	}
	return s.monthResult(ctx, ss, "")
}

func (s *Schedule) monthResult(ctx context.Context, ss *session, notice string) (flow.Result, error) {
	ss.c().Day = 0
	v, err := s.monthView(ctx, ss)
	if err != nil {
		return flow.Result{}, err
	}
	return flow.Result{Next: StateViewingMonth, View: v.WithNotice(notice)}, nil
}

func (s *Schedule) editResult(ss *session, notice string) (flow.Result, error) {
	return flow.Result{Next: StateEditingMonth, View: s.editView(ss).WithNotice(notice)}, nil
}

// monthOrEdit re-renders whichever month screen the master is on.
func (s *Schedule) monthOrEdit(ctx context.Context, ss *session) (flow.Result, error) {
	if ss.c().EditMode {
		return s.editResult(ss, "")
	}
	return s.monthResult(ctx, ss, "")
}

func (s *Schedule) nextMonth(ctx context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	c := ss.c()
	c.SetMonth(calendar.Next(c.Year, c.Month))
	return s.monthOrEdit(ctx, ss)
}

func (s *Schedule) prevMonth(ctx context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	c := ss.c()
	y, m, err := calendar.Prev(c.Year, c.Month, s.today())
	if err != nil {
		return flow.Result{}, nil
	}
	c.SetMonth(y, m)
	return s.monthOrEdit(ctx, ss)
}

func (s *Schedule) openDay(ctx context.Context, ss *session, ev flow.Event) (flow.Result, error) {
	c := ss.c()
	day, err := strconv.Atoi(ev.Arg)
	if err != nil || day < 1 || day > model.DaysIn(c.Year, c.Month) {
		return flow.Result{}, nil
	}
	c.Day = day
	return s.dayResult(ctx, ss, "")
}

func (s *Schedule) toDay(ctx context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	return s.dayResult(ctx, ss, "")
}

func (s *Schedule) dayResult(ctx context.Context, ss *session, notice string) (flow.Result, error) {
	ss.c().SlotID = ""
	v, err := s.dayView(ctx, ss)
	if err != nil {
		return flow.Result{}, err
	}
	return flow.Result{Next: StateViewingDay, View: v.WithNotice(notice)}, nil
}

func (s *Schedule) enterEdit(_ context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	ss.c().EditMode = true
	return s.editResult(ss, "")
}

func (s *Schedule) leaveEdit(ctx context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	ss.c().EditMode = false
	return s.monthResult(ctx, ss, "")
}

func (s *Schedule) toEdit(_ context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	return s.editResult(ss, "")
}

func (s *Schedule) toggleDay(_ context.Context, ss *session, ev flow.Event) (flow.Result, error) {
	day, err := strconv.Atoi(ev.Arg)
	if err != nil {
		return flow.Result{}, nil
	}
	if err := s.editor.ToggleDay(ss.c(), day); err != nil {
		if _, ok := model.AsValidation(err); ok {
			return flow.Result{}, nil
		}
		return flow.Result{}, err
	}
	return s.editResult(ss, "")
}

func (s *Schedule) selectWith(apply func(*model.ConversationContext)) flow.Handler[*session] {
	return func(_ context.Context, ss *session, _ flow.Event) (flow.Result, error) {
		apply(ss.c())
		return s.editResult(ss, "")
	}
}

func (s *Schedule) resetSelection(_ context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	if err := s.editor.Reset(ss.c()); err != nil {
		if errors.Is(err, model.ErrNothingToReset) {
			return s.editResult(ss, "Нечего сбрасывать: дни не выбраны.")
		}
		return flow.Result{}, err
	}
	return s.editResult(ss, "Выбор сброшен.")
}

func (s *Schedule) askBulkTime(_ context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	c := ss.c()
	sel, _ := c.PendingFor(c.Year, c.Month)
	if sel.Empty() {
		return s.editResult(ss, "Сначала отметьте дни в календаре.")
	}
	return flow.Result{Next: StateAddingTimeBulk, View: bulkPrompt(sel)}, nil
}

func (s *Schedule) commit(ctx context.Context, ss *session, ev flow.Event) (flow.Result, error) {
	c := ss.c()
	sel, _ := c.PendingFor(c.Year, c.Month)

	res, err := s.editor.Commit(ctx, ss.user.ID, c, ev.Arg)
	if err != nil {
		if ve, ok := model.AsValidation(err); ok {
			if ve.Field == "days" {
				return s.editResult(ss, "Сначала отметьте дни в календаре.")
			}
			return flow.Stay(StateAddingTimeBulk, bulkPrompt(sel).WithNotice(timeErrorText(ve))), nil
		}
		if ce, ok := model.AsCapacity(err); ok {
			return s.editResult(ss, capacityText(ce))
		}
		if ce, ok := model.AsConflict(err); ok {
			return s.editResult(ss, conflictText(ce, s.loc))
		}
		return flow.Result{}, err
	}

	s.logger.Info().Int64("master_id", ss.user.ID).Int("created", len(res.Created)).
		Ints("skipped", res.Skipped).Msg("availability committed")
	c.EditMode = false
	return s.monthResult(ctx, ss, commitText(res))
}

func (s *Schedule) askTime(_ context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	return flow.Result{Next: StateAddingTime, View: s.timePrompt(ss)}, nil
}

func (s *Schedule) addTime(ctx context.Context, ss *session, ev flow.Event) (flow.Result, error) {
	c := ss.c()
	slot, err := s.editor.AddOne(ctx, ss.user.ID, c.Year, c.Month, c.Day, ev.Arg)
	switch {
	case err == nil:
		return s.dayResult(ctx, ss, "Добавлено: "+flow.FormatTime(slot.StartsAt.In(s.loc)))
	case errors.Is(err, model.ErrUniqueViolation):
		return flow.Stay(StateAddingTime, s.timePrompt(ss).WithNotice("Такое время уже есть.")), nil
	}
	if ve, ok := model.AsValidation(err); ok {
		return flow.Stay(StateAddingTime, s.timePrompt(ss).WithNotice(timeErrorText(ve))), nil
	}
	if ce, ok := model.AsCapacity(err); ok {
		return s.dayResult(ctx, ss, capacityText(ce))
	}
	return flow.Result{}, err
}

// ownSlot loads a slot of the session master; foreign or missing slots read as nil.
func (s *Schedule) ownSlot(ctx context.Context, ss *session, id string) (*model.Slot, error) {
	slot, err := s.store.GetSlot(ctx, id)
	if errors.Is(err, model.ErrSlotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if slot.MasterID != ss.user.ID {
		return nil, nil
	}
	return slot, nil
}

func (s *Schedule) openSlot(ctx context.Context, ss *session, ev flow.Event) (flow.Result, error) {
	slot, err := s.ownSlot(ctx, ss, ev.Arg)
	if err != nil {
		return flow.Result{}, err
	}
	if slot == nil {
		return s.dayResult(ctx, ss, "Окно не найдено.")
	}
	ss.c().SlotID = slot.ID
	v, err := s.slotView(ctx, *slot)
	if err != nil {
		return flow.Result{}, err
	}
	return flow.Result{Next: StateViewingSlot, View: v}, nil
}

func (s *Schedule) toSlot(ctx context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	return s.openSlot(ctx, ss, flow.Event{Kind: KindSlot, Arg: ss.c().SlotID})
}

func (s *Schedule) askMove(_ context.Context, _ *session, _ flow.Event) (flow.Result, error) {
	return flow.Result{Next: StateMovingSlot, View: movePrompt()}, nil
}

func (s *Schedule) moveSlot(ctx context.Context, ss *session, ev flow.Event) (flow.Result, error) {
	slot, err := s.ownSlot(ctx, ss, ss.c().SlotID)
	if err != nil {
		return flow.Result{}, err
	}
	if slot == nil {
		return s.dayResult(ctx, ss, "Окно не найдено.")
	}

	target, err := parseMoveTarget(ev.Arg, slot.StartsAt.In(s.loc))
	if err == nil && !target.After(s.now()) {
		err = model.NewValidationError("time", "in the past")
	}
	if err != nil {
		if ve, ok := model.AsValidation(err); ok {
			return flow.Stay(StateMovingSlot, movePrompt().WithNotice(timeErrorText(ve))), nil
		}
		return flow.Result{}, err
	}

	res, err := s.store.MoveSlot(ctx, slot.ID, target)
	switch {
	case errors.Is(err, model.ErrSlotNotFound):
		return s.dayResult(ctx, ss, "Окно не найдено.")
	case errors.Is(err, model.ErrUniqueViolation):
		return flow.Stay(StateMovingSlot, movePrompt().WithNotice("Это время уже занято другим окном.")), nil
	case err != nil:
		return flow.Result{}, err
	}

	if res.Old.IsReserved {
		s.notify(ctx, res.Old.ClientID, notify.Moved(res.Old, res.New, ss.user, s.loc))
	}
	for _, d := range res.Displaced {
		if d.IsReserved {
			metrics.IncCancellation("master")
			s.notify(ctx, d.ClientID, notify.CancelledByMaster(d, ss.user, s.loc))
		}
	}
	s.logger.Info().Str("slot_id", slot.ID).Time("from", res.Old.StartsAt).Time("to", res.New.StartsAt).
		Int("displaced", len(res.Displaced)).Msg("slot moved")

	moved := res.New.StartsAt.In(s.loc)
	c := ss.c()
	c.SetMonth(moved.Year(), moved.Month())
	c.Day = moved.Day()

	notice := fmt.Sprintf("Окно перенесено на %s %s.", flow.FormatDate(moved), flow.FormatTime(moved))
	if n := len(res.Displaced); n > 0 {
		notice += fmt.Sprintf(" Заменено окон на этом времени: %d.", n)
	}
	return s.dayResult(ctx, ss, notice)
}

func (s *Schedule) deleteSlot(ctx context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	slot, err := s.ownSlot(ctx, ss, ss.c().SlotID)
	if err != nil {
		return flow.Result{}, err
	}
	if slot == nil {
		return s.dayResult(ctx, ss, "Окно не найдено.")
	}

	deleted, err := s.store.DeleteSlot(ctx, slot.ID)
	if errors.Is(err, model.ErrSlotNotFound) {
		return s.dayResult(ctx, ss, "Окно не найдено.")
	}
	if err != nil {
		return flow.Result{}, err
	}
	if deleted.IsReserved {
		metrics.IncCancellation("master")
		s.notify(ctx, deleted.ClientID, notify.CancelledByMaster(*deleted, ss.user, s.loc))
	}
	s.logger.Info().Str("slot_id", deleted.ID).Bool("reserved", deleted.IsReserved).Msg("slot deleted")
	return s.dayResult(ctx, ss, "Окно удалено.")
}

func (s *Schedule) cancelReservation(ctx context.Context, ss *session, _ flow.Event) (flow.Result, error) {
	slot, err := s.ownSlot(ctx, ss, ss.c().SlotID)
	if err != nil {
		return flow.Result{}, err
	}
	if slot == nil {
		return s.dayResult(ctx, ss, "Окно не найдено.")
	}

	rel, err := s.store.ReleaseSlot(ctx, slot.ID, database.AnyClient)
	if err != nil {
		if errors.Is(err, model.ErrStateInconsistency) {
			return s.dayResult(ctx, ss, "Это окно уже свободно.")
		}
		return flow.Result{}, err
	}
	metrics.IncCancellation("master")

	cancelled := rel.Slot
	cancelled.Service = rel.Service
	s.notify(ctx, rel.ClientID, notify.CancelledByMaster(cancelled, ss.user, s.loc))
	s.logger.Info().Str("slot_id", slot.ID).Int64("client_id", rel.ClientID).Msg("reservation cancelled by master")
	return s.dayResult(ctx, ss, "Запись отменена, окно снова свободно.")
}

// parseMoveTarget reads "HH:MM" (same day as from) or "DD.MM HH:MM" (same
// year as from).
func parseMoveTarget(raw string, from time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	datePart, timePart, hasDate := strings.Cut(raw, " ")
	if !hasDate {
		timePart = raw
	}
	hour, minute, err := model.ParseTimeOfDay(timePart)
	if err != nil {
		return time.Time{}, err
	}

	year, month, day := from.Date()
	if hasDate {
		d, err := time.Parse("02.01", strings.TrimSpace(datePart))
		if err != nil {
			return time.Time{}, model.NewValidationError("date", "expected DD.MM")
		}
		month, day = d.Month(), d.Day()
		if day > model.DaysIn(year, month) {
			return time.Time{}, model.NewValidationError("date", "no such day")
		}
	}
	return time.Date(year, month, day, hour, minute, 0, 0, from.Location()), nil
}
