package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"masterbook/internal/database"
	"masterbook/internal/flow"
	"masterbook/internal/model"
)

const (
	StateViewingMonth   flow.State = "viewing_month"
	StateEditingMonth   flow.State = "editing_month"
	StateAddingTimeBulk flow.State = "adding_time_bulk"
	StateViewingDay     flow.State = "viewing_day"
	StateAddingTime     flow.State = "adding_time"
	StateViewingSlot    flow.State = "viewing_slot"
	StateMovingSlot     flow.State = "moving_slot"
)

// Event kinds emitted by timetable keyboards.
const (
	KindNextMonth  flow.Kind = "nm"
	KindPrevMonth  flow.Kind = "pm"
	KindDay        flow.Kind = "d"
	KindToggle     flow.Kind = "tg"
	KindEdit       flow.Kind = "edit"
	KindDone       flow.Kind = "done"
	KindWholeMonth flow.Kind = "all"
	KindWeekdays   flow.Kind = "wd"
	KindWeekends   flow.Kind = "we"
	KindReset      flow.Kind = "reset"
	KindBulkTime   flow.Kind = "bulk"
	KindAddTime    flow.Kind = "add"
	KindSlot       flow.Kind = "s"
	KindMove       flow.Kind = "mv"
	KindDelete     flow.Kind = "del"
	KindCancelSlot flow.Kind = "xres"
)

var states = []flow.State{
	StateViewingMonth, StateEditingMonth, StateAddingTimeBulk, StateViewingDay,
	StateAddingTime, StateViewingSlot, StateMovingSlot,
}

// Store is the persistence used by the timetable flow.
type Store interface {
	SlotWriter
	GetUser(ctx context.Context, id int64) (*model.User, error)
	SaveConversation(ctx context.Context, id int64, state string, c model.ConversationContext) error
	MarkedDays(ctx context.Context, masterID int64, year int, month time.Month, loc *time.Location) (map[int]bool, error)
	GetSlot(ctx context.Context, id string) (*model.Slot, error)
	ReleaseSlot(ctx context.Context, id string, clientID int64) (*database.ReleaseResult, error)
	MoveSlot(ctx context.Context, id string, to time.Time) (*database.MoveResult, error)
	DeleteSlot(ctx context.Context, id string) (*model.Slot, error)
}

// Notifier delivers a message to a user outside the conversation.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// Schedule is the master timetable conversation.
type Schedule struct {
	m        *flow.Machine[*session]
	store    Store
	editor   *Editor
	notifier Notifier
	loc      *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

type session struct {
	user *model.User
}

func (s *session) c() *model.ConversationContext {
	return &s.user.Context
}

// NewSchedule builds the timetable flow around editor.
func NewSchedule(store Store, editor *Editor, notifier Notifier, logger zerolog.Logger) *Schedule {
	s := &Schedule{
		store:    store,
		editor:   editor,
		notifier: notifier,
		loc:      editor.loc,
		now:      editor.now,
		logger:   logger.With().Str("component", "schedule").Logger(),
	}
	s.m = s.machine()
	return s
}

func (s *Schedule) machine() *flow.Machine[*session] {
	m := flow.New[*session]("schedule", StateViewingMonth)

	m.Allow(StateViewingMonth, StateEditingMonth, StateViewingDay)
	m.Allow(StateEditingMonth, StateAddingTimeBulk)
	m.Allow(StateAddingTimeBulk, StateEditingMonth)
	m.Allow(StateViewingDay, StateAddingTime, StateViewingSlot)
	m.Allow(StateAddingTime, StateViewingDay)
	m.Allow(StateViewingSlot, StateMovingSlot, StateViewingDay)
	m.Allow(StateMovingSlot, StateViewingSlot, StateViewingDay)

	m.OnAny(flow.Start, s.start)
	m.OnAny(flow.Cancel, s.toMonth)
	m.OnAny(flow.Ignore, func(context.Context, *session, flow.Event) (flow.Result, error) {
		return flow.Result{}, nil
	})

	m.On(StateViewingMonth, KindNextMonth, s.nextMonth)
	m.On(StateViewingMonth, KindPrevMonth, s.prevMonth)
	m.On(StateViewingMonth, KindDay, s.openDay)
	m.On(StateViewingMonth, KindEdit, s.enterEdit)
	m.On(StateViewingMonth, flow.Back, s.toMonth)

	m.On(StateEditingMonth, KindNextMonth, s.nextMonth)
	m.On(StateEditingMonth, KindPrevMonth, s.prevMonth)
	m.On(StateEditingMonth, KindToggle, s.toggleDay)
	m.On(StateEditingMonth, KindWholeMonth, s.selectWith(s.editor.SelectWholeMonth))
	m.On(StateEditingMonth, KindWeekdays, s.selectWith(s.editor.SelectWeekdays))
	m.On(StateEditingMonth, KindWeekends, s.selectWith(s.editor.SelectWeekends))
	m.On(StateEditingMonth, KindReset, s.resetSelection)
	m.On(StateEditingMonth, KindBulkTime, s.askBulkTime)
	m.On(StateEditingMonth, KindDone, s.leaveEdit)
	m.On(StateEditingMonth, flow.Back, s.leaveEdit)

	m.On(StateAddingTimeBulk, flow.Text, s.commit)
	m.On(StateAddingTimeBulk, flow.Back, s.toEdit)

	m.On(StateViewingDay, KindSlot, s.openSlot)
	m.On(StateViewingDay, KindAddTime, s.askTime)
	m.On(StateViewingDay, flow.Back, s.toMonth)

	m.On(StateAddingTime, flow.Text, s.addTime)
	m.On(StateAddingTime, flow.Back, s.toDay)

	m.On(StateViewingSlot, KindMove, s.askMove)
	m.On(StateViewingSlot, KindDelete, s.deleteSlot)
	m.On(StateViewingSlot, KindCancelSlot, s.cancelReservation)
	m.On(StateViewingSlot, flow.Back, s.toDay)

	m.On(StateMovingSlot, flow.Text, s.moveSlot)
	m.On(StateMovingSlot, flow.Back, s.toSlot)

	return m
}

// Owns reports whether state belongs to this flow.
func (s *Schedule) Owns(state string) bool {
	for _, st := range states {
		if string(st) == state {
			return true
		}
	}
	return false
}

// Handle applies ev to the master's conversation and persists the new state.
func (s *Schedule) Handle(ctx context.Context, user *model.User, ev flow.Event) (flow.View, error) {
	if !user.IsMaster {
		return flow.View{}, fmt.Errorf("user %d is not a master: %w", user.ID, flow.ErrEventNotAllowed)
	}
	res, err := s.m.Dispatch(ctx, flow.State(user.State), &session{user: user}, ev)
	if err != nil {
		return flow.View{}, err
	}
	user.State = string(res.Next)
	if err := s.store.SaveConversation(ctx, user.ID, user.State, user.Context); err != nil {
		return flow.View{}, fmt.Errorf("save conversation: %w", err)
	}
	return res.View, nil
}

func (s *Schedule) today() time.Time {
	return s.now().In(s.loc)
}

func (s *Schedule) notify(ctx context.Context, userID int64, text string) {
	if err := s.notifier.Notify(ctx, userID, text); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("notification failed")
	}
}
