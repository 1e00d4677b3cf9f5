// Package booking implements the client side conversation: picking a
// service, a master, a day and a time, reserving it, and managing the
// client's own appointments.
package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"masterbook/internal/config"
	"masterbook/internal/database"
	"masterbook/internal/flow"
	"masterbook/internal/model"
)

const (
	StatePickingService       flow.State = "picking_service"
	StateFilteringSubServices flow.State = "filtering_subservices"
	StatePickingMaster        flow.State = "picking_master"
	StatePickingDay           flow.State = "picking_day"
	StatePickingTime          flow.State = "picking_time"
	StateConfirmingContact    flow.State = "confirming_contact"
	StateReserved             flow.State = "reserved"
	StateMyAppointments       flow.State = "my_appointments"
	StateAppointmentDetails   flow.State = "appointment_details"
)

// Event kinds emitted by booking keyboards.
const (
	KindService           flow.Kind = "svc"
	KindFilter            flow.Kind = "flt"
	KindSubService        flow.Kind = "sub"
	KindApplyFilter       flow.Kind = "apply"
	KindMaster            flow.Kind = "m"
	KindNextPage          flow.Kind = "np"
	KindPrevPage          flow.Kind = "pp"
	KindNextMonth         flow.Kind = "nm"
	KindPrevMonth         flow.Kind = "pm"
	KindDay               flow.Kind = "d"
	KindTime              flow.Kind = "t"
	KindPhone             flow.Kind = "phone"
	KindHandle            flow.Kind = "handle"
	KindMyAppointments    flow.Kind = "my"
	KindAppointment       flow.Kind = "appt"
	KindCancelAppointment flow.Kind = "xappt"
)

var states = []flow.State{
	StatePickingService, StateFilteringSubServices, StatePickingMaster, StatePickingDay,
	StatePickingTime, StateConfirmingContact, StateReserved, StateMyAppointments,
	StateAppointmentDetails,
}

// Store is the persistence used by the booking flow.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	SaveConversation(ctx context.Context, id int64, state string, c model.ConversationContext) error
	SetPhone(ctx context.Context, id int64, phone string) error
	SetUsername(ctx context.Context, id int64, username string) error
	ListMasters(ctx context.Context, f model.MasterFilter) ([]model.User, bool, error)
	OpenDays(ctx context.Context, masterID int64, year int, month time.Month, loc *time.Location) (map[int]bool, error)
	OpenTimes(ctx context.Context, masterID int64, year int, month time.Month, day int, loc *time.Location) ([]model.Slot, error)
	CountClientDay(ctx context.Context, clientID, masterID int64, year int, month time.Month, day int, loc *time.Location) (int, error)
	GetSlot(ctx context.Context, id string) (*model.Slot, error)
	ClaimSlot(ctx context.Context, id string, clientID int64, service string) (*model.Slot, error)
	ReleaseSlot(ctx context.Context, id string, clientID int64) (*database.ReleaseResult, error)
	UpcomingAppointments(ctx context.Context, clientID int64, from, to time.Time) ([]model.Slot, error)
}

// Notifier delivers a message to a user outside the conversation.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// Options are the scheduling settings of the flow.
type Options struct {
	Location     *time.Location
	PageSize     int
	MaxPerDay    int
	AdminContact string
	Now          func() time.Time
}

// Flow is the client booking conversation.
type Flow struct {
	m        *flow.Machine[*session]
	store    Store
	notifier Notifier
	catalog  func() *config.ServicesConfig
	opts     Options
	logger   zerolog.Logger
}

type session struct {
	user *model.User
}

func (s *session) c() *model.ConversationContext {
	return &s.user.Context
}

// New builds the booking flow. catalog is consulted on every event so a
// reloaded service list takes effect immediately.
func New(store Store, notifier Notifier, catalog func() *config.ServicesConfig, opts Options, logger zerolog.Logger) *Flow {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	f := &Flow{
		store:    store,
		notifier: notifier,
		catalog:  catalog,
		opts:     opts,
		logger:   logger.With().Str("component", "booking").Logger(),
	}
	f.m = f.machine()
	return f
}

func (f *Flow) machine() *flow.Machine[*session] {
	m := flow.New[*session]("booking", StatePickingService)

	m.AllowFromAny(StateMyAppointments)
	m.Allow(StatePickingService, StatePickingMaster)
	m.Allow(StatePickingMaster, StateFilteringSubServices, StatePickingDay)
	m.Allow(StateFilteringSubServices, StatePickingMaster)
	m.Allow(StatePickingDay, StatePickingTime, StatePickingMaster)
	m.Allow(StatePickingTime, StateConfirmingContact, StateReserved, StatePickingDay)
	m.Allow(StateConfirmingContact, StatePickingTime, StatePickingDay)
	m.Allow(StateReserved)
	m.Allow(StateMyAppointments, StateAppointmentDetails)
	m.Allow(StateAppointmentDetails, StateMyAppointments)

	m.OnAny(flow.Start, f.start)
	m.OnAny(flow.Back, f.start)
	m.OnAny(flow.Cancel, f.start)
	m.OnAny(flow.Ignore, ignore)
	m.OnAny(KindMyAppointments, f.myAppointments)

	m.On(StatePickingService, KindService, f.pickService)

	m.On(StatePickingMaster, KindMaster, f.pickMaster)
	m.On(StatePickingMaster, KindNextPage, f.nextPage)
	m.On(StatePickingMaster, KindPrevPage, f.prevPage)
	m.On(StatePickingMaster, KindFilter, f.openFilter)
	m.On(StatePickingMaster, flow.Back, f.backToServices)
	m.On(StatePickingMaster, flow.Cancel, f.backToServices)

	m.On(StateFilteringSubServices, KindSubService, f.toggleSubService)
	m.On(StateFilteringSubServices, KindApplyFilter, f.applyFilter)
	m.On(StateFilteringSubServices, flow.Back, f.toMasters)

	m.On(StatePickingDay, KindDay, f.pickDay)
	m.On(StatePickingDay, KindNextMonth, f.nextMonth)
	m.On(StatePickingDay, KindPrevMonth, f.prevMonth)
	m.On(StatePickingDay, flow.Back, f.toMasters)

	m.On(StatePickingTime, KindTime, f.pickTime)
	m.On(StatePickingTime, flow.Back, f.toDay)

	m.On(StateConfirmingContact, KindPhone, f.sharePhone)
	m.On(StateConfirmingContact, flow.Text, f.sharePhone)
	m.On(StateConfirmingContact, KindHandle, f.shareHandle)
	m.On(StateConfirmingContact, flow.Back, f.toTimes)

	m.On(StateMyAppointments, KindAppointment, f.openAppointment)
	m.On(StateMyAppointments, KindNextMonth, f.nextAppointmentsMonth)
	m.On(StateMyAppointments, KindPrevMonth, f.prevAppointmentsMonth)

	m.On(StateAppointmentDetails, KindCancelAppointment, f.cancelAppointment)
	m.On(StateAppointmentDetails, flow.Back, f.toAppointments)

	return m
}

// Owns reports whether state belongs to this flow.
func (f *Flow) Owns(state string) bool {
	for _, s := range states {
		if string(s) == state {
			return true
		}
	}
	return false
}

// Accepts reports whether the event kind is handled in the user's state.
func (f *Flow) Accepts(user *model.User, kind flow.Kind) bool {
	return f.m.Accepts(flow.State(user.State), kind)
}

// Handle applies ev to the user's conversation and persists the new state.
// An event the current state does not accept yields flow.ErrEventNotAllowed.
func (f *Flow) Handle(ctx context.Context, user *model.User, ev flow.Event) (flow.View, error) {
	res, err := f.m.Dispatch(ctx, flow.State(user.State), &session{user: user}, ev)
	if err != nil {
		return flow.View{}, err
	}
	user.State = string(res.Next)
	if err := f.store.SaveConversation(ctx, user.ID, user.State, user.Context); err != nil {
		return flow.View{}, fmt.Errorf("save conversation: %w", err)
	}
	return res.View, nil
}

func (f *Flow) now() time.Time {
	return f.opts.Now()
}

func (f *Flow) today() time.Time {
	return f.now().In(f.opts.Location)
}

func (f *Flow) notify(ctx context.Context, userID int64, text string) {
	if err := f.notifier.Notify(ctx, userID, text); err != nil {
		f.logger.Warn().Err(err).Int64("user_id", userID).Msg("notification failed")
	}
}

func ignore(context.Context, *session, flow.Event) (flow.Result, error) {
	return flow.Result{}, nil
}
