package notify

import (
	"fmt"
	"strings"
	"time"

	"masterbook/internal/model"
)

const (
	dateLayout = "02.01.2006"
	timeLayout = "15:04"
)

// Appointment renders the date, time and service of a slot in loc.
func Appointment(s model.Slot, loc *time.Location) string {
	at := s.StartsAt.In(loc)
	var b strings.Builder
	fmt.Fprintf(&b, "📅 Дата: %s\n", at.Format(dateLayout))
	fmt.Fprintf(&b, "⏰ Время: %s", at.Format(timeLayout))
	if s.Service != "" {
		fmt.Fprintf(&b, "\n💅 Услуга: %s", s.Service)
	}
	return b.String()
}

// Contact renders how to reach u.
func Contact(role string, u *model.User) string {
	if u == nil {
		return fmt.Sprintf("%s: —", role)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", role, u.DisplayName())
	if u.Phone != "" {
		fmt.Fprintf(&b, "\n📞 Телефон: %s", u.Phone)
	}
	if u.Username != "" && u.Name != "" {
		fmt.Fprintf(&b, "\n✉️ Telegram: @%s", u.Username)
	}
	return b.String()
}

func compose(title string, s model.Slot, role string, who *model.User, loc *time.Location) string {
	return title + "\n\n" + Appointment(s, loc) + "\n" + Contact(role, who)
}

// NewBooking is sent to the master when a client reserves a slot.
func NewBooking(s model.Slot, client *model.User, loc *time.Location) string {
	return compose("🔔 У вас новая запись!", s, "👤 Клиент", client, loc)
}

// Booked confirms a reservation to the client.
func Booked(s model.Slot, master *model.User, loc *time.Location) string {
	return compose("✅ Вы успешно записались!", s, "👤 Мастер", master, loc)
}

// CancelledByClient is sent to the master when a client cancels.
func CancelledByClient(s model.Slot, client *model.User, loc *time.Location) string {
	return compose("❌ Клиент отменил запись", s, "👤 Клиент", client, loc)
}

// CancelledByMaster is sent to the client when the master cancels or deletes the slot.
func CancelledByMaster(s model.Slot, master *model.User, loc *time.Location) string {
	return compose("❌ Мастер отменил вашу запись", s, "👤 Мастер", master, loc)
}

// Moved is sent to the client whose reservation was moved to another time.
func Moved(old, moved model.Slot, master *model.User, loc *time.Location) string {
	from := old.StartsAt.In(loc)
	to := moved.StartsAt.In(loc)
	title := fmt.Sprintf("🔁 Ваша запись перенесена с %s %s на %s %s",
		from.Format(dateLayout), from.Format(timeLayout),
		to.Format(dateLayout), to.Format(timeLayout))
	return compose(title, moved, "👤 Мастер", master, loc)
}

// Reminder is sent to the client ahead of the appointment.
func Reminder(s model.Slot, master *model.User, loc *time.Location) string {
	return compose("⏰ Напоминаем о записи", s, "👤 Мастер", master, loc)
}
