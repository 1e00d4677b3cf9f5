package flow

import (
	"strings"
	"time"

	"masterbook/internal/calendar"
)

// Button is one inline button; Action is its encoded event.
type Button struct {
	Label  string
	Action string
}

// View is a presentation-neutral screen.
type View struct {
	Text string
	Rows [][]Button
	// RequestContact asks the client to share a phone number.
	RequestContact bool
}

// Empty reports whether there is nothing to show.
func (v View) Empty() bool {
	return v.Text == "" && len(v.Rows) == 0
}

// WithNotice prepends a line to the text.
func (v View) WithNotice(notice string) View {
	if notice == "" {
		return v
	}
	if v.Text == "" {
		v.Text = notice
		return v
	}
	v.Text = notice + "\n\n" + v.Text
	return v
}

// Btn builds a button for kind with an optional argument.
func Btn(label string, kind Kind, arg string) Button {
	return Button{Label: label, Action: Encode(kind, arg)}
}

const sep = ":"

// Encode packs an event into a callback token.
func Encode(kind Kind, arg string) string {
	if arg == "" {
		return string(kind)
	}
	return string(kind) + sep + arg
}

// Decode unpacks a callback token.
func Decode(data string) Event {
	kind, arg, _ := strings.Cut(data, sep)
	return Event{Kind: Kind(kind), Arg: arg}
}

// GridKinds names the events emitted by calendar buttons.
type GridKinds struct {
	Day    Kind
	Toggle Kind
	Prev   Kind
	Next   Kind
}

// GridRows converts a calendar grid into button rows: title, weekday header,
// weeks and navigation.
func GridRows(g calendar.Grid, kinds GridKinds) [][]Button {
	rows := make([][]Button, 0, len(g.Weeks)+3)
	rows = append(rows, []Button{{Label: g.Title(), Action: string(Ignore)}})

	header := make([]Button, 0, 7)
	for _, l := range calendar.WeekdayLabels {
		header = append(header, Button{Label: l, Action: string(Ignore)})
	}
	rows = append(rows, header)

	for _, week := range g.Weeks {
		row := make([]Button, 0, 7)
		for _, c := range week {
			row = append(row, Button{Label: c.Label, Action: cellAction(c, kinds)})
		}
		rows = append(rows, row)
	}

	var nav []Button
	if g.ShowBack {
		nav = append(nav, Btn("◀️", kinds.Prev, ""))
	}
	if g.ShowForward {
		nav = append(nav, Btn("▶️", kinds.Next, ""))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	return rows
}

func cellAction(c calendar.Cell, kinds GridKinds) string {
	day, toggle, ok := calendar.ParseAction(c.Action)
	if !ok {
		return string(Ignore)
	}
	if toggle {
		return Encode(kinds.Toggle, calendar.DayAction(day))
	}
	return Encode(kinds.Day, calendar.DayAction(day))
}

// FormatDate renders a date for messages.
func FormatDate(t time.Time) string {
	return t.Format("02.01.2006")
}

// FormatTime renders a time of day for messages.
func FormatTime(t time.Time) string {
	return t.Format("15:04")
}
