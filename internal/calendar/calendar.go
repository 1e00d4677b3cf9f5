// Package calendar renders month grids for day pickers.
package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"masterbook/internal/model"
)

// CellState is the visual state of a day cell.
type CellState int

const (
	Blank CellState = iota
	Disabled
	Open
	Closed
)

func (s CellState) String() string {
	switch s {
	case Blank:
		return "blank"
	case Disabled:
		return "disabled"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode selects which cells are actionable.
type Mode int

const (
	// ModeClient: only open days can be picked.
	ModeClient Mode = iota
	// ModeMasterView: any non-past day can be opened.
	ModeMasterView
	// ModeMasterEdit: any non-past day toggles its pending mark.
	ModeMasterEdit
)

const (
	ActionIgnore = "ignore"
	togglePrefix = "toggle:"
	openMark     = "🟢"
)

var ErrBeforeCurrentMonth = errors.New("month is before the current month")

// Cell is one button of the grid.
type Cell struct {
	Day    int
	State  CellState
	Label  string
	Action string
}

// Grid is a Monday-first month layout.
type Grid struct {
	Year        int
	Month       time.Month
	Weeks       [][7]Cell
	ShowBack    bool
	ShowForward bool
}

// Title returns the header, e.g. "Март 2025".
func (g Grid) Title() string {
	return fmt.Sprintf("%s %d", MonthName(g.Month), g.Year)
}

// Cell returns the cell of the given day.
func (g Grid) Cell(day int) (Cell, bool) {
	for _, w := range g.Weeks {
		for _, c := range w {
			if c.Day == day && c.State != Blank {
				return c, true
			}
		}
	}
	return Cell{}, false
}

// Render builds the grid of year/month. Days strictly before today are
// disabled, marked days are open, the rest are closed. Only today's date
// components are used; its location defines "today".
func Render(year int, month time.Month, marked map[int]bool, today time.Time, mode Mode) Grid {
	ty, tm, td := today.Date()
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(first.Weekday()) + 6) % 7 // Monday = 0
	days := model.DaysIn(year, month)

	cmp := compareMonth(year, month, ty, tm)
	grid := Grid{
		Year:        year,
		Month:       month,
		ShowBack:    cmp > 0,
		ShowForward: true,
	}

	var week [7]Cell
	col := 0
	flush := func() {
		grid.Weeks = append(grid.Weeks, week)
		week = [7]Cell{}
		col = 0
	}

	for ; col < offset; col++ {
		week[col] = blankCell()
	}
	for day := 1; day <= days; day++ {
		past := cmp < 0 || (cmp == 0 && day < td)
		week[col] = dayCell(day, past, marked[day], mode)
		col++
		if col == 7 {
			flush()
		}
	}
	if col > 0 {
		for ; col < 7; col++ {
			week[col] = blankCell()
		}
		grid.Weeks = append(grid.Weeks, week)
	}

	return grid
}

func blankCell() Cell {
	return Cell{State: Blank, Label: " ", Action: ActionIgnore}
}

func dayCell(day int, past, marked bool, mode Mode) Cell {
	c := Cell{Day: day, Label: strconv.Itoa(day), Action: ActionIgnore}
	switch {
	case past:
		c.State = Disabled
		c.Label = " "
		return c
	case marked:
		c.State = Open
	default:
		c.State = Closed
	}

	switch mode {
	case ModeClient:
		if c.State == Open {
			c.Action = DayAction(day)
		}
	case ModeMasterView:
		if c.State == Open {
			c.Label = openMark + c.Label
		}
		c.Action = DayAction(day)
	case ModeMasterEdit:
		if c.State == Open {
			c.Label = openMark + c.Label
		}
		c.Action = ToggleAction(day)
	}
	return c
}

// DayAction is the token that opens a day.
func DayAction(day int) string {
	return strconv.Itoa(day)
}

// ToggleAction is the token that flips a day's pending mark.
func ToggleAction(day int) string {
	return togglePrefix + strconv.Itoa(day)
}

// ParseAction decodes a cell token. ok is false for ignore tokens.
func ParseAction(action string) (day int, toggle bool, ok bool) {
	if action == "" || action == ActionIgnore {
		return 0, false, false
	}
	toggle = strings.HasPrefix(action, togglePrefix)
	n, err := strconv.Atoi(strings.TrimPrefix(action, togglePrefix))
	if err != nil || n < 1 || n > 31 {
		return 0, false, false
	}
	return n, toggle, true
}

// Next returns the month after year/month.
func Next(year int, month time.Month) (int, time.Month) {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return t.Year(), t.Month()
}

// Prev returns the month before year/month. Paging before today's month is refused.
func Prev(year int, month time.Month, today time.Time) (int, time.Month, error) {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	ty, tm, _ := today.Date()
	if compareMonth(t.Year(), t.Month(), ty, tm) < 0 {
		return year, month, ErrBeforeCurrentMonth
	}
	return t.Year(), t.Month(), nil
}

func compareMonth(y1 int, m1 time.Month, y2 int, m2 time.Month) int {
	a, b := y1*12+int(m1), y2*12+int(m2)
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var monthNames = [...]string{
	"Январь", "Февраль", "Март", "Апрель", "Май", "Июнь",
	"Июль", "Август", "Сентябрь", "Октябрь", "Ноябрь", "Декабрь",
}

// MonthName returns the Russian month name in nominative case.
func MonthName(m time.Month) string {
	if m < time.January || m > time.December {
		return m.String()
	}
	return monthNames[m-1]
}

// WeekdayLabels is the header row of the grid.
var WeekdayLabels = [7]string{"Пн", "Вт", "Ср", "Чт", "Пт", "Сб", "Вс"}
