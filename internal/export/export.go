// Package export renders a master's schedule into an Excel workbook.
package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"masterbook/internal/calendar"
	"masterbook/internal/model"
)

// Store is the read access the export needs.
type Store interface {
	FindSlots(ctx context.Context, f model.SlotFilter) ([]model.Slot, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

var columns = []string{"Дата", "Время", "Статус", "Клиент", "Телефон", "Telegram", "Услуга"}

const (
	statusFree     = "свободно"
	statusReserved = "занято"
)

// Exporter builds month schedule workbooks.
type Exporter struct {
	store  Store
	dir    string
	loc    *time.Location
	logger zerolog.Logger
}

// New creates an exporter that saves files under dir.
func New(store Store, dir string, loc *time.Location, logger zerolog.Logger) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Exporter{
		store:  store,
		dir:    dir,
		loc:    loc,
		logger: logger.With().Str("component", "export").Logger(),
	}
}

// Month writes the master's slots of year/month as an xlsx document.
func (e *Exporter) Month(ctx context.Context, masterID int64, year int, month time.Month) ([]byte, error) {
	from, to := model.MonthRange(year, month, e.loc)
	slots, err := e.store.FindSlots(ctx, model.SlotFilter{MasterID: masterID, From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	w := newSheetWriter()
	defer func() { _ = w.Close() }()

	if err := w.AddSheet(fmt.Sprintf("%s %d", calendar.MonthName(month), year)); err != nil {
		return nil, err
	}
	if err := w.WriteHeader(columns); err != nil {
		return nil, err
	}
	if err := w.SetWidths(12, 8, 12, 24, 16, 18, 24); err != nil {
		return nil, err
	}

	clients := make(map[int64]*model.User)
	for _, s := range slots {
		row, err := e.row(ctx, s, clients)
		if err != nil {
			return nil, err
		}
		if err := w.WriteRow(row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := w.Save(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Exporter) row(ctx context.Context, s model.Slot, clients map[int64]*model.User) ([]any, error) {
	at := s.StartsAt.In(e.loc)
	if !s.IsReserved {
		return []any{at.Format("02.01.2006"), at.Format("15:04"), statusFree}, nil
	}

	row := []any{at.Format("02.01.2006"), at.Format("15:04"), statusReserved, "", "", "", s.Service}

	client, ok := clients[s.ClientID]
	if !ok {
		var err error
		client, err = e.store.GetUser(ctx, s.ClientID)
		if err != nil {
			return nil, fmt.Errorf("load client %d: %w", s.ClientID, err)
		}
		clients[s.ClientID] = client
	}
	if client != nil {
		row[3] = client.DisplayName()
		row[4] = client.Phone
		if client.Username != "" {
			row[5] = "@" + client.Username
		}
	}
	return row, nil
}

// MonthFile writes the workbook into the export directory and returns its path.
func (e *Exporter) MonthFile(ctx context.Context, masterID int64, year int, month time.Month) (string, error) {
	data, err := e.Month(ctx, masterID, year, month)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	path := filepath.Join(e.dir, fmt.Sprintf("schedule_%d_%04d-%02d.xlsx", masterID, year, int(month)))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save export: %w", err)
	}

	e.logger.Info().Int64("master_id", masterID).Str("path", path).Msg("Schedule exported")
	return path, nil
}
