package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"masterbook/internal/model"
)

const slotColumns = `id, master_id, client_id, starts_at, service, is_reserved, notifications, notified_at, created_at, updated_at`

// MoveResult describes a completed move.
type MoveResult struct {
	Old       model.Slot
	New       model.Slot
	Displaced []model.Slot
}

// ReleaseResult is the freed slot plus who held it.
type ReleaseResult struct {
	Slot     model.Slot
	ClientID int64
	Service  string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (model.Slot, error) {
	var (
		s          model.Slot
		clientID   sql.NullInt64
		notifiedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.MasterID, &clientID, &s.StartsAt, &s.Service, &s.IsReserved,
		&s.Notifications, &notifiedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return model.Slot{}, err
	}
	s.ClientID = clientID.Int64
	s.NotifiedAt = fromNullTime(notifiedAt)
	s.StartsAt = s.StartsAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

// CreateSlot adds a free slot. A slot at the same (master, time) yields
// model.ErrUniqueViolation.
func (db *DB) CreateSlot(ctx context.Context, masterID int64, startsAt time.Time) (*model.Slot, error) {
	now := utc(db.now())
	s := model.Slot{
		ID:        uuid.NewString(),
		MasterID:  masterID,
		StartsAt:  slotTime(startsAt),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := db.exec(ctx, db.DB,
		`INSERT INTO slots (id, master_id, starts_at, service, is_reserved, notifications, created_at, updated_at)
		VALUES (?, ?, ?, '', FALSE, 0, ?, ?)`,
		s.ID, s.MasterID, s.StartsAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("create slot: %w", err))
	}
	return &s, nil
}

// CreateSlots adds free slots in one transaction. If any datetime collides
// with an existing slot (or repeats within the batch) nothing is written and
// a *model.ConflictError listing every collision is returned.
func (db *DB) CreateSlots(ctx context.Context, masterID int64, times []time.Time) ([]model.Slot, error) {
	if len(times) == 0 {
		return nil, nil
	}

	now := utc(db.now())
	created := make([]model.Slot, 0, len(times))
	var conflicts []time.Time
	seen := make(map[time.Time]bool, len(times))

	err := db.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range times {
			at := slotTime(t)
			if seen[at] {
				conflicts = append(conflicts, at)
				continue
			}
			seen[at] = true

			s := model.Slot{
				ID:        uuid.NewString(),
				MasterID:  masterID,
				StartsAt:  at,
				CreatedAt: now,
				UpdatedAt: now,
			}
			res, err := db.exec(ctx, tx,
				`INSERT INTO slots (id, master_id, starts_at, service, is_reserved, notifications, created_at, updated_at)
				VALUES (?, ?, ?, '', FALSE, 0, ?, ?)
				ON CONFLICT (master_id, starts_at) DO NOTHING`,
				s.ID, s.MasterID, s.StartsAt, s.CreatedAt, s.UpdatedAt,
			)
			if err != nil {
				return mapError(fmt.Errorf("create slot %s: %w", at.Format(time.RFC3339), err))
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				conflicts = append(conflicts, at)
				continue
			}
			created = append(created, s)
		}
		if len(conflicts) > 0 {
			sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Before(conflicts[j]) })
			return &model.ConflictError{MasterID: masterID, Times: conflicts}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func slotWhere(f model.SlotFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.MasterID != 0 {
		conds = append(conds, "master_id = ?")
		args = append(args, f.MasterID)
	}
	if f.ClientID != 0 {
		conds = append(conds, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.Reserved != nil {
		conds = append(conds, "is_reserved = ?")
		args = append(args, *f.Reserved)
	}
	if !f.From.IsZero() {
		conds = append(conds, "starts_at >= ?")
		args = append(args, utc(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "starts_at < ?")
		args = append(args, utc(f.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// FindSlots returns slots matching f ordered by time.
func (db *DB) FindSlots(ctx context.Context, f model.SlotFilter) ([]model.Slot, error) {
	where, args := slotWhere(f)
	q := "SELECT " + slotColumns + " FROM slots" + where + " ORDER BY starts_at"
	if f.Desc {
		q += " DESC"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return db.listSlots(ctx, db.DB, q, args...)
}

// CountSlots counts slots matching f. Limit and ordering are ignored.
func (db *DB) CountSlots(ctx context.Context, f model.SlotFilter) (int, error) {
	where, args := slotWhere(f)
	var n int
	if err := db.queryRow(ctx, db.DB, "SELECT COUNT(*) FROM slots"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count slots: %w", err)
	}
	return n, nil
}

func (db *DB) listSlots(ctx context.Context, q querier, query string, args ...any) ([]model.Slot, error) {
	rows, err := db.query(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	defer rows.Close()

	var out []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSlot returns the slot or model.ErrSlotNotFound.
func (db *DB) GetSlot(ctx context.Context, id string) (*model.Slot, error) {
	return db.getSlot(ctx, db.DB, id)
}

func (db *DB) getSlot(ctx context.Context, q querier, id string) (*model.Slot, error) {
	s, err := scanSlot(db.queryRow(ctx, q, "SELECT "+slotColumns+" FROM slots WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, model.ErrSlotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return &s, nil
}

// ClaimSlot reserves a free slot for clientID with a single conditional
// update. A reserved slot yields model.ErrAlreadyReserved.
func (db *DB) ClaimSlot(ctx context.Context, id string, clientID int64, service string) (*model.Slot, error) {
	res, err := db.exec(ctx, db.DB,
		`UPDATE slots SET is_reserved = TRUE, client_id = ?, service = ?, updated_at = ?
		WHERE id = ? AND is_reserved = FALSE`,
		clientID, service, utc(db.now()), id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	s, getErr := db.GetSlot(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if n == 0 {
		return s, model.ErrAlreadyReserved
	}
	return s, nil
}

// AnyClient lets ReleaseSlot free a reservation whoever holds it.
const AnyClient int64 = 0

// ReleaseSlot frees a reserved slot; it stays bookable. Unless clientID is
// AnyClient, the slot is only freed while clientID still holds it.
func (db *DB) ReleaseSlot(ctx context.Context, id string, clientID int64) (*ReleaseResult, error) {
	var out ReleaseResult
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		s, err := db.getSlot(ctx, tx, id)
		if err != nil {
			return err
		}
		if !s.IsReserved {
			return fmt.Errorf("slot %s is not reserved: %w", id, model.ErrStateInconsistency)
		}
		if clientID != AnyClient && s.ClientID != clientID {
			return fmt.Errorf("slot %s is held by another client: %w", id, model.ErrStateInconsistency)
		}

		now := utc(db.now())
		query := `UPDATE slots SET is_reserved = FALSE, client_id = NULL, service = '',
				notifications = 0, notified_at = NULL, updated_at = ?
			WHERE id = ? AND is_reserved = TRUE`
		args := []any{now, id}
		if clientID != AnyClient {
			query += " AND client_id = ?"
			args = append(args, clientID)
		}
		res, err := db.exec(ctx, tx, query, args...)
		if err != nil {
			return fmt.Errorf("release slot: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return fmt.Errorf("slot %s released concurrently: %w", id, model.ErrStateInconsistency)
		}

		out.ClientID = s.ClientID
		out.Service = s.Service
		s.IsReserved = false
		s.ClientID = 0
		s.Service = ""
		s.Notifications = 0
		s.NotifiedAt = time.Time{}
		s.UpdatedAt = now
		out.Slot = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MoveSlot changes the datetime of a slot. Slots already occupying the target
// time are deleted first; more than one such slot is logged, not refused.
func (db *DB) MoveSlot(ctx context.Context, id string, to time.Time) (*MoveResult, error) {
	target := slotTime(to)
	var out MoveResult
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		s, err := db.getSlot(ctx, tx, id)
		if err != nil {
			return err
		}
		out.Old = *s
		out.New = *s
		if s.StartsAt.Equal(target) {
			return nil
		}

		occupants, err := db.listSlots(ctx, tx,
			"SELECT "+slotColumns+" FROM slots WHERE master_id = ? AND starts_at = ? AND id <> ?",
			s.MasterID, target, id,
		)
		if err != nil {
			return err
		}
		if len(occupants) > 1 {
			db.logger.Warn().
				Int64("master_id", s.MasterID).
				Time("starts_at", target).
				Int("found", len(occupants)).
				Msg("more than one slot occupies the move target")
		}
		for _, o := range occupants {
			if _, err := db.exec(ctx, tx, "DELETE FROM slots WHERE id = ?", o.ID); err != nil {
				return fmt.Errorf("delete displaced slot: %w", err)
			}
		}
		out.Displaced = occupants

		now := utc(db.now())
		_, err = db.exec(ctx, tx,
			`UPDATE slots SET starts_at = ?, notifications = 0, notified_at = NULL, updated_at = ? WHERE id = ?`,
			target, now, id,
		)
		if err != nil {
			return mapError(fmt.Errorf("move slot: %w", err))
		}
		out.New.StartsAt = target
		out.New.Notifications = 0
		out.New.NotifiedAt = time.Time{}
		out.New.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSlot removes a slot and returns what was deleted.
func (db *DB) DeleteSlot(ctx context.Context, id string) (*model.Slot, error) {
	var deleted *model.Slot
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		s, err := db.getSlot(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := db.exec(ctx, tx, "DELETE FROM slots WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete slot: %w", err)
		}
		deleted = s
		return nil
	})
	return deleted, err
}

// SlotsDueForReminder returns reserved slots in [from, to) whose client was
// not reminded yet.
func (db *DB) SlotsDueForReminder(ctx context.Context, from, to time.Time) ([]model.Slot, error) {
	return db.listSlots(ctx, db.DB,
		"SELECT "+slotColumns+` FROM slots
		WHERE is_reserved = TRUE AND notifications = 0 AND starts_at >= ? AND starts_at < ?
		ORDER BY starts_at`,
		utc(from), utc(to),
	)
}

// MarkNotified bumps the reminder counter of a slot.
func (db *DB) MarkNotified(ctx context.Context, id string) error {
	_, err := db.exec(ctx, db.DB,
		`UPDATE slots SET notifications = notifications + 1, notified_at = ?, updated_at = ? WHERE id = ?`,
		utc(db.now()), utc(db.now()), id,
	)
	return err
}
