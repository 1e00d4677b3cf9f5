package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"masterbook/internal/model"
)

const userColumns = `telegram_id, seq_id, username, name, phone, description, services,
	is_master, is_admin, is_active, state, context,
	last_activity_at, flood_count, flood_at, non_recognized_count, non_recognized_at,
	ban_count, banned_at, created_at, updated_at`

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u                                         model.User
		services, convCtx                         string
		lastActivity, floodAt, nonRecAt, bannedAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.SeqID, &u.Username, &u.Name, &u.Phone, &u.Description, &services,
		&u.IsMaster, &u.IsAdmin, &u.IsActive, &u.State, &convCtx,
		&lastActivity, &u.FloodCount, &floodAt, &u.NonRecognizedCount, &nonRecAt,
		&u.BanCount, &bannedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if services != "" {
		if err := json.Unmarshal([]byte(services), &u.Services); err != nil {
			return nil, fmt.Errorf("decode services of user %d: %w", u.ID, err)
		}
	}
	u.Context = model.NewConversationContext()
	if convCtx != "" {
		if err := json.Unmarshal([]byte(convCtx), &u.Context); err != nil {
			return nil, fmt.Errorf("decode context of user %d: %w", u.ID, err)
		}
	}
	u.LastActivityAt = fromNullTime(lastActivity)
	u.FloodAt = fromNullTime(floodAt)
	u.NonRecognizedAt = fromNullTime(nonRecAt)
	u.BannedAt = fromNullTime(bannedAt)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

// GetUser returns the user by telegram id, or nil if unknown.
func (db *DB) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(db.queryRow(ctx, db.DB, "SELECT "+userColumns+" FROM users WHERE telegram_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// EnsureUser creates the user on first interaction and keeps the handle fresh.
func (db *DB) EnsureUser(ctx context.Context, id int64, username string) (*model.User, error) {
	now := utc(db.now())
	_, err := db.exec(ctx, db.DB,
		`INSERT INTO users (telegram_id, username, context, created_at, updated_at)
		VALUES (?, ?, '{"page":1}', ?, ?)
		ON CONFLICT (telegram_id) DO UPDATE SET username = excluded.username
		WHERE users.username <> excluded.username`,
		id, username, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	u, err := db.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %d: %w", id, model.ErrUserNotFound)
	}
	return u, nil
}

// SaveConversation persists the flow state tag and its context.
func (db *DB) SaveConversation(ctx context.Context, id int64, state string, c model.ConversationContext) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	return db.updateUser(ctx, id, "state = ?, context = ?", state, string(data))
}

func (db *DB) SetName(ctx context.Context, id int64, name string) error {
	return db.updateUser(ctx, id, "name = ?", name)
}

func (db *DB) SetPhone(ctx context.Context, id int64, phone string) error {
	return db.updateUser(ctx, id, "phone = ?", phone)
}

func (db *DB) SetUsername(ctx context.Context, id int64, username string) error {
	return db.updateUser(ctx, id, "username = ?", username)
}

func (db *DB) SetDescription(ctx context.Context, id int64, desc string) error {
	return db.updateUser(ctx, id, "description = ?", desc)
}

func (db *DB) SetMaster(ctx context.Context, id int64, isMaster bool) error {
	return db.updateUser(ctx, id, "is_master = ?", isMaster)
}

func (db *DB) SetAdmin(ctx context.Context, id int64, isAdmin bool) error {
	return db.updateUser(ctx, id, "is_admin = ?", isAdmin)
}

// SetServices replaces the offered services and the master discovery index.
func (db *DB) SetServices(ctx context.Context, id int64, services map[string][]string) error {
	data, err := json.Marshal(services)
	if err != nil {
		return fmt.Errorf("encode services: %w", err)
	}

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	return db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := db.exec(ctx, tx, "UPDATE users SET services = ?, updated_at = ? WHERE telegram_id = ?",
			string(data), utc(db.now()), id)
		if err != nil {
			return fmt.Errorf("update services: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("user %d: %w", id, model.ErrUserNotFound)
		}
		if _, err := db.exec(ctx, tx, "DELETE FROM master_services WHERE master_id = ?", id); err != nil {
			return fmt.Errorf("clear master services: %w", err)
		}
		for _, name := range names {
			subs := append([]string{""}, services[name]...)
			for _, sub := range subs {
				_, err := db.exec(ctx, tx,
					`INSERT INTO master_services (master_id, service, sub_service) VALUES (?, ?, ?)
					ON CONFLICT DO NOTHING`,
					id, name, sub)
				if err != nil {
					return fmt.Errorf("index master service: %w", err)
				}
			}
		}
		return nil
	})
}

func (db *DB) updateUser(ctx context.Context, id int64, set string, args ...any) error {
	args = append(args, utc(db.now()), id)
	res, err := db.exec(ctx, db.DB, "UPDATE users SET "+set+", updated_at = ? WHERE telegram_id = ?", args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", id, model.ErrUserNotFound)
	}
	return nil
}

// TouchActivity records the time of the last admitted event.
func (db *DB) TouchActivity(ctx context.Context, id int64, at time.Time) error {
	_, err := db.exec(ctx, db.DB, "UPDATE users SET last_activity_at = ? WHERE telegram_id = ?", utc(at), id)
	return err
}

// RegisterFlood atomically increments the flood counter and returns it. The
// window start is set on the first increment.
func (db *DB) RegisterFlood(ctx context.Context, id int64, at time.Time) (int, error) {
	var n int
	err := db.queryRow(ctx, db.DB,
		`UPDATE users SET
			flood_count = flood_count + 1,
			flood_at = CASE WHEN flood_count = 0 OR flood_at IS NULL THEN ? ELSE flood_at END,
			last_activity_at = ?
		WHERE telegram_id = ?
		RETURNING flood_count`,
		utc(at), utc(at), id,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("user %d: %w", id, model.ErrUserNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("register flood: %w", err)
	}
	return n, nil
}

// RegisterNonRecognized atomically increments the non-recognition counter.
func (db *DB) RegisterNonRecognized(ctx context.Context, id int64, at time.Time) (int, error) {
	var n int
	err := db.queryRow(ctx, db.DB,
		`UPDATE users SET
			non_recognized_count = non_recognized_count + 1,
			non_recognized_at = CASE WHEN non_recognized_count = 0 OR non_recognized_at IS NULL THEN ? ELSE non_recognized_at END
		WHERE telegram_id = ?
		RETURNING non_recognized_count`,
		utc(at), id,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("user %d: %w", id, model.ErrUserNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("register non-recognized: %w", err)
	}
	return n, nil
}

// Deactivate bans the user and records ban metadata.
func (db *DB) Deactivate(ctx context.Context, id int64, at time.Time) error {
	return db.updateUser(ctx, id, "is_active = FALSE, ban_count = ban_count + 1, banned_at = ?", utc(at))
}

// Activate lifts a ban and clears flood state.
func (db *DB) Activate(ctx context.Context, id int64) error {
	return db.updateUser(ctx, id,
		`is_active = TRUE, flood_count = 0, flood_at = NULL, non_recognized_count = 0, non_recognized_at = NULL`)
}

// InactiveUserIDs lists banned users.
func (db *DB) InactiveUserIDs(ctx context.Context) ([]int64, error) {
	return db.listIDs(ctx, "SELECT telegram_id FROM users WHERE is_active = FALSE ORDER BY telegram_id")
}

// ExpiredFloodIDs lists users whose flood window started before cutoff.
func (db *DB) ExpiredFloodIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	return db.listIDs(ctx,
		"SELECT telegram_id FROM users WHERE flood_count > 0 AND flood_at < ? ORDER BY telegram_id", utc(cutoff))
}

// ExpiredNonRecognizedIDs lists users whose non-recognition window started before cutoff.
func (db *DB) ExpiredNonRecognizedIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	return db.listIDs(ctx,
		"SELECT telegram_id FROM users WHERE non_recognized_count > 0 AND non_recognized_at < ? ORDER BY telegram_id",
		utc(cutoff))
}

// ResetFlood clears the flood counter.
func (db *DB) ResetFlood(ctx context.Context, id int64) error {
	_, err := db.exec(ctx, db.DB, "UPDATE users SET flood_count = 0, flood_at = NULL WHERE telegram_id = ?", id)
	return err
}

// ResetNonRecognized clears the non-recognition counter.
func (db *DB) ResetNonRecognized(ctx context.Context, id int64) error {
	_, err := db.exec(ctx, db.DB,
		"UPDATE users SET non_recognized_count = 0, non_recognized_at = NULL WHERE telegram_id = ?", id)
	return err
}

// ListAdmins returns users flagged as admins.
func (db *DB) ListAdmins(ctx context.Context) ([]int64, error) {
	return db.listIDs(ctx, "SELECT telegram_id FROM users WHERE is_admin = TRUE ORDER BY telegram_id")
}

func (db *DB) listIDs(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := db.query(ctx, db.DB, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
