package database

import (
	"context"
	"fmt"
	"strings"

	"masterbook/internal/model"
)

// ListMasters returns one page of active, named masters offering the
// filtered service and every selected sub-service, ordered by seq_id.
// hasNext reports whether another page follows.
func (db *DB) ListMasters(ctx context.Context, f model.MasterFilter) (masters []model.User, hasNext bool, err error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}

	var b strings.Builder
	args := make([]any, 0, len(f.SubServices)+4)
	b.WriteString("SELECT " + userColumns + " FROM users u WHERE u.is_master = TRUE AND u.is_active = TRUE AND u.name <> ''")
	if f.Service != "" {
		b.WriteString(` AND EXISTS (SELECT 1 FROM master_services ms
			WHERE ms.master_id = u.telegram_id AND ms.service = ? AND ms.sub_service = '')`)
		args = append(args, f.Service)
		for _, sub := range f.SubServices {
			b.WriteString(` AND EXISTS (SELECT 1 FROM master_services ms
				WHERE ms.master_id = u.telegram_id AND ms.service = ? AND ms.sub_service = ?)`)
			args = append(args, f.Service, sub)
		}
	}
	b.WriteString(" ORDER BY u.seq_id LIMIT ? OFFSET ?")
	args = append(args, limit+1, f.Offset)

	rows, err := db.query(ctx, db.DB, b.String(), args...)
	if err != nil {
		return nil, false, fmt.Errorf("list masters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, false, err
		}
		masters = append(masters, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(masters) > limit {
		return masters[:limit], true, nil
	}
	return masters, false, nil
}
