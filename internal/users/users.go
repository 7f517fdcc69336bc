// Package users looks up the active-user set the planner pairs from.
package users

import (
	"context"
	"database/sql"
	"strings"

	"github.com/LeventeLantos/paired-messaging/internal/model"
)

type Lookup interface {
	Active(ctx context.Context) ([]model.User, error)
}

type PostgresLookup struct {
	db *sql.DB
}

func NewPostgresLookup(db *sql.DB) *PostgresLookup {
	return &PostgresLookup{db: db}
}

func (l *PostgresLookup) Active(ctx context.Context) ([]model.User, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, display_name
		FROM users
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Static serves a fixed user list.
type Static []model.User

func (s Static) Active(context.Context) ([]model.User, error) {
	out := make([]model.User, len(s))
	copy(out, s)
	return out, nil
}

// ParseStatic reads "id[=Display Name]" entries separated by commas.
func ParseStatic(spec string) Static {
	var out Static
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, name, ok := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		if !ok {
			name = id
		}
		out = append(out, model.User{ID: id, DisplayName: strings.TrimSpace(name)})
	}
	return out
}
