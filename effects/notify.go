package effects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresNotifier implements rules.Notifier over the notifications table.
// Delivery respects sick mode: routine notifications to a member marked sick
// are silently dropped. The engine never learns about the mute; the notify
// call still reports success.
type PostgresNotifier struct {
	db *sql.DB
}

// NewPostgresNotifier creates a PostgreSQL-backed notifier.
func NewPostgresNotifier(db *sql.DB) *PostgresNotifier {
	return &PostgresNotifier{db: db}
}

func (n *PostgresNotifier) Notify(ctx context.Context, userID, kind, title, message, actionURL string) error {
	muted, err := n.sickModeMuted(ctx, userID, kind)
	if err != nil {
		return err
	}
	if muted {
		return nil
	}

	_, err = n.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, action_url)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), userID, kind, title, message, nullable(actionURL))
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// sickModeMuted reports whether routine notifications to this user are
// muted. Only GENERAL notifications are muted; anything else is assumed
// important enough to deliver regardless.
func (n *PostgresNotifier) sickModeMuted(ctx context.Context, userID, kind string) (bool, error) {
	if kind != "GENERAL" {
		return false, nil
	}

	var sick bool
	err := n.db.QueryRowContext(ctx, `
		SELECT sick_mode FROM family_members WHERE id = $1
	`, userID).Scan(&sick)
	if errors.Is(err, sql.ErrNoRows) {
		// Unknown recipients are not muted; the insert will fail with a
		// clearer foreign-key error if the user truly does not exist.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check sick mode: %w", err)
	}
	return sick, nil
}

// PostgresMemberDirectory implements rules.MemberDirectory over the
// family_members table.
type PostgresMemberDirectory struct {
	db *sql.DB
}

// NewPostgresMemberDirectory creates a PostgreSQL-backed member directory.
func NewPostgresMemberDirectory(db *sql.DB) *PostgresMemberDirectory {
	return &PostgresMemberDirectory{db: db}
}

func (d *PostgresMemberDirectory) ActiveMemberIDs(ctx context.Context, familyID string) ([]string, error) {
	return d.memberIDs(ctx, `
		SELECT id FROM family_members
		WHERE family_id = $1 AND is_active = true
		ORDER BY created_at ASC
	`, familyID)
}

func (d *PostgresMemberDirectory) ParentIDs(ctx context.Context, familyID string) ([]string, error) {
	return d.memberIDs(ctx, `
		SELECT id FROM family_members
		WHERE family_id = $1 AND role = 'PARENT' AND is_active = true
		ORDER BY created_at ASC
	`, familyID)
}

func (d *PostgresMemberDirectory) memberIDs(ctx context.Context, query, familyID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list family members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return ids, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
