package effects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresShoppingList implements rules.ShoppingList. Items land on the
// family's active shopping list, which is created on demand.
type PostgresShoppingList struct {
	db *sql.DB
}

// NewPostgresShoppingList creates a PostgreSQL-backed shopping list.
func NewPostgresShoppingList(db *sql.DB) *PostgresShoppingList {
	return &PostgresShoppingList{db: db}
}

func (s *PostgresShoppingList) AddItem(ctx context.Context, familyID, name string, quantity int, category, priority, notes string) (string, error) {
	listID, err := s.activeListID(ctx, familyID)
	if err != nil {
		return "", err
	}

	requesterID, err := anyParentID(ctx, s.db, familyID)
	if err != nil {
		return "", err
	}

	itemID := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shopping_items (id, list_id, name, quantity, category, priority, notes, requested_by_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING')
	`, itemID, listID, name, quantity, category, priority, nullable(notes), requesterID)
	if err != nil {
		return "", fmt.Errorf("failed to add shopping item: %w", err)
	}
	return itemID, nil
}

func (s *PostgresShoppingList) activeListID(ctx context.Context, familyID string) (string, error) {
	var listID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM shopping_lists
		WHERE family_id = $1 AND is_active = true
		LIMIT 1
	`, familyID).Scan(&listID)
	if err == nil {
		return listID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to find shopping list: %w", err)
	}

	listID = uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shopping_lists (id, family_id, name, is_active)
		VALUES ($1, $2, 'Shopping List', true)
	`, listID, familyID)
	if err != nil {
		return "", fmt.Errorf("failed to create shopping list: %w", err)
	}
	return listID, nil
}

// PostgresTodoCreator implements rules.TodoCreator over the todo_items
// table.
type PostgresTodoCreator struct {
	db *sql.DB
}

// NewPostgresTodoCreator creates a PostgreSQL-backed todo creator.
func NewPostgresTodoCreator(db *sql.DB) *PostgresTodoCreator {
	return &PostgresTodoCreator{db: db}
}

func (t *PostgresTodoCreator) Create(ctx context.Context, familyID, title, description, assigneeID, priority string, dueDate *time.Time) (string, error) {
	creatorID, err := anyParentID(ctx, t.db, familyID)
	if err != nil {
		return "", err
	}

	var due sql.NullTime
	if dueDate != nil {
		due = sql.NullTime{Time: *dueDate, Valid: true}
	}

	todoID := uuid.NewString()
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO todo_items (id, family_id, title, description, assigned_to_id, priority, due_date, created_by_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING')
	`, todoID, familyID, title, nullable(description), nullable(assigneeID), priority, due, creatorID)
	if err != nil {
		return "", fmt.Errorf("failed to create todo: %w", err)
	}
	return todoID, nil
}

// anyParentID picks a parent to stand in as the acting user for
// engine-initiated writes, since automation has no session of its own.
func anyParentID(ctx context.Context, db *sql.DB, familyID string) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT id FROM family_members
		WHERE family_id = $1 AND role = 'PARENT' AND is_active = true
		LIMIT 1
	`, familyID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no parent found in family %s", familyID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to find a parent: %w", err)
	}
	return id, nil
}
