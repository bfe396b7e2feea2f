// Package effects provides the PostgreSQL-backed collaborators the rules
// engine consumes as opaque effect handlers: the credits ledger, notifier,
// member directory, shopping list, todo creator and screen-time adjuster.
// Each call is individually atomic; the engine treats them as black boxes.
package effects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresLedger implements rules.CreditsLedger over the credit_balances and
// credit_transactions tables.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a PostgreSQL-backed credits ledger.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Award adds amount to the member's balance and records a transaction row,
// both inside one database transaction so the balance and its history never
// diverge.
func (l *PostgresLedger) Award(ctx context.Context, memberID string, amount int, reason string) (int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var newBalance int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_balances (member_id, current_balance, lifetime_earned, lifetime_spent)
		VALUES ($1, $2, $2, 0)
		ON CONFLICT (member_id) DO UPDATE
		SET current_balance = credit_balances.current_balance + EXCLUDED.current_balance,
		    lifetime_earned = credit_balances.lifetime_earned + EXCLUDED.lifetime_earned
		RETURNING current_balance
	`, memberID, amount).Scan(&newBalance)
	if err != nil {
		return 0, fmt.Errorf("failed to update credit balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, member_id, type, amount, balance_after, reason, category)
		VALUES ($1, $2, 'BONUS', $3, $4, $5, 'OTHER')
	`, uuid.NewString(), memberID, amount, newBalance, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to record credit transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit credit award: %w", err)
	}
	return newBalance, nil
}

// PostgresScreenTime implements rules.ScreenTimeAdjuster over the
// screen_time_balances and screen_time_transactions tables.
type PostgresScreenTime struct {
	db *sql.DB
}

// NewPostgresScreenTime creates a PostgreSQL-backed screen-time adjuster.
func NewPostgresScreenTime(db *sql.DB) *PostgresScreenTime {
	return &PostgresScreenTime{db: db}
}

// Adjust shifts the member's balance by a signed number of minutes, clamped
// at zero, and records the transaction.
func (s *PostgresScreenTime) Adjust(ctx context.Context, memberID string, minutes int, reason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var newBalance int
	err = tx.QueryRowContext(ctx, `
		UPDATE screen_time_balances
		SET current_balance_minutes = GREATEST(0, current_balance_minutes + $1)
		WHERE member_id = $2
		RETURNING current_balance_minutes
	`, minutes, memberID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no screen time balance found for member %s", memberID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust screen time balance: %w", err)
	}

	txType := "EARNED"
	if minutes < 0 {
		txType = "SPENT"
		minutes = -minutes
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO screen_time_transactions (id, member_id, type, amount_minutes, balance_after, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), memberID, txType, minutes, newBalance, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to record screen time transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit screen time adjustment: %w", err)
	}
	return newBalance, nil
}
