package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AustejaJak/tincisnotcatan/internal/group"
	"github.com/AustejaJak/tincisnotcatan/internal/lobby"
)

var (
	// ErrInvalidReason is returned when an outcome carries an unknown teardown reason.
	ErrInvalidReason = errors.New("invalid teardown reason")
	// ErrOutcomeExists is returned when a group's outcome was already recorded.
	ErrOutcomeExists = errors.New("outcome already recorded")
)

// ValidReason reports whether reason is a teardown reason the schema accepts.
func ValidReason(reason string) bool {
	switch group.Reason(reason) {
	case group.ReasonExpired, group.ReasonCompleted, group.ReasonShutdown:
		return true
	}
	return false
}

// OutcomeRepository stores one row per closed group. It implements
// lobby.OutcomeRecorder.
type OutcomeRepository struct {
	db *pgxpool.Pool
}

// NewOutcomeRepository creates an OutcomeRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewOutcomeRepository(db *pgxpool.Pool) *OutcomeRepository {
	return &OutcomeRepository{db: db}
}

// Record inserts o.
//
// Precondition: o.GroupID must be non-empty; o.Reason must satisfy ValidReason.
// Postcondition: The outcome is stored, or ErrInvalidReason / ErrOutcomeExists
// is returned.
func (r *OutcomeRepository) Record(ctx context.Context, o lobby.Outcome) error {
	if !ValidReason(o.Reason) {
		return fmt.Errorf("%w: %q", ErrInvalidReason, o.Reason)
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO group_outcomes
		   (group_id, name, capacity, members, reason, started, created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.GroupID, o.Name, o.Capacity, o.Members, o.Reason, o.Started, o.CreatedAt, o.ClosedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrOutcomeExists
		}
		return fmt.Errorf("inserting outcome: %w", err)
	}
	return nil
}

// Recent returns up to limit outcomes, most recently closed first.
//
// Precondition: limit must be positive.
func (r *OutcomeRepository) Recent(ctx context.Context, limit int) ([]lobby.Outcome, error) {
	rows, err := r.db.Query(ctx,
		`SELECT group_id, name, capacity, members, reason, started, created_at, closed_at
		 FROM group_outcomes
		 ORDER BY closed_at DESC, id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}
	outcomes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (lobby.Outcome, error) {
		var o lobby.Outcome
		err := row.Scan(&o.GroupID, &o.Name, &o.Capacity, &o.Members, &o.Reason, &o.Started, &o.CreatedAt, &o.ClosedAt)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning outcomes: %w", err)
	}
	return outcomes, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
