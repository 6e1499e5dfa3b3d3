package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrAttemptNotFound = errors.New("payment attempt not found")

type AttemptRepository interface {
	Create(ctx context.Context, record *domain.AttemptRecord) error
	UpdateOutcome(ctx context.Context, id uuid.UUID, status domain.AttemptStatus, attemptsMade int) error
	ExpireInitiatedBefore(ctx context.Context, deadline time.Time) ([]domain.AttemptRecord, error)
}

type PGAttemptRepository struct {
	db *pgxpool.Pool
}

func NewAttemptRepository(db *pgxpool.Pool) AttemptRepository {
	return &PGAttemptRepository{db: db}
}

const attemptColumns = `id, booking_id, flow_variant, tx_ref, amount, redirect_url, status, attempts_made, payer_email, browser, platform, created_at, updated_at`

func (r *PGAttemptRepository) Create(ctx context.Context, rec *domain.AttemptRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = domain.AttemptStatusInitiated
	}
	return r.db.QueryRow(ctx, `INSERT INTO payment_attempts (id, booking_id, flow_variant, tx_ref, amount, redirect_url, status, payer_email, browser, platform)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		rec.ID, rec.BookingID, rec.FlowVariant, rec.TransactionReference, rec.Amount, rec.RedirectURL, rec.Status, rec.PayerEmail, rec.Browser, rec.Platform).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

// UpdateOutcome only moves attempts that are initiated or timed out, so a
// late outcome never overwrites a verified, failed or abandoned one.
func (r *PGAttemptRepository) UpdateOutcome(ctx context.Context, id uuid.UUID, status domain.AttemptStatus, attemptsMade int) error {
	cmd, err := r.db.Exec(ctx, `UPDATE payment_attempts SET status=$1, attempts_made=$2, updated_at=now()
		WHERE id=$3 AND status IN ($4, $5)`, status, attemptsMade, id, domain.AttemptStatusInitiated, domain.AttemptStatusTimedOut)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (r *PGAttemptRepository) ExpireInitiatedBefore(ctx context.Context, deadline time.Time) ([]domain.AttemptRecord, error) {
	rows, err := r.db.Query(ctx, `UPDATE payment_attempts SET status=$1, updated_at=now()
		WHERE status=$2 AND created_at <= $3 RETURNING `+attemptColumns,
		domain.AttemptStatusAbandoned, domain.AttemptStatusInitiated, deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []domain.AttemptRecord
	for rows.Next() {
		rec, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *rec)
	}
	return expired, rows.Err()
}

func scanAttempt(row pgx.Row) (*domain.AttemptRecord, error) {
	var rec domain.AttemptRecord
	if err := row.Scan(&rec.ID, &rec.BookingID, &rec.FlowVariant, &rec.TransactionReference, &rec.Amount, &rec.RedirectURL,
		&rec.Status, &rec.AttemptsMade, &rec.PayerEmail, &rec.Browser, &rec.Platform, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

var _ AttemptRepository = (*PGAttemptRepository)(nil)
