package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aradsms/virtual_number_services/internal/platform/database"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS virtual_numbers (
    id          TEXT PRIMARY KEY,
    provider_id TEXT NOT NULL,
    country     TEXT NOT NULL,
    operator    TEXT NOT NULL,
    service     TEXT NOT NULL,
    number      TEXT NOT NULL,
    status      TEXT NOT NULL,
    sms_code    TEXT,
    sms_text    TEXT,
    price       NUMERIC(12, 4) NOT NULL DEFAULT 0,
    expires_at  TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_virtual_numbers_status ON virtual_numbers (status);
CREATE INDEX IF NOT EXISTS idx_virtual_numbers_created_at ON virtual_numbers (created_at DESC);`

const selectColumns = `SELECT id, provider_id, country, operator, service, number, status, sms_code, sms_text,
    price, expires_at, created_at, updated_at FROM virtual_numbers`

// PgPhoneNumberRepository persists sessions in the virtual_numbers table.
type PgPhoneNumberRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgPhoneNumberRepository(db database.DBTX, logger *slog.Logger) *PgPhoneNumberRepository {
	return &PgPhoneNumberRepository{db: db, logger: logger.With("component", "phone_number_repository_pg")}
}

// EnsureSchema creates the table and indexes if they do not exist.
func (r *PgPhoneNumberRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure virtual_numbers schema: %w", err)
	}
	return nil
}

// Save upserts the session. Purchase fields are written once; later saves only move
// status, code and updated_at, and never move a terminal row.
func (r *PgPhoneNumberRepository) Save(ctx context.Context, number *domain.PhoneNumber) error {
	query := `INSERT INTO virtual_numbers (id, provider_id, country, operator, service, number, status,
    sms_code, sms_text, price, expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
    number = CASE WHEN virtual_numbers.number = '' THEN EXCLUDED.number ELSE virtual_numbers.number END,
    status = EXCLUDED.status,
    sms_code = COALESCE(EXCLUDED.sms_code, virtual_numbers.sms_code),
    sms_text = COALESCE(EXCLUDED.sms_text, virtual_numbers.sms_text),
    updated_at = EXCLUDED.updated_at
WHERE virtual_numbers.status NOT IN ('finished', 'cancelled', 'expired')`

	_, err := r.db.Exec(ctx, query,
		number.ID, number.ProviderID, number.Country, number.Operator, number.Service, number.Number,
		string(number.Status), nullIfEmpty(number.SMSCode), nullIfEmpty(number.SMSText), number.Price,
		number.ExpiresAt, number.CreatedAt, number.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error saving session", "session_id", number.ID, "error", err)
		return fmt.Errorf("saving session %s: %w", number.ID, err)
	}
	r.logger.DebugContext(ctx, "Session saved", "session_id", number.ID, "status", number.Status.String())
	return nil
}

func (r *PgPhoneNumberRepository) GetByID(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	number, err := scanPhoneNumber(r.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting session", "session_id", id, "error", err)
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return number, nil
}

// ListActive returns every non-terminal session, oldest first.
func (r *PgPhoneNumberRepository) ListActive(ctx context.Context) ([]*domain.PhoneNumber, error) {
	return r.list(ctx, selectColumns+` WHERE status IN ('pending', 'received') ORDER BY created_at ASC`)
}

// ListRecent returns up to limit sessions of any status, newest first.
func (r *PgPhoneNumberRepository) ListRecent(ctx context.Context, limit int) ([]*domain.PhoneNumber, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, selectColumns+` ORDER BY created_at DESC LIMIT $1`, limit)
}

func (r *PgPhoneNumberRepository) list(ctx context.Context, query string, args ...any) ([]*domain.PhoneNumber, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing sessions", "error", err)
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var numbers []*domain.PhoneNumber
	for rows.Next() {
		number, err := scanPhoneNumber(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		numbers = append(numbers, number)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return numbers, nil
}

func scanPhoneNumber(row pgx.Row) (*domain.PhoneNumber, error) {
	var (
		n                domain.PhoneNumber
		status           string
		smsCode, smsText *string
		expires, created time.Time
		updated          time.Time
	)
	err := row.Scan(&n.ID, &n.ProviderID, &n.Country, &n.Operator, &n.Service, &n.Number, &status,
		&smsCode, &smsText, &n.Price, &expires, &created, &updated)
	if err != nil {
		return nil, err
	}
	n.Status = domain.Status(status)
	if !n.Status.IsValid() {
		return nil, fmt.Errorf("unknown status %q for session %s", status, n.ID)
	}
	if smsCode != nil {
		n.SMSCode = *smsCode
	}
	if smsText != nil {
		n.SMSText = *smsText
	}
	n.ExpiresAt, n.CreatedAt, n.UpdatedAt = expires.UTC(), created.UTC(), updated.UTC()
	return &n, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
