package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

var columns = []string{"id", "provider_id", "country", "operator", "service", "number", "status",
	"sms_code", "sms_text", "price", "expires_at", "created_at", "updated_at"}

func strPtr(s string) *string { return &s }

func TestPgPhoneNumberRepository(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	created := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	expires := created.Add(20 * time.Minute)

	number := &domain.PhoneNumber{
		ID:         "11631253",
		ProviderID: "5sim",
		Country:    "russia",
		Operator:   "any",
		Service:    "telegram",
		Number:     "+79000381454",
		Status:     domain.StatusPending,
		Price:      21,
		ExpiresAt:  expires,
		CreatedAt:  created,
		UpdatedAt:  created,
	}

	t.Run("EnsureSchema", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgPhoneNumberRepository(mockPool, logger)

		mockPool.ExpectExec(`CREATE TABLE IF NOT EXISTS virtual_numbers`).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))

		require.NoError(t, repo.EnsureSchema(context.Background()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Save_PendingWithoutCode", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgPhoneNumberRepository(mockPool, logger)

		mockPool.ExpectExec(`INSERT INTO virtual_numbers`).
			WithArgs("11631253", "5sim", "russia", "any", "telegram", "+79000381454", "pending",
				nil, nil, 21.0, expires, created, created).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Save(context.Background(), number))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Save_ReceivedWithCode", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgPhoneNumberRepository(mockPool, logger)

		received := *number
		received.Status = domain.StatusReceived
		received.SMSCode = "123456"
		received.SMSText = "Your code: 123456"
		received.UpdatedAt = created.Add(time.Minute)

		mockPool.ExpectExec(`(?s)INSERT INTO virtual_numbers .* ON CONFLICT \(id\) DO UPDATE`).
			WithArgs("11631253", "5sim", "russia", "any", "telegram", "+79000381454", "received",
				"123456", "Your code: 123456", 21.0, expires, created, received.UpdatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Save(context.Background(), &received))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Save_DBError", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgPhoneNumberRepository(mockPool, logger)

		dbErr := errors.New("connection reset")
		mockPool.ExpectExec(`INSERT INTO virtual_numbers`).WillReturnError(dbErr)

		err = repo.Save(context.Background(), number)
		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("GetByID_Found", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgPhoneNumberRepository(mockPool, logger)

		rows := mockPool.NewRows(columns).AddRow("11631253", "5sim", "russia", "any", "telegram", "+79000381454",
			"received", strPtr("123456"), strPtr("Your code: 123456"), 21.0, expires, created, created)
		mockPool.ExpectQuery(`(?s)SELECT .* FROM virtual_numbers WHERE id = \$1`).
			WithArgs("11631253").
			WillReturnRows(rows)

		got, err := repo.GetByID(context.Background(), "11631253")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusReceived, got.Status)
		assert.Equal(t, "123456", got.SMSCode)
		assert.Equal(t, expires, got.ExpiresAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("GetByID_NotFound", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgPhoneNumberRepository(mockPool, logger)

		mockPool.ExpectQuery(`(?s)SELECT .* FROM virtual_numbers WHERE id = \$1`).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		got, err := repo.GetByID(context.Background(), "missing")
		assert.Nil(t, got)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("ListActive", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgPhoneNumberRepository(mockPool, logger)

		rows := mockPool.NewRows(columns).
			AddRow("1", "mock", "russia", "any", "telegram", "+79000000001", "pending", (*string)(nil), (*string)(nil), 21.0, expires, created, created).
			AddRow("2", "mock", "usa", "any", "telegram", "+12025550002", "received", strPtr("42"), strPtr("code 42"), 40.0, expires, created, created)
		mockPool.ExpectQuery(`(?s)SELECT .* FROM virtual_numbers WHERE status IN \('pending', 'received'\)`).
			WillReturnRows(rows)

		got, err := repo.ListActive(context.Background())
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, domain.StatusPending, got[0].Status)
		assert.Empty(t, got[0].SMSCode)
		assert.Equal(t, "42", got[1].SMSCode)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("ListRecent_DefaultLimit", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgPhoneNumberRepository(mockPool, logger)

		mockPool.ExpectQuery(`(?s)SELECT .* FROM virtual_numbers ORDER BY created_at DESC LIMIT \$1`).
			WithArgs(50).
			WillReturnRows(mockPool.NewRows(columns))

		got, err := repo.ListRecent(context.Background(), 0)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("ListActive_UnknownStatus", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgPhoneNumberRepository(mockPool, logger)

		rows := mockPool.NewRows(columns).
			AddRow("1", "mock", "russia", "any", "telegram", "+79000000001", "limbo", (*string)(nil), (*string)(nil), 21.0, expires, created, created)
		mockPool.ExpectQuery(`(?s)SELECT .* FROM virtual_numbers WHERE status IN`).WillReturnRows(rows)

		_, err = repo.ListActive(context.Background())
		assert.Error(t, err)
	})
}
