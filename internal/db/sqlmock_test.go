package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/market"
)

func TestSQLiteInTxRollsBackOnError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	s := NewSQLite(mockDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_authorizations")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.InTx(context.Background(), func(tx market.Tx) error {
		if _, _, err := tx.LockGrant(context.Background(), 1, 2); err != nil {
			return err
		}
		_, err := tx.InsertTransaction(context.Background(), market.Transaction{BuyerID: 2, AgentID: 1})
		return err
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteReserveUsageRespectsGuard(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	s := NewSQLite(mockDB)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("WHERE agent_id = ? AND user_id = ? AND expires_at > ? AND usage_count < usage_limit")).
		WithArgs(micros(now), int64(1), int64(2), micros(now)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ReserveUsage(context.Background(), 1, 2, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteCreateUserRollsBackKeyFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	s := NewSQLite(mockDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_api_keys")).
		WithArgs(int64(7), "dup", sqlmock.AnyArg()).
		WillReturnError(errors.New("UNIQUE constraint failed"))
	mock.ExpectRollback()

	_, err = s.CreateUser(context.Background(), market.User{Email: "x@example.com"}, "dup")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteGetGrantMapsNoRows(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	s := NewSQLite(mockDB)

	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_authorizations WHERE agent_id = ? AND user_id = ?")).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "user_id", "usage_limit", "usage_count", "expires_at", "created_at", "updated_at"}))

	_, err = s.GetGrant(context.Background(), 1, 2)
	assert.ErrorIs(t, err, market.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
