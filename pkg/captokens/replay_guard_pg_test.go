package captokens

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresReplayGuard_FirstInsertWins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	guard := NewPostgresReplayGuard(db)
	exp := time.Now().Add(time.Minute)

	mock.ExpectExec(`INSERT INTO replay_guard`).
		WithArgs("j-1", exp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := guard.InsertIfAbsent(context.Background(), "j-1", exp)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second insert conflicts on the live row: zero rows affected.
	mock.ExpectExec(`INSERT INTO replay_guard`).
		WithArgs("j-1", exp).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = guard.InsertIfAbsent(context.Background(), "j-1", exp)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReplayGuard_Cleanup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`DELETE FROM replay_guard`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	guard := NewPostgresReplayGuard(db)
	require.NoError(t, guard.Cleanup(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
