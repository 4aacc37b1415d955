package sqldata

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/guardrail"
)

func sqliteSource(t *testing.T) *Source {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, ddl := range []string{
		`CREATE TABLE bookings (
			id    TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			seats INTEGER NOT NULL DEFAULT 0,
			note  TEXT
		)`,
		`CREATE TABLE invites (
			id         TEXT PRIMARY KEY,
			booking_id TEXT NOT NULL,
			user_id    TEXT NOT NULL
		)`,
	} {
		_, err = db.Exec(ddl)
		require.NoError(t, err)
	}
	return New(db, SQLite, testSchema(t))
}

func seedSQLite(t *testing.T, s *Source) {
	t.Helper()
	ctx := context.Background()
	for _, row := range []guardrail.Record{
		{"id": "b1", "owner": "alice", "seats": int64(4)},
		{"id": "b2", "owner": "bob", "seats": int64(2), "note": "tentative"},
	} {
		_, err := s.Create(ctx, "Booking", row)
		require.NoError(t, err)
	}
	for _, row := range []guardrail.Record{
		{"id": "i1", "bookingId": "b1", "userId": "bob"},
		{"id": "i2", "bookingId": "b2", "userId": "carol"},
	} {
		_, err := s.Create(ctx, "Invite", row)
		require.NoError(t, err)
	}
}

func TestSQLiteCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := sqliteSource(t)
	seedSQLite(t, s)

	t.Run("find_with_filter", func(t *testing.T) {
		rows, err := s.FindMany(ctx, "Booking", &guardrail.Query{
			Filter: guardrail.Cond("owner", guardrail.CmpEQ, "alice"),
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "b1", rows[0]["id"])
		assert.Equal(t, int64(4), rows[0]["seats"])
		assert.Nil(t, rows[0]["note"])
	})

	t.Run("find_with_existential", func(t *testing.T) {
		rows, err := s.FindMany(ctx, "Booking", &guardrail.Query{
			Filter: guardrail.Some("invites", guardrail.Cond("userId", guardrail.CmpEQ, "bob")),
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "b1", rows[0]["id"])
	})

	t.Run("order_and_limit", func(t *testing.T) {
		rows, err := s.FindMany(ctx, "Booking", &guardrail.Query{
			OrderBy: []string{"-seats"},
			Limit:   1,
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "b1", rows[0]["id"])
	})

	t.Run("include", func(t *testing.T) {
		rows, err := s.FindMany(ctx, "Booking", &guardrail.Query{
			Filter:  guardrail.Cond("id", guardrail.CmpEQ, "b1"),
			Include: map[string]*guardrail.Query{"invites": {}},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		invites := rows[0]["invites"].([]guardrail.Record)
		require.Len(t, invites, 1)
		assert.Equal(t, "bob", invites[0]["userId"])
	})

	t.Run("count", func(t *testing.T) {
		n, err := s.Count(ctx, "Booking", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("create_generates_id", func(t *testing.T) {
		created, err := s.Create(ctx, "Booking", guardrail.Record{"owner": "carol", "seats": int64(1)})
		require.NoError(t, err)
		assert.NotEmpty(t, created["id"])
	})

	t.Run("duplicate_id_maps_to_constraint_error", func(t *testing.T) {
		_, err := s.Create(ctx, "Booking", guardrail.Record{"id": "b1", "owner": "dup", "seats": int64(0)})
		require.Error(t, err)
		assert.True(t, guardrail.IsConstraintError(err), "got %v", err)
	})

	t.Run("update_returns_updated_state", func(t *testing.T) {
		updated, err := s.Update(ctx, "Booking",
			guardrail.Cond("id", guardrail.CmpEQ, "b2"),
			guardrail.Record{"note": "confirmed"},
		)
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.Equal(t, "confirmed", updated[0]["note"])
	})

	t.Run("update_no_match", func(t *testing.T) {
		updated, err := s.Update(ctx, "Booking",
			guardrail.Cond("id", guardrail.CmpEQ, "ghost"),
			guardrail.Record{"note": "x"},
		)
		require.NoError(t, err)
		assert.Empty(t, updated)
	})

	t.Run("load_related", func(t *testing.T) {
		rows, err := s.LoadRelated(ctx, "Invite", "booking", guardrail.Record{"id": "i1", "bookingId": "b1"})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "alice", rows[0]["owner"])
	})

	t.Run("delete", func(t *testing.T) {
		n, err := s.Delete(ctx, "Invite", guardrail.Cond("userId", guardrail.CmpEQ, "carol"))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestSQLiteInTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rollback", func(t *testing.T) {
		t.Parallel()
		s := sqliteSource(t)
		seedSQLite(t, s)
		boom := errors.New("boom")
		err := s.InTx(ctx, func(ctx context.Context, tx guardrail.DataSource) error {
			if _, err := tx.Delete(ctx, "Invite", nil); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		n, err := s.Count(ctx, "Invite", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("commit", func(t *testing.T) {
		t.Parallel()
		s := sqliteSource(t)
		seedSQLite(t, s)
		err := s.InTx(ctx, func(ctx context.Context, tx guardrail.DataSource) error {
			_, err := tx.Update(ctx, "Booking",
				guardrail.Cond("id", guardrail.CmpEQ, "b1"),
				guardrail.Record{"seats": int64(9)},
			)
			return err
		})
		require.NoError(t, err)
		rows, err := s.FindMany(ctx, "Booking", &guardrail.Query{
			Filter: guardrail.Cond("id", guardrail.CmpEQ, "b1"),
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(9), rows[0]["seats"])
	})

	t.Run("nested_reuses_transaction", func(t *testing.T) {
		t.Parallel()
		s := sqliteSource(t)
		seedSQLite(t, s)
		err := s.InTx(ctx, func(ctx context.Context, outer guardrail.DataSource) error {
			return outer.InTx(ctx, func(ctx context.Context, inner guardrail.DataSource) error {
				_, err := inner.Delete(ctx, "Invite", nil)
				return err
			})
		})
		require.NoError(t, err)
		n, err := s.Count(ctx, "Invite", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestGeneratedSQL(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	s := New(db, MySQL, testSchema(t))

	mock.ExpectQuery("SELECT t0.id, t0.owner, t0.seats, t0.note FROM bookings t0 WHERE t0.owner = ? ORDER BY t0.seats DESC LIMIT 5").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner", "seats", "note"}).
			AddRow("b1", "alice", int64(4), nil))

	rows, err := s.FindMany(context.Background(), "Booking", &guardrail.Query{
		Filter:  guardrail.Cond("owner", guardrail.CmpEQ, "alice"),
		OrderBy: []string{"-seats"},
		Limit:   5,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, guardrail.Record{"id": "b1", "owner": "alice", "seats": int64(4), "note": nil}, rows[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLConstraintMapping(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	s := New(db, MySQL, testSchema(t))

	mock.ExpectExec("INSERT INTO bookings").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'b1'"})

	_, err = s.Create(context.Background(), "Booking", guardrail.Record{"id": "b1", "owner": "alice"})
	require.Error(t, err)
	assert.True(t, guardrail.IsConstraintError(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
