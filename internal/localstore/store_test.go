package localstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := newTestStore(t)
	cols, err := s.TableInfo(context.Background(), "sync_queue_items")
	require.NoError(t, err)
	require.NotEmpty(t, cols)

	var names []string
	for _, c := range cols {
		names = append(names, c.Name)
	}
	require.Contains(t, names, "idempotency_key")
	require.Contains(t, names, "id_negotiation_status")
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterModelTable(ctx, "Widget", "widgets", `
		CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT)
	`))

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, "w1", "gizmo")
		return execErr
	})
	require.NoError(t, err)

	var name string
	require.NoError(t, s.QueryRow(ctx, `SELECT name FROM widgets WHERE id = ?`, "w1").Scan(&name))
	require.Equal(t, "gizmo", name)

	rollbackErr := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, "w2", "sprocket"); err != nil {
			return err
		}
		return sql.ErrTxDone // force a rollback
	})
	require.Error(t, rollbackErr)

	var count int
	require.NoError(t, s.QueryRow(ctx, `SELECT COUNT(*) FROM widgets WHERE id = ?`, "w2").Scan(&count))
	require.Equal(t, 0, count)
}

func TestSubscribeAndNotify(t *testing.T) {
	s := newTestStore(t)
	ch, cancel := s.Subscribe("widgets")
	defer cancel()

	s.Notify("widgets")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}
}

func TestNotifyUnrelatedTableDoesNotWake(t *testing.T) {
	s := newTestStore(t)
	ch, cancel := s.Subscribe("widgets")
	defer cancel()

	s.Notify("gadgets")
	select {
	case <-ch:
		t.Fatal("unexpected notification for unrelated table")
	case <-time.After(50 * time.Millisecond):
	}
}
