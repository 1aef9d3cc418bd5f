package db

import (
	"context"
	"errors"
	"testing"
)

func countRows(t *testing.T, store *Store, ctx context.Context) int {
	t.Helper()
	var n int
	if err := store.Conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM staff`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func setupStaff(t *testing.T) *Store {
	t.Helper()
	store := openTestStore(t)
	if _, err := store.DB.Exec(`CREATE TABLE staff (id TEXT PRIMARY KEY, documento TEXT NOT NULL UNIQUE)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return store
}

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestDBTxKey(t *testing.T) {
	if DBTxKey != "db_tx" {
		t.Errorf("expected DBTxKey to be 'db_tx', got %q", DBTxKey)
	}
}

func TestInTx_Commit(t *testing.T) {
	store := setupStaff(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context) error {
		if TxFromContext(ctx) == nil {
			t.Error("expected tx in context")
		}
		_, err := store.Conn(ctx).ExecContext(ctx, `INSERT INTO staff (id, documento) VALUES ('1', 'a')`)
		return err
	})
	if err != nil {
		t.Fatalf("InTx() error: %v", err)
	}
	if n := countRows(t, store, ctx); n != 1 {
		t.Errorf("expected 1 row after commit, got %d", n)
	}
}

func TestInTx_Rollback(t *testing.T) {
	store := setupStaff(t)
	ctx := context.Background()
	sentinel := errors.New("stop")

	err := store.InTx(ctx, func(ctx context.Context) error {
		if _, err := store.Conn(ctx).ExecContext(ctx, `INSERT INTO staff (id, documento) VALUES ('1', 'a')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if n := countRows(t, store, ctx); n != 0 {
		t.Errorf("expected 0 rows after rollback, got %d", n)
	}
}

func TestSavepoint_PartialRollback(t *testing.T) {
	store := setupStaff(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context) error {
		q := store.Conn(ctx)
		if err := store.Savepoint(ctx, "row_1", func(ctx context.Context) error {
			_, err := q.ExecContext(ctx, `INSERT INTO staff (id, documento) VALUES ('1', 'a')`)
			return err
		}); err != nil {
			return err
		}
		spErr := store.Savepoint(ctx, "row_2", func(ctx context.Context) error {
			_, err := q.ExecContext(ctx, `INSERT INTO staff (id, documento) VALUES ('2', 'a')`)
			return err
		})
		if spErr == nil {
			t.Error("expected duplicate documento to fail inside savepoint")
		}
		return store.Savepoint(ctx, "row_3", func(ctx context.Context) error {
			_, err := q.ExecContext(ctx, `INSERT INTO staff (id, documento) VALUES ('3', 'b')`)
			return err
		})
	})
	if err != nil {
		t.Fatalf("InTx() error: %v", err)
	}
	if n := countRows(t, store, ctx); n != 2 {
		t.Errorf("expected 2 rows after partial rollback, got %d", n)
	}
}

func TestSavepoint_RequiresTx(t *testing.T) {
	store := setupStaff(t)
	err := store.Savepoint(context.Background(), "sp", func(ctx context.Context) error { return nil })
	if err == nil {
		t.Error("expected error without a transaction")
	}
}
