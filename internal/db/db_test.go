package db

import (
	"path/filepath"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `UPDATE quotations SET state=?, version=? WHERE id=? AND version=?`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `UPDATE quotations SET state=$1, version=$2 WHERE id=$3 AND version=$4`
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestOpenSelectsDialect(t *testing.T) {
	dir := t.TempDir()
	conn, d, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	conn.Close()
	if d != SQLite {
		t.Fatalf("default dialect %s", d)
	}

	conn, d, err = Open(Config{DSN: "sqlite://" + filepath.Join(dir, "other.db")})
	if err != nil {
		t.Fatalf("open sqlite url: %v", err)
	}
	conn.Close()
	if d != SQLite {
		t.Fatalf("sqlite url dialect %s", d)
	}

	conn, d, err = Open(Config{DSN: "postgres://user:pw@localhost:5432/quotes?sslmode=disable"})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	conn.Close()
	if d != Postgres {
		t.Fatalf("postgres dialect %s", d)
	}

	if _, _, err := Open(Config{DSN: "mysql://localhost/x"}); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
