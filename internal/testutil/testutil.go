// Package testutil opens throwaway SQLite databases and supplies a
// controllable clock for tests.
package testutil

import (
	"database/sql"
	"embed"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aryan0dhankhar/clinicore/pkg/database"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteMigrations returns the SQLite flavour of the schema, laid out the same
// way as the top-level migrations directory.
func SQLiteMigrations() fs.FS {
	sub, err := fs.Sub(sqliteMigrations, "sqlite")
	if err != nil {
		panic(err)
	}
	return sub
}

// SQLiteDSN returns a DSN for a fresh database file under t.TempDir().
func SQLiteDSN(t testing.TB) string {
	t.Helper()
	cfg := &database.Config{Driver: "sqlite3", Database: filepath.Join(t.TempDir(), "clinicore.db")}
	return cfg.DSN()
}

// OpenSQLite opens a fresh file-backed SQLite database that is closed when
// the test ends.
func OpenSQLite(t testing.TB) *database.Database {
	t.Helper()
	db, err := sql.Open("sqlite3", SQLiteDSN(t))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("ping sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return database.Wrap(db, database.SQLite)
}

// Clock is a manually advanced clock
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at start
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
