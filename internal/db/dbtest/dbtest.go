// Package dbtest provides a shared temp-file SQLite Store for tests across the
// module, so every package that needs a database exercises migrations the
// same way instead of hand-rolling schema setup.
package dbtest

import (
	"path/filepath"

	"github.com/rjsadow/hub/internal/db"
)

// TestingT is the subset of *testing.T (and Ginkgo's GinkgoTInterface)
// NewTestDB needs. Defined locally rather than as testing.TB so Ginkgo
// specs can pass GinkgoT() in directly: testing.TB carries an unexported
// method only the stdlib can satisfy.
type TestingT interface {
	Helper()
	Cleanup(func())
	Fatalf(format string, args ...any)
	TempDir() string
}

// NewTestDB opens a fresh file-backed SQLite database in t.TempDir() and
// runs migrations against it. A temp file (rather than ":memory:") is used
// so the migration step and subsequent queries share one visible schema
// regardless of bun's connection pooling.
func NewTestDB(t TestingT) *db.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.OpenDB("sqlite", dbPath)
	if err != nil {
		t.Fatalf("dbtest: failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}
