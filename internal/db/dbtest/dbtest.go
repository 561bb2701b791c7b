// Package dbtest opens migrated in-memory ledgers for tests.
package dbtest

import (
	"testing"

	"github.com/fcg/games/internal/db"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

// New returns a migrated SQLite in-memory database that is closed when the test ends.
func New(t testing.TB) *db.DB {
	t.Helper()

	database, err := db.Connect("sqlite", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	database.Logger = logger.Default.LogMode(logger.Silent)

	require.NoError(t, db.RunMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	return database
}
