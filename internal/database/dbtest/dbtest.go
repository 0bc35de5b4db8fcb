// Package dbtest opens throwaway in-memory databases for tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-settlement/internal/database"
)

// New returns an empty in-memory sqlite database with every table created.
// It is closed when the test ends.
func New(t testing.TB) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	// Each connection would get its own in-memory database.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetConnMaxLifetime(0)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, database.CreateSchema(context.Background(), db))

	t.Cleanup(func() { db.Close() })
	return db
}

// WithCatalog returns a database seeded with database.DemoCatalog.
func WithCatalog(t testing.TB) (*bun.DB, database.Catalog) {
	t.Helper()
	db := New(t)
	c := database.DemoCatalog()
	require.NoError(t, database.Seed(context.Background(), db, c.Rows()...))
	return db, c
}

// Insert stores rows or fails the test.
func Insert(t testing.TB, db bun.IDB, rows ...interface{}) {
	t.Helper()
	for _, row := range rows {
		_, err := db.NewInsert().Model(row).Exec(context.Background())
		require.NoError(t, err)
	}
}
