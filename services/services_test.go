package services

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/wattline/home-energy/backend/database"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.RunMigrations(db))
	return db
}

func seedDevice(t *testing.T, db *sql.DB, deviceID string, userID int, on bool) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO devices (id, user_id, name, is_on) VALUES (?, ?, ?, ?)
	`, deviceID, userID, "Test "+deviceID, on)
	require.NoError(t, err)
}
