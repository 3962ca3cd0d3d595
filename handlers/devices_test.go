package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattline/home-energy/backend/database"
	"github.com/wattline/home-energy/backend/middleware"
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

func authedRequest(t *testing.T, method, target string, userID int) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(req.Context(), middleware.UserIDKey, userID)
	return req.WithContext(ctx)
}

func TestListReportsConnectionType(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Exec(`
		INSERT INTO devices (id, user_id, name, connection_type) VALUES
			('plug-a', 1, 'Plug A', 'mqtt'),
			('meter-1', 1, 'Main Meter', 'modbus_tcp')
	`)
	require.NoError(t, err)

	h := NewDeviceHandler(db, nil)
	rr := httptest.NewRecorder()
	h.List(rr, authedRequest(t, "GET", "/api/devices", 1))

	require.Equal(t, http.StatusOK, rr.Code)

	var devices []struct {
		ID             string `json:"id"`
		ConnectionType string `json:"connection_type"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &devices))
	require.Len(t, devices, 2)

	byID := map[string]string{}
	for _, d := range devices {
		byID[d.ID] = d.ConnectionType
	}
	assert.Equal(t, "modbus_tcp", byID["meter-1"])
	assert.Equal(t, "mqtt", byID["plug-a"])
}
