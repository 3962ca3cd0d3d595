package services

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, probeURL string) *OfflineBuffer {
	t.Helper()
	db := newTestDB(t)
	path := filepath.Join(t.TempDir(), "offline-readings.jsonl")
	return NewOfflineBuffer(db, path, probeURL, time.Hour)
}

func probeServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAppendAndPending(t *testing.T) {
	ob := newTestBuffer(t, "http://127.0.0.1:0")

	assert.Equal(t, 0, ob.Pending())

	require.NoError(t, ob.Append("plug-a", 1, time.Now(), 100))
	require.NoError(t, ob.Append("plug-b", 1, time.Now(), 200))

	assert.Equal(t, 2, ob.Pending())
}

func TestReconcileReplaysIntoStore(t *testing.T) {
	probe := probeServer(t, http.StatusNoContent)
	ob := newTestBuffer(t, probe.URL)

	ts := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	require.NoError(t, ob.Append("plug-a", 1, ts, 100))
	require.NoError(t, ob.Append("plug-b", 1, ts.Add(time.Minute), 200))

	ob.Reconcile()

	assert.Equal(t, 0, ob.Pending())

	var count int
	require.NoError(t, ob.db.QueryRow(`SELECT COUNT(*) FROM power_readings`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestReconcileSkipsReplayWhileOffline(t *testing.T) {
	probe := probeServer(t, http.StatusInternalServerError)
	ob := newTestBuffer(t, probe.URL)

	require.NoError(t, ob.Append("plug-a", 1, time.Now(), 100))

	ob.Reconcile()

	// Probe failed, so nothing was replayed and nothing was dropped
	assert.Equal(t, 1, ob.Pending())

	var count int
	require.NoError(t, ob.db.QueryRow(`SELECT COUNT(*) FROM power_readings`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestReconcileKeepsOnlyFailedRecords(t *testing.T) {
	probe := probeServer(t, http.StatusNoContent)
	ob := newTestBuffer(t, probe.URL)

	// Reject inserts for one specific device so part of the replay fails
	_, err := ob.db.Exec(`
		CREATE TRIGGER reject_bad_device BEFORE INSERT ON power_readings
		WHEN NEW.device_id = 'plug-bad'
		BEGIN
			SELECT RAISE(ABORT, 'rejected');
		END
	`)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	require.NoError(t, ob.Append("plug-a", 1, ts, 100))
	require.NoError(t, ob.Append("plug-bad", 1, ts.Add(time.Minute), 200))
	require.NoError(t, ob.Append("plug-b", 1, ts.Add(2*time.Minute), 300))

	ob.Reconcile()

	// Confirmed inserts are gone, the failed record is still queued
	records, err := ob.readAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "plug-bad", records[0].DeviceID)

	var count int
	require.NoError(t, ob.db.QueryRow(`SELECT COUNT(*) FROM power_readings`).Scan(&count))
	assert.Equal(t, 2, count)

	// Next cycle with the fault cleared drains the queue
	_, err = ob.db.Exec(`DROP TRIGGER reject_bad_device`)
	require.NoError(t, err)

	ob.Reconcile()
	assert.Equal(t, 0, ob.Pending())
	require.NoError(t, ob.db.QueryRow(`SELECT COUNT(*) FROM power_readings`).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestReadAllSkipsCorruptLines(t *testing.T) {
	ob := newTestBuffer(t, "http://127.0.0.1:0")

	require.NoError(t, ob.Append("plug-a", 1, time.Now(), 100))

	f, err := os.OpenFile(ob.path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("this is not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, ob.Append("plug-b", 1, time.Now(), 200))

	records, err := ob.readAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "plug-a", records[0].DeviceID)
	assert.Equal(t, "plug-b", records[1].DeviceID)
}
