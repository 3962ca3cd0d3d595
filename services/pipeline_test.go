package services

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattline/home-energy/backend/models"
)

func newTestPipeline(t *testing.T) (*Pipeline, *sql.DB, *OfflineBuffer) {
	t.Helper()
	db := newTestDB(t)

	aggregator := NewAggregator(db)
	hub := NewHub(db, aggregator, testJWTSecret)
	notifier := NewNotifier(db, hub, time.Hour)
	statusTracker := NewStatusTracker(db, notifier, 2*time.Minute, time.Hour)
	integrator := NewIntegrator(db)
	integrator.Start()
	t.Cleanup(integrator.Stop)

	buffer := NewOfflineBuffer(db, filepath.Join(t.TempDir(), "offline.jsonl"), "http://127.0.0.1:0", time.Hour)
	return NewPipeline(db, integrator, statusTracker, aggregator, notifier, hub, buffer), db, buffer
}

func TestLookupDevice(t *testing.T) {
	p, db, _ := newTestPipeline(t)

	seedDevice(t, db, "plug-a", 42, true)

	userID, ok := p.LookupDevice("plug-a")
	assert.True(t, ok)
	assert.Equal(t, 42, userID)

	_, ok = p.LookupDevice("never-registered")
	assert.False(t, ok)
}

func TestProcessPowerSampleEndToEnd(t *testing.T) {
	p, db, _ := newTestPipeline(t)

	seedDevice(t, db, "plug-a", 1, true)

	power := 150.0
	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	p.Process("plug-a", 1, Sample{PowerW: &power, ReceivedAt: base})

	// Raw reading stored
	var count int
	require.NoError(t, db.QueryRow(`
		SELECT COUNT(*) FROM power_readings WHERE device_id = 'plug-a'
	`).Scan(&count))
	assert.Equal(t, 1, count)

	// Ledger row seeded for the sample's day
	var energy float64
	require.NoError(t, db.QueryRow(`
		SELECT energy_wh FROM daily_consumption
		WHERE user_id = 1 AND device_id = 'plug-a' AND date = '2026-03-14'
	`).Scan(&energy))
	assert.Equal(t, 0.0, energy)

	// Liveness refreshed
	var online bool
	require.NoError(t, db.QueryRow(`
		SELECT is_online FROM device_status WHERE device_id = 'plug-a'
	`).Scan(&online))
	assert.True(t, online)

	// Second sample integrates: 150W then 250W over 30min = 100Wh
	power2 := 250.0
	p.Process("plug-a", 1, Sample{PowerW: &power2, ReceivedAt: base.Add(30 * time.Minute)})

	require.NoError(t, db.QueryRow(`
		SELECT energy_wh FROM daily_consumption
		WHERE user_id = 1 AND device_id = 'plug-a' AND date = '2026-03-14'
	`).Scan(&energy))
	assert.InDelta(t, 100.0, energy, 1e-9)
}

func TestProcessSwitchSampleUpdatesStateMachine(t *testing.T) {
	p, db, _ := newTestPipeline(t)

	seedDevice(t, db, "plug-a", 1, false)

	on := true
	p.Process("plug-a", 1, Sample{On: &on})

	var isOn bool
	require.NoError(t, db.QueryRow(`SELECT is_on FROM devices WHERE id = 'plug-a'`).Scan(&isOn))
	assert.True(t, isOn)
	assert.Equal(t, 1, notificationCount(t, db, 1, models.NotifTypeDeviceOnline))
}

func TestProcessDivertsReadingWhenStoreRejects(t *testing.T) {
	p, db, buffer := newTestPipeline(t)

	seedDevice(t, db, "plug-a", 1, true)

	_, err := db.Exec(`
		CREATE TRIGGER reject_readings BEFORE INSERT ON power_readings
		BEGIN
			SELECT RAISE(ABORT, 'store unavailable');
		END
	`)
	require.NoError(t, err)

	power := 150.0
	p.Process("plug-a", 1, Sample{PowerW: &power})

	assert.Equal(t, 1, buffer.Pending())
}
