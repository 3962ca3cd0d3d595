package services

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerCursor(t *testing.T, db *sql.DB, userID int, deviceID, date string) time.Time {
	t.Helper()
	var cursor sql.NullTime
	err := db.QueryRow(`
		SELECT last_sample_time FROM daily_consumption
		WHERE user_id = ? AND device_id = ? AND date = ?
	`, userID, deviceID, date).Scan(&cursor)
	require.NoError(t, err)
	require.True(t, cursor.Valid)
	return cursor.Time
}

func TestIntegrateFirstSampleSeedsCursorOnly(t *testing.T) {
	db := newTestDB(t)
	in := NewIntegrator(db)
	in.Start()
	defer in.Stop()

	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	energy, err := in.Integrate(1, "plug-a", 100, base)
	require.NoError(t, err)
	assert.Equal(t, 0.0, energy)

	cursor := ledgerCursor(t, db, 1, "plug-a", "2026-03-14")
	assert.True(t, cursor.Equal(base))
}

func TestIntegrateTrapezoidalStep(t *testing.T) {
	db := newTestDB(t)
	in := NewIntegrator(db)
	in.Start()
	defer in.Stop()

	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	_, err := in.Integrate(1, "plug-a", 100, base)
	require.NoError(t, err)

	// 100W then 140W half an hour later: avg 120W over 0.5h = 60Wh
	energy, err := in.Integrate(1, "plug-a", 140, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 60.0, energy, 1e-9)

	// 140W then 120W half an hour later: avg 130W over 0.5h = 65Wh
	energy, err = in.Integrate(1, "plug-a", 120, base.Add(60*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 125.0, energy, 1e-9)
}

func TestIntegrateIgnoresOutOfOrderSamples(t *testing.T) {
	db := newTestDB(t)
	in := NewIntegrator(db)
	in.Start()
	defer in.Stop()

	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	_, err := in.Integrate(1, "plug-a", 100, base)
	require.NoError(t, err)
	energy, err := in.Integrate(1, "plug-a", 140, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.InDelta(t, 60.0, energy, 1e-9)

	// Late delivery of an earlier sample: no energy change, and the
	// cursor must still point at the newest sample.
	energy, err = in.Integrate(1, "plug-a", 900, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 60.0, energy, 1e-9)

	cursor := ledgerCursor(t, db, 1, "plug-a", "2026-03-14")
	assert.True(t, cursor.Equal(base.Add(30*time.Minute)))

	// Duplicate timestamp is equally ignored
	energy, err = in.Integrate(1, "plug-a", 900, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 60.0, energy, 1e-9)
}

func TestIntegrateAccumulationNeverDecreases(t *testing.T) {
	db := newTestDB(t)
	in := NewIntegrator(db)
	in.Start()
	defer in.Stop()

	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	var prev float64
	powers := []float64{250, 0, 80, 0, 0, 400, 12.5}
	for i, p := range powers {
		energy, err := in.Integrate(7, "heater-1", p, base.Add(time.Duration(i)*5*time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, energy, prev)
		prev = energy
	}
}

func TestIntegrateReturnsAfterStop(t *testing.T) {
	db := newTestDB(t)
	in := NewIntegrator(db)
	in.Start()

	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	// Calls racing the shutdown must all come back, applied or failed
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in.Integrate(1, "plug-a", 100, base.Add(time.Duration(i)*time.Second))
		}(i)
	}
	in.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("integrate calls did not return after stop")
	}

	// Once stopped, new calls fail instead of queueing
	_, err := in.Integrate(1, "plug-a", 100, base.Add(time.Hour))
	assert.Error(t, err)
}

func TestIntegrateKeysLedgersPerDeviceAndDay(t *testing.T) {
	db := newTestDB(t)
	in := NewIntegrator(db)
	in.Start()
	defer in.Stop()

	day1 := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 15, 0, 30, 0, 0, time.UTC)

	_, err := in.Integrate(1, "plug-a", 100, day1)
	require.NoError(t, err)

	// Crossing midnight starts a fresh ledger; no interval is carried
	// over from the previous day.
	energy, err := in.Integrate(1, "plug-a", 100, day2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, energy)

	// A second device on the same day keeps its own ledger
	energy, err = in.Integrate(1, "plug-b", 500, day1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, energy)
}
