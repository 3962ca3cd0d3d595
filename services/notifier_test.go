package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattline/home-energy/backend/models"
)

func TestCreateDedupedSuppressesWithinWindow(t *testing.T) {
	db := newTestDB(t)
	n := NewNotifier(db, nil, time.Hour)

	input := NotificationInput{
		Type:     models.NotifTypeDailyGoal,
		Severity: "warning",
		Message:  "Today's consumption exceeded your daily goal",
	}

	n.CreateDeduped(1, input)
	n.CreateDeduped(1, input)
	n.CreateDeduped(1, input)

	assert.Equal(t, 1, notificationCount(t, db, 1, models.NotifTypeDailyGoal))

	// A different account is deduplicated independently
	n.CreateDeduped(2, input)
	assert.Equal(t, 1, notificationCount(t, db, 2, models.NotifTypeDailyGoal))
}

func TestCreateDedupedIgnoresExpiredHistory(t *testing.T) {
	db := newTestDB(t)
	n := NewNotifier(db, nil, time.Hour)

	_, err := db.Exec(`
		INSERT INTO notifications (user_id, message, notif_type, severity, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, 1, "old alert", models.NotifTypeWeeklyTrend, "info", time.Now().Add(-25*time.Hour))
	require.NoError(t, err)

	n.CreateDeduped(1, NotificationInput{
		Type:     models.NotifTypeWeeklyTrend,
		Severity: "info",
		Message:  "Consumption this week is running above last week",
	})

	assert.Equal(t, 2, notificationCount(t, db, 1, models.NotifTypeWeeklyTrend))
}

func TestHeuristicSweepDailyGoal(t *testing.T) {
	db := newTestDB(t)
	n := NewNotifier(db, nil, time.Hour)

	seedDevice(t, db, "plug-a", 1, true)
	// 60kWh monthly target => 2kWh daily goal
	_, err := db.Exec(`UPDATE devices SET monthly_target_wh = 60000 WHERE id = ?`, "plug-a")
	require.NoError(t, err)

	today := time.Now().Format("2006-01-02")
	_, err = db.Exec(`
		INSERT INTO daily_consumption (user_id, device_id, date, energy_wh)
		VALUES (?, ?, ?, ?)
	`, 1, models.SystemTotalDaily, today, 2500.0)
	require.NoError(t, err)

	n.RunHeuristicSweep()
	assert.Equal(t, 1, notificationCount(t, db, 1, models.NotifTypeDailyGoal))

	// Repeated sweeps inside the dedup window stay silent
	n.RunHeuristicSweep()
	assert.Equal(t, 1, notificationCount(t, db, 1, models.NotifTypeDailyGoal))
}

func TestHeuristicSweepDailyGoalUnderTarget(t *testing.T) {
	db := newTestDB(t)
	n := NewNotifier(db, nil, time.Hour)

	seedDevice(t, db, "plug-a", 1, true)
	_, err := db.Exec(`UPDATE devices SET monthly_target_wh = 60000 WHERE id = ?`, "plug-a")
	require.NoError(t, err)

	today := time.Now().Format("2006-01-02")
	_, err = db.Exec(`
		INSERT INTO daily_consumption (user_id, device_id, date, energy_wh)
		VALUES (?, ?, ?, ?)
	`, 1, models.SystemTotalDaily, today, 1500.0)
	require.NoError(t, err)

	n.RunHeuristicSweep()
	assert.Equal(t, 0, notificationCount(t, db, 1, models.NotifTypeDailyGoal))
}

func TestHeuristicSweepWeeklyTrend(t *testing.T) {
	db := newTestDB(t)
	n := NewNotifier(db, nil, time.Hour)

	seedDevice(t, db, "plug-a", 1, true)

	now := time.Now()
	weekStart := startOfWeek(now)

	insertRollup := func(date time.Time, wh float64) {
		_, err := db.Exec(`
			INSERT INTO daily_consumption (user_id, device_id, date, energy_wh)
			VALUES (?, ?, ?, ?)
		`, 1, models.SystemTotalDaily, date.Format("2006-01-02"), wh)
		require.NoError(t, err)
	}

	// Previous week: 7000Wh. This week so far: 10000Wh, well past +25%.
	for i := 1; i <= 7; i++ {
		insertRollup(weekStart.AddDate(0, 0, -i), 1000)
	}
	insertRollup(weekStart, 10000)

	n.RunHeuristicSweep()
	assert.Equal(t, 1, notificationCount(t, db, 1, models.NotifTypeWeeklyTrend))
}
