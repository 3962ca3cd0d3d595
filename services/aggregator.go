package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wattline/home-energy/backend/models"
)

// Aggregator recomputes the account-level view after every accepted
// sample: instantaneous total power across devices currently ON, and
// the daily rollup row summing all device ledgers for today.
type Aggregator struct {
	db *sql.DB
}

func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

// Recompute rebuilds the account aggregates. The latest reading of
// every ON device is re-fetched rather than trusting the triggering
// sample, because the set of ON devices may have changed independently
// since that sample was produced.
func (a *Aggregator) Recompute(userID int) (models.EnergySummary, error) {
	totalPowerW, err := a.instantaneousPower(userID)
	if err != nil {
		return models.EnergySummary{}, err
	}

	now := time.Now()
	today := now.Format("2006-01-02")

	var todayWh sql.NullFloat64
	err = a.db.QueryRow(`
		SELECT SUM(energy_wh) FROM daily_consumption
		WHERE user_id = ? AND date = ? AND device_id NOT IN (?, ?)
	`, userID, today, models.SystemTotalDaily, models.SystemPowerLog).Scan(&todayWh)
	if err != nil {
		return models.EnergySummary{}, fmt.Errorf("failed to sum device ledgers: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO daily_consumption (user_id, device_id, date, energy_wh, last_power_w, last_sample_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, device_id, date) DO UPDATE SET
			energy_wh = excluded.energy_wh,
			last_power_w = excluded.last_power_w,
			last_sample_time = excluded.last_sample_time,
			updated_at = CURRENT_TIMESTAMP
	`, userID, models.SystemTotalDaily, today, todayWh.Float64, totalPowerW, now)
	if err != nil {
		return models.EnergySummary{}, fmt.Errorf("failed to upsert rollup row: %v", err)
	}

	// Audit point for hourly chart reconstruction by bucket averaging
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO power_readings (device_id, user_id, timestamp, power_w)
		VALUES (?, ?, ?, ?)
	`, models.SystemPowerLog, userID, now, totalPowerW)
	if err != nil {
		return models.EnergySummary{}, fmt.Errorf("failed to append system power log: %v", err)
	}

	summary := models.EnergySummary{
		CurrentPowerW: totalPowerW,
		TodayWh:       todayWh.Float64,
	}
	summary.WeekWh, _ = a.RangeTotal(userID, startOfWeek(now), now)
	summary.MonthWh, _ = a.RangeTotal(userID, startOfMonth(now), now)

	return summary, nil
}

// instantaneousPower sums the most recent reading of every device
// currently switched on.
func (a *Aggregator) instantaneousPower(userID int) (float64, error) {
	rows, err := a.db.Query(`SELECT id FROM devices WHERE user_id = ? AND is_on = 1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to query ON devices: %v", err)
	}
	defer rows.Close()

	var deviceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			deviceIDs = append(deviceIDs, id)
		}
	}

	var total float64
	for _, deviceID := range deviceIDs {
		var power sql.NullFloat64
		err := a.db.QueryRow(`
			SELECT power_w FROM power_readings
			WHERE device_id = ?
			ORDER BY timestamp DESC LIMIT 1
		`, deviceID).Scan(&power)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read latest power for '%s': %v", deviceID, err)
		}
		if power.Valid {
			total += power.Float64
		}
	}
	return total, nil
}

// RangeTotal sums the account rollup over an inclusive date range.
// Weekly and monthly totals are always derived this way; they are
// never stored separately.
func (a *Aggregator) RangeTotal(userID int, from, to time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := a.db.QueryRow(`
		SELECT SUM(energy_wh) FROM daily_consumption
		WHERE user_id = ? AND device_id = ? AND date BETWEEN ? AND ?
	`, userID, models.SystemTotalDaily, from.Format("2006-01-02"), to.Format("2006-01-02")).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum rollup range: %v", err)
	}
	return sum.Float64, nil
}

// Summary returns the current aggregates without recomputing the
// rollup, for snapshots sent to newly authenticated viewers.
func (a *Aggregator) Summary(userID int) (models.EnergySummary, error) {
	totalPowerW, err := a.instantaneousPower(userID)
	if err != nil {
		return models.EnergySummary{}, err
	}

	now := time.Now()
	today := now.Format("2006-01-02")

	var todayWh sql.NullFloat64
	a.db.QueryRow(`
		SELECT energy_wh FROM daily_consumption
		WHERE user_id = ? AND device_id = ? AND date = ?
	`, userID, models.SystemTotalDaily, today).Scan(&todayWh)

	summary := models.EnergySummary{
		CurrentPowerW: totalPowerW,
		TodayWh:       todayWh.Float64,
	}
	summary.WeekWh, _ = a.RangeTotal(userID, startOfWeek(now), now)
	summary.MonthWh, _ = a.RangeTotal(userID, startOfMonth(now), now)
	return summary, nil
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
