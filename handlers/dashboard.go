package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wattline/home-energy/backend/middleware"
	"github.com/wattline/home-energy/backend/models"
	"github.com/wattline/home-energy/backend/services"
)

type DashboardHandler struct {
	db         *sql.DB
	aggregator *services.Aggregator
}

func NewDashboardHandler(db *sql.DB, aggregator *services.Aggregator) *DashboardHandler {
	return &DashboardHandler{db: db, aggregator: aggregator}
}

// GetSummary returns the instantaneous power and today/week/month
// energy rollups for the authenticated account.
func (h *DashboardHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(middleware.UserIDKey).(int)

	summary, err := h.aggregator.Summary(userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// GetRange derives a total by summing the daily rollup over a date
// range. Weekly and monthly totals are never stored, only derived.
func (h *DashboardHandler) GetRange(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(middleware.UserIDKey).(int)

	now := time.Now()
	var from, to time.Time

	switch r.URL.Query().Get("period") {
	case "week":
		from = startOfWeek(now)
		to = now
	case "month":
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		to = now
	default:
		var err error
		from, err = time.Parse("2006-01-02", r.URL.Query().Get("from"))
		if err != nil {
			http.Error(w, "Invalid or missing from date", http.StatusBadRequest)
			return
		}
		to, err = time.Parse("2006-01-02", r.URL.Query().Get("to"))
		if err != nil {
			http.Error(w, "Invalid or missing to date", http.StatusBadRequest)
			return
		}
	}

	total, err := h.aggregator.RangeTotal(userID, from, to)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"from":      from.Format("2006-01-02"),
		"to":        to.Format("2006-01-02"),
		"energy_wh": total,
	})
}

// GetDeviceHistory returns the per-device daily ledgers for the last N
// days (default 7).
func (h *DashboardHandler) GetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(middleware.UserIDKey).(int)
	deviceID := mux.Vars(r)["id"]

	days := 7
	if d, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && d > 0 && d <= 365 {
		days = d
	}
	from := time.Now().AddDate(0, 0, -days+1).Format("2006-01-02")

	rows, err := h.db.Query(`
		SELECT date, energy_wh, last_power_w, last_sample_time, updated_at
		FROM daily_consumption
		WHERE user_id = ? AND device_id = ? AND date >= ?
		ORDER BY date ASC
	`, userID, deviceID, from)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	history := []models.DailyConsumption{}
	for rows.Next() {
		var dc models.DailyConsumption
		var lastSample sql.NullTime
		if err := rows.Scan(&dc.Date, &dc.EnergyWh, &dc.LastPowerW, &lastSample, &dc.UpdatedAt); err != nil {
			continue
		}
		dc.UserID = userID
		dc.DeviceID = deviceID
		if lastSample.Valid {
			dc.LastSampleTime = &lastSample.Time
		}
		history = append(history, dc)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}

// GetPowerHistory reconstructs the account's hourly power curve by
// bucket-averaging the system power log.
func (h *DashboardHandler) GetPowerHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(middleware.UserIDKey).(int)

	hours := 24
	if v, err := strconv.Atoi(r.URL.Query().Get("hours")); err == nil && v > 0 && v <= 24*31 {
		hours = v
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	rows, err := h.db.Query(`
		SELECT strftime('%Y-%m-%d %H:00', timestamp) AS bucket, AVG(power_w)
		FROM power_readings
		WHERE user_id = ? AND device_id = ? AND timestamp >= ?
		GROUP BY bucket
		ORDER BY bucket ASC
	`, userID, models.SystemPowerLog, since)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	type bucketPoint struct {
		Bucket    string  `json:"bucket"`
		AvgPowerW float64 `json:"avg_power_w"`
	}

	points := []bucketPoint{}
	for rows.Next() {
		var p bucketPoint
		if err := rows.Scan(&p.Bucket, &p.AvgPowerW); err == nil {
			points = append(points, p)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(points)
}

// startOfWeek returns midnight of the Sunday beginning the week of t.
func startOfWeek(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -int(midnight.Weekday()))
}
