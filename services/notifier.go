package services

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wattline/home-energy/backend/models"
)

// dedupWindow is how far back the notifier looks before inserting a
// threshold-based notification of the same type for the same account.
const dedupWindow = 24 * time.Hour

type NotificationInput struct {
	Type     string
	Severity string
	Message  string
	DeviceID *string
}

// Notifier persists notifications and pushes them to any live fanout
// connections of the account. Threshold-based notifications produced
// by the heuristic sweep are deduplicated against a lookback window so
// each sweep tick does not repeat the same alert.
type Notifier struct {
	db  *sql.DB
	hub *Hub

	sweepEvery time.Duration

	mu           sync.Mutex
	sweepRunning bool
	stopChan     chan bool
}

func NewNotifier(db *sql.DB, hub *Hub, sweepEvery time.Duration) *Notifier {
	return &Notifier{
		db:         db,
		hub:        hub,
		sweepEvery: sweepEvery,
		stopChan:   make(chan bool),
	}
}

func (n *Notifier) Start() {
	log.Printf("=== Notification Engine Starting (heuristic sweep every %v) ===", n.sweepEvery)

	go func() {
		ticker := time.NewTicker(n.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-n.stopChan:
				return
			case <-ticker.C:
				n.RunHeuristicSweep()
			}
		}
	}()
}

func (n *Notifier) Stop() {
	close(n.stopChan)
	log.Println("Notification Engine stopped")
}

// Create persists a notification and pushes it live.
func (n *Notifier) Create(userID int, input NotificationInput) {
	res, err := n.db.Exec(`
		INSERT INTO notifications (user_id, message, notif_type, severity, device_id)
		VALUES (?, ?, ?, ?, ?)
	`, userID, input.Message, input.Type, input.Severity, input.DeviceID)
	if err != nil {
		log.Printf("ERROR: Failed to save notification for user %d: %v", userID, err)
		return
	}

	id, _ := res.LastInsertId()
	notif := models.Notification{
		ID:        id,
		UserID:    userID,
		Message:   input.Message,
		NotifType: input.Type,
		Severity:  input.Severity,
		DeviceID:  input.DeviceID,
		CreatedAt: time.Now(),
	}

	if n.hub != nil {
		n.hub.BroadcastToUser(userID, "notification", notif)
	}
}

// CreateDeduped inserts only if no notification of the same type exists
// for the account within the lookback window.
func (n *Notifier) CreateDeduped(userID int, input NotificationInput) {
	var count int
	err := n.db.QueryRow(`
		SELECT COUNT(*) FROM notifications
		WHERE user_id = ? AND notif_type = ? AND created_at > ?
	`, userID, input.Type, time.Now().Add(-dedupWindow)).Scan(&count)
	if err != nil {
		log.Printf("ERROR: Notification dedup check failed: %v", err)
		return
	}
	if count > 0 {
		return
	}
	n.Create(userID, input)
}

// RunHeuristicSweep evaluates the coarse consumption heuristics per
// account against the rollup ledger: today's total versus the daily
// goal derived from device monthly targets, and this week's trend
// versus the previous full week.
func (n *Notifier) RunHeuristicSweep() {
	n.mu.Lock()
	if n.sweepRunning {
		n.mu.Unlock()
		return
	}
	n.sweepRunning = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.sweepRunning = false
		n.mu.Unlock()
	}()

	log.Println("Running notification heuristic sweep...")

	rows, err := n.db.Query(`SELECT DISTINCT user_id FROM devices`)
	if err != nil {
		log.Printf("ERROR: Heuristic sweep user query failed: %v", err)
		return
	}
	defer rows.Close()

	var userIDs []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err == nil {
			userIDs = append(userIDs, id)
		}
	}

	for _, userID := range userIDs {
		n.checkDailyGoal(userID)
		n.checkWeeklyTrend(userID)
	}
}

func (n *Notifier) checkDailyGoal(userID int) {
	var targetSum sql.NullFloat64
	n.db.QueryRow(`
		SELECT SUM(monthly_target_wh) FROM devices
		WHERE user_id = ? AND monthly_target_wh IS NOT NULL
	`, userID).Scan(&targetSum)

	if !targetSum.Valid || targetSum.Float64 <= 0 {
		return
	}
	dailyGoalWh := targetSum.Float64 / 30

	today := time.Now().Format("2006-01-02")
	var todayWh sql.NullFloat64
	n.db.QueryRow(`
		SELECT energy_wh FROM daily_consumption
		WHERE user_id = ? AND device_id = ? AND date = ?
	`, userID, models.SystemTotalDaily, today).Scan(&todayWh)

	if todayWh.Valid && todayWh.Float64 > dailyGoalWh {
		n.CreateDeduped(userID, NotificationInput{
			Type:     models.NotifTypeDailyGoal,
			Severity: "warning",
			Message: fmt.Sprintf("Today's consumption (%.0f Wh) exceeded your daily goal of %.0f Wh",
				todayWh.Float64, dailyGoalWh),
		})
	}
}

func (n *Notifier) checkWeeklyTrend(userID int) {
	now := time.Now()
	weekStart := startOfWeek(now)
	prevWeekStart := weekStart.AddDate(0, 0, -7)

	thisWeek := n.rollupRangeSum(userID, weekStart, now)
	prevWeek := n.rollupRangeSum(userID, prevWeekStart, weekStart.AddDate(0, 0, -1))

	if prevWeek <= 0 {
		return
	}
	if thisWeek > prevWeek*1.25 {
		n.CreateDeduped(userID, NotificationInput{
			Type:     models.NotifTypeWeeklyTrend,
			Severity: "info",
			Message: fmt.Sprintf("Consumption this week (%.0f Wh) is running %.0f%% above last week",
				thisWeek, (thisWeek/prevWeek-1)*100),
		})
	}
}

func (n *Notifier) rollupRangeSum(userID int, from, to time.Time) float64 {
	var sum sql.NullFloat64
	n.db.QueryRow(`
		SELECT SUM(energy_wh) FROM daily_consumption
		WHERE user_id = ? AND device_id = ? AND date BETWEEN ? AND ?
	`, userID, models.SystemTotalDaily, from.Format("2006-01-02"), to.Format("2006-01-02")).Scan(&sum)
	if sum.Valid {
		return sum.Float64
	}
	return 0
}

// startOfWeek returns midnight of the Sunday beginning the week of t.
func startOfWeek(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -int(midnight.Weekday()))
}
