package models

import "time"

// Synthetic device identifiers used for account-level rows
const (
	SystemPowerLog   = "SYSTEM_POWER_LOG"
	SystemTotalDaily = "SYSTEM_TOTAL_DAILY"
)

// Notification type constants
const (
	NotifTypeDeviceOnline  = "device_online"
	NotifTypeDeviceOffline = "device_offline"
	NotifTypeDailyGoal     = "daily_goal_exceeded"
	NotifTypeWeeklyTrend   = "weekly_trend"
)

type Device struct {
	ID               string    `json:"id"`
	UserID           int       `json:"user_id"`
	Name             string    `json:"name"`
	IsOn             bool      `json:"is_on"`
	MonthlyTargetWh  *float64  `json:"monthly_target_wh"`
	ConnectionType   string    `json:"connection_type"`
	ConnectionConfig string    `json:"connection_config,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type PowerReading struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	UserID    int       `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	PowerW    float64   `json:"power_w"`
	CreatedAt time.Time `json:"created_at"`
}

type DailyConsumption struct {
	ID             int64      `json:"id"`
	UserID         int        `json:"user_id"`
	DeviceID       string     `json:"device_id"`
	Date           string     `json:"date"`
	EnergyWh       float64    `json:"energy_wh"`
	LastPowerW     float64    `json:"last_power_w"`
	LastSampleTime *time.Time `json:"last_sample_time"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type DeviceStatus struct {
	DeviceID string     `json:"device_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen"`
}

type Notification struct {
	ID        int64     `json:"id"`
	UserID    int       `json:"user_id"`
	Message   string    `json:"message"`
	NotifType string    `json:"notif_type"`
	Severity  string    `json:"severity"`
	DeviceID  *string   `json:"device_id,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// EnergySummary is the account-level aggregate pushed to viewers and
// returned by the dashboard endpoints.
type EnergySummary struct {
	CurrentPowerW float64 `json:"current_power_w"`
	TodayWh       float64 `json:"today_wh"`
	WeekWh        float64 `json:"week_wh"`
	MonthWh       float64 `json:"month_wh"`
}

// DeviceCommand is published to a device's command topic.
type DeviceCommand struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Method    string `json:"method"`
	DeviceIdx int    `json:"device_index"`
	On        bool   `json:"on"`
}
