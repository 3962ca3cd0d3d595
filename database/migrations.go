package database

import (
	"database/sql"
	"fmt"
	"log"
)

func RunMigrations(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			is_on INTEGER DEFAULT 0,
			monthly_target_wh REAL,
			connection_type TEXT DEFAULT 'mqtt',
			connection_config TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS power_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			power_w REAL NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_power_readings_device_time
			ON power_readings(device_id, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS daily_consumption (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			device_id TEXT NOT NULL,
			date TEXT NOT NULL,
			energy_wh REAL DEFAULT 0,
			last_power_w REAL DEFAULT 0,
			last_sample_time DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, device_id, date)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_daily_consumption_user_date
			ON daily_consumption(user_id, date)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			message TEXT NOT NULL,
			notif_type TEXT NOT NULL,
			severity TEXT DEFAULT 'info',
			device_id TEXT,
			is_read INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_notifications_user_created
			ON notifications(user_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS device_status (
			device_id TEXT PRIMARY KEY,
			is_online INTEGER DEFAULT 0,
			last_seen DATETIME
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %v", i+1, err)
		}
	}

	log.Println("Database migrations completed")
	return nil
}
