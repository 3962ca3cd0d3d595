package services

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wattline/home-energy/backend/models"
)

// StatusTracker owns the ON/OFF state machine and the transport-level
// liveness records. On/off only changes on an explicit switch value in
// a normalized sample; liveness changes on every accepted message plus
// a periodic staleness sweep.
type StatusTracker struct {
	db       *sql.DB
	notifier *Notifier

	staleAfter time.Duration
	sweepEvery time.Duration

	mu           sync.Mutex
	sweepRunning bool
	stopChan     chan bool
}

func NewStatusTracker(db *sql.DB, notifier *Notifier, staleAfter, sweepEvery time.Duration) *StatusTracker {
	return &StatusTracker{
		db:         db,
		notifier:   notifier,
		staleAfter: staleAfter,
		sweepEvery: sweepEvery,
		stopChan:   make(chan bool),
	}
}

func (st *StatusTracker) Start() {
	log.Printf("=== Status Tracker Starting (staleness threshold: %v) ===", st.staleAfter)

	go func() {
		ticker := time.NewTicker(st.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-st.stopChan:
				return
			case <-ticker.C:
				st.RunStalenessSweep()
			}
		}
	}()
}

func (st *StatusTracker) Stop() {
	close(st.stopChan)
	log.Println("Status Tracker stopped")
}

// Touch refreshes a device's liveness record and returns whether the
// device was considered online before this message arrived.
func (st *StatusTracker) Touch(deviceID string, seenAt time.Time) (wasOnline bool, err error) {
	var online sql.NullBool
	err = st.db.QueryRow(`SELECT is_online FROM device_status WHERE device_id = ?`, deviceID).Scan(&online)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to read device status: %v", err)
	}
	wasOnline = online.Valid && online.Bool

	_, err = st.db.Exec(`
		INSERT INTO device_status (device_id, is_online, last_seen) VALUES (?, 1, ?)
		ON CONFLICT(device_id) DO UPDATE SET is_online = 1, last_seen = excluded.last_seen
	`, deviceID, seenAt)
	if err != nil {
		return wasOnline, fmt.Errorf("failed to refresh device status: %v", err)
	}
	return wasOnline, nil
}

// ApplySwitchState persists an explicit on/off value and emits a
// device_online notification when the device switches on after having
// been offline. Absence of a switch value never reaches this method.
func (st *StatusTracker) ApplySwitchState(userID int, deviceID string, on bool, wasOnline bool) error {
	_, err := st.db.Exec(`UPDATE devices SET is_on = ? WHERE id = ?`, boolToInt(on), deviceID)
	if err != nil {
		return fmt.Errorf("failed to update switch state: %v", err)
	}

	if on && !wasOnline {
		st.notifier.Create(userID, NotificationInput{
			Type:     models.NotifTypeDeviceOnline,
			Severity: "info",
			Message:  fmt.Sprintf("Device %s is back online", deviceID),
			DeviceID: &deviceID,
		})
	}
	return nil
}

// RunStalenessSweep marks devices offline whose liveness record has not
// been refreshed within the threshold. A device is marked and notified
// exactly once per offline episode: the flip of is_online is what emits
// the notification, and subsequent sweeps see the device already
// offline. Overlapping runs are prevented by a run guard.
func (st *StatusTracker) RunStalenessSweep() {
	st.mu.Lock()
	if st.sweepRunning {
		st.mu.Unlock()
		return
	}
	st.sweepRunning = true
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.sweepRunning = false
		st.mu.Unlock()
	}()

	cutoff := time.Now().Add(-st.staleAfter)

	rows, err := st.db.Query(`
		SELECT ds.device_id, d.user_id
		FROM device_status ds
		JOIN devices d ON d.id = ds.device_id
		WHERE ds.is_online = 1 AND ds.last_seen < ?
	`, cutoff)
	if err != nil {
		log.Printf("ERROR: Staleness sweep query failed: %v", err)
		return
	}
	defer rows.Close()

	type staleDevice struct {
		deviceID string
		userID   int
	}
	var stale []staleDevice
	for rows.Next() {
		var sd staleDevice
		if err := rows.Scan(&sd.deviceID, &sd.userID); err != nil {
			continue
		}
		stale = append(stale, sd)
	}

	for _, sd := range stale {
		res, err := st.db.Exec(`
			UPDATE device_status SET is_online = 0
			WHERE device_id = ? AND is_online = 1
		`, sd.deviceID)
		if err != nil {
			log.Printf("ERROR: Failed to mark device '%s' offline: %v", sd.deviceID, err)
			continue
		}
		// The conditional update is the once-per-episode guard: if a
		// message slipped in between query and update, zero rows change
		// and no notification goes out.
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		deviceID := sd.deviceID
		st.notifier.Create(sd.userID, NotificationInput{
			Type:     models.NotifTypeDeviceOffline,
			Severity: "warning",
			Message:  fmt.Sprintf("Device %s has gone offline (no data for %v)", deviceID, st.staleAfter),
			DeviceID: &deviceID,
		})
		log.Printf("WARNING: Device '%s' marked offline by staleness sweep", sd.deviceID)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
