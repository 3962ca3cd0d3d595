package services

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Pipeline drives every accepted telemetry message through the same
// path regardless of transport: liveness refresh, switch-state machine,
// raw reading append, ledger integration, account aggregation, fanout.
// Per-message failures are isolated; nothing here ever panics the
// ingestion loop for one malformed or late message.
type Pipeline struct {
	db            *sql.DB
	integrator    *Integrator
	statusTracker *StatusTracker
	aggregator    *Aggregator
	notifier      *Notifier
	hub           *Hub
	offlineBuffer *OfflineBuffer
}

func NewPipeline(db *sql.DB, integrator *Integrator, statusTracker *StatusTracker,
	aggregator *Aggregator, notifier *Notifier, hub *Hub, offlineBuffer *OfflineBuffer) *Pipeline {
	return &Pipeline{
		db:            db,
		integrator:    integrator,
		statusTracker: statusTracker,
		aggregator:    aggregator,
		notifier:      notifier,
		hub:           hub,
		offlineBuffer: offlineBuffer,
	}
}

// LookupDevice resolves a canonical device ID to its owning account.
// Unregistered devices cause the message to be dropped by the caller.
func (p *Pipeline) LookupDevice(deviceID string) (userID int, ok bool) {
	err := p.db.QueryRow(`SELECT user_id FROM devices WHERE id = ?`, deviceID).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		log.Printf("ERROR: Device lookup failed for '%s': %v", deviceID, err)
		return 0, false
	}
	return userID, true
}

// Process applies one normalized sample.
func (p *Pipeline) Process(deviceID string, userID int, sample Sample) {
	sample.DeviceID = deviceID
	sample.UserID = userID
	if sample.ReceivedAt.IsZero() {
		sample.ReceivedAt = time.Now()
	}

	wasOnline, err := p.statusTracker.Touch(deviceID, sample.ReceivedAt)
	if err != nil {
		log.Printf("ERROR: Liveness refresh failed for '%s': %v", deviceID, err)
	}

	if sample.On != nil {
		if err := p.statusTracker.ApplySwitchState(userID, deviceID, *sample.On, wasOnline); err != nil {
			log.Printf("ERROR: Switch state update failed for '%s': %v", deviceID, err)
		}
		p.hub.BroadcastToUser(userID, "status_update", map[string]interface{}{
			"device_id": deviceID,
			"is_on":     *sample.On,
		})
	}

	if sample.PowerW != nil {
		p.recordReading(deviceID, userID, sample.ReceivedAt, *sample.PowerW)

		if _, err := p.integrator.Integrate(userID, deviceID, *sample.PowerW, sample.ReceivedAt); err != nil {
			log.Printf("ERROR: Integration failed for '%s': %v", deviceID, err)
		}
	}

	summary, err := p.aggregator.Recompute(userID)
	if err != nil {
		log.Printf("ERROR: Aggregation failed for user %d: %v", userID, err)
		return
	}
	p.hub.BroadcastToUser(userID, "power_update", summary)
}

// recordReading appends the raw power fact. When the canonical store
// rejects the write it is diverted to the offline buffer instead; a
// failure of both paths is a bounded, logged data-loss window.
func (p *Pipeline) recordReading(deviceID string, userID int, ts time.Time, powerW float64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO power_readings (device_id, user_id, timestamp, power_w)
		VALUES (?, ?, ?, ?)
	`, deviceID, userID, ts, powerW)
	if err == nil {
		return
	}

	log.Printf("ERROR: Failed to store reading for '%s': %v", deviceID, err)
	if bufErr := p.offlineBuffer.Append(deviceID, userID, ts, powerW); bufErr != nil {
		log.Printf("ERROR: Offline buffer append also failed, reading lost: %v", bufErr)
	}
}
