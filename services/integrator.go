package services

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log"
	"time"
)

const integratorShards = 8

// storeWriteTimeout bounds every ingestion-path write so a wedged
// store cannot stall the message loop indefinitely.
const storeWriteTimeout = 5 * time.Second

type integrationJob struct {
	userID   int
	deviceID string
	date     string
	powerW   float64
	ts       time.Time
	reply    chan integrationResult
}

type integrationResult struct {
	energyWh float64
	err      error
}

// Integrator maintains the per-(account, device, date) consumption
// ledgers. Updates to the same key are serialized by hashing the key
// onto a fixed set of single-writer workers, so two messages about the
// same device can never race on the read-modify-write of a ledger row.
type Integrator struct {
	db       *sql.DB
	shards   [integratorShards]chan integrationJob
	stopChan chan bool
}

func NewIntegrator(db *sql.DB) *Integrator {
	in := &Integrator{
		db:       db,
		stopChan: make(chan bool),
	}
	for i := range in.shards {
		in.shards[i] = make(chan integrationJob, 64)
	}
	return in
}

func (in *Integrator) Start() {
	log.Printf("=== Energy Integrator Starting (%d shards) ===", integratorShards)
	for i := range in.shards {
		go in.worker(in.shards[i])
	}
}

func (in *Integrator) Stop() {
	close(in.stopChan)
	log.Println("Energy Integrator stopped")
}

// Integrate applies one power sample to the device-day ledger and
// returns the accumulated energy for that day. The call blocks until
// the owning shard worker has applied the sample.
func (in *Integrator) Integrate(userID int, deviceID string, powerW float64, ts time.Time) (float64, error) {
	job := integrationJob{
		userID:   userID,
		deviceID: deviceID,
		date:     ts.Format("2006-01-02"),
		powerW:   powerW,
		ts:       ts,
		reply:    make(chan integrationResult, 1),
	}

	select {
	case in.shards[in.shardFor(job)] <- job:
	case <-in.stopChan:
		return 0, fmt.Errorf("integrator stopped")
	}

	select {
	case res := <-job.reply:
		return res.energyWh, res.err
	case <-in.stopChan:
		return 0, fmt.Errorf("integrator stopped")
	}
}

func (in *Integrator) shardFor(job integrationJob) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d|%s|%s", job.userID, job.deviceID, job.date)
	return int(h.Sum32() % integratorShards)
}

func (in *Integrator) worker(jobs chan integrationJob) {
	for {
		select {
		case <-in.stopChan:
			// Fail any jobs already queued on this shard so their
			// callers are not left waiting on a reply
			for {
				select {
				case job := <-jobs:
					job.reply <- integrationResult{err: fmt.Errorf("integrator stopped")}
				default:
					return
				}
			}
		case job := <-jobs:
			energy, err := in.apply(job)
			job.reply <- integrationResult{energyWh: energy, err: err}
		}
	}
}

// apply performs the trapezoidal integration step for a single sample.
//
// First sample of the day seeds the cursor only; no energy is added
// because there is no preceding interval. A sample whose timestamp is
// not strictly after the cursor (duplicate, clock skew, out-of-order
// delivery) is ignored entirely - including the cursor, which must not
// be overwritten with a value attributable to an earlier instant.
func (in *Integrator) apply(job integrationJob) (float64, error) {
	var energyWh, lastPowerW float64
	var lastSample sql.NullTime

	err := in.db.QueryRow(`
		SELECT energy_wh, last_power_w, last_sample_time
		FROM daily_consumption
		WHERE user_id = ? AND device_id = ? AND date = ?
	`, job.userID, job.deviceID, job.date).Scan(&energyWh, &lastPowerW, &lastSample)

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	if err == sql.ErrNoRows {
		_, err = in.db.ExecContext(ctx, `
			INSERT INTO daily_consumption (user_id, device_id, date, energy_wh, last_power_w, last_sample_time, updated_at)
			VALUES (?, ?, ?, 0, ?, ?, CURRENT_TIMESTAMP)
		`, job.userID, job.deviceID, job.date, job.powerW, job.ts)
		if err != nil {
			return 0, fmt.Errorf("failed to create ledger row: %v", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger row: %v", err)
	}

	if !lastSample.Valid {
		// Row exists but has no cursor yet; seed it
		_, err = in.db.ExecContext(ctx, `
			UPDATE daily_consumption
			SET last_power_w = ?, last_sample_time = ?, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND device_id = ? AND date = ?
		`, job.powerW, job.ts, job.userID, job.deviceID, job.date)
		return energyWh, err
	}

	deltaHours := job.ts.Sub(lastSample.Time).Hours()
	if deltaHours <= 0 {
		log.Printf("DEBUG: Ignoring out-of-order sample for device '%s' (sample %s, cursor %s)",
			job.deviceID, job.ts.Format(time.RFC3339), lastSample.Time.Format(time.RFC3339))
		return energyWh, nil
	}

	// Trapezoidal rule: samples arrive at irregular spacing, so the
	// average of the two endpoints halves the bias of assuming
	// constant power across the interval.
	avgPowerW := (lastPowerW + job.powerW) / 2
	energyWh += avgPowerW * deltaHours

	_, err = in.db.ExecContext(ctx, `
		UPDATE daily_consumption
		SET energy_wh = ?, last_power_w = ?, last_sample_time = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND device_id = ? AND date = ?
	`, energyWh, job.powerW, job.ts, job.userID, job.deviceID, job.date)
	if err != nil {
		return 0, fmt.Errorf("failed to update ledger row: %v", err)
	}

	return energyWh, nil
}
