package services

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BufferedReading is the local-format record appended to the offline
// queue when the canonical store cannot be written. Timestamps are
// unix milliseconds and are converted back to native types on replay.
type BufferedReading struct {
	ID          string  `json:"id"`
	DeviceID    string  `json:"device_id"`
	UserID      int     `json:"user_id"`
	TimestampMs int64   `json:"timestamp_ms"`
	PowerW      float64 `json:"power_w"`
}

// OfflineBuffer is a durable append-only JSONL queue beside the
// canonical store, plus a reconciler that periodically probes
// connectivity and replays the queue. Replay removes only records the
// store confirmed; individually failed records stay queued for the
// next cycle.
type OfflineBuffer struct {
	db       *sql.DB
	path     string
	probeURL string
	interval time.Duration

	mu       sync.Mutex
	client   *http.Client
	stopChan chan bool
}

func NewOfflineBuffer(db *sql.DB, path, probeURL string, interval time.Duration) *OfflineBuffer {
	return &OfflineBuffer{
		db:       db,
		path:     path,
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		stopChan: make(chan bool),
	}
}

func (ob *OfflineBuffer) Start() {
	log.Printf("=== Offline Reconciler Starting (interval: %v, queue: %s) ===", ob.interval, ob.path)

	go func() {
		ticker := time.NewTicker(ob.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ob.stopChan:
				return
			case <-ticker.C:
				ob.Reconcile()
			}
		}
	}()
}

func (ob *OfflineBuffer) Stop() {
	close(ob.stopChan)
	log.Println("Offline Reconciler stopped")
}

// Append durably queues a reading that could not reach the store.
func (ob *OfflineBuffer) Append(deviceID string, userID int, ts time.Time, powerW float64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	record := BufferedReading{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		UserID:      userID,
		TimestampMs: ts.UnixMilli(),
		PowerW:      powerW,
	}

	f, err := os.OpenFile(ob.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open offline buffer: %v", err)
	}
	defer f.Close()

	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to offline buffer: %v", err)
	}

	log.Printf("WARNING: Reading for device '%s' diverted to offline buffer", deviceID)
	return nil
}

// Reconcile probes connectivity and, if reachable, replays the whole
// queue into the canonical store. Only confirmed inserts are removed.
func (ob *OfflineBuffer) Reconcile() {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	records, err := ob.readAll()
	if err != nil {
		log.Printf("ERROR: Failed to read offline buffer: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}

	if !ob.probeConnectivity() {
		log.Printf("Offline reconciler: still offline, %d readings queued", len(records))
		return
	}

	log.Printf("Offline reconciler: replaying %d buffered readings...", len(records))

	var failed []BufferedReading
	inserted := 0
	for _, record := range records {
		if err := ob.insertReading(record); err != nil {
			log.Printf("WARNING: Replay failed for buffered reading %s: %v", record.ID, err)
			failed = append(failed, record)
			continue
		}
		inserted++
	}

	if err := ob.rewrite(failed); err != nil {
		log.Printf("ERROR: Failed to rewrite offline buffer: %v", err)
		return
	}

	log.Printf("SUCCESS: Offline replay complete: %d inserted, %d still queued", inserted, len(failed))
}

// Pending returns the queued records, for the debug endpoint.
func (ob *OfflineBuffer) Pending() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	records, err := ob.readAll()
	if err != nil {
		return 0
	}
	return len(records)
}

func (ob *OfflineBuffer) probeConnectivity() bool {
	resp, err := ob.client.Get(ob.probeURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func (ob *OfflineBuffer) insertReading(record BufferedReading) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	_, err := ob.db.ExecContext(ctx, `
		INSERT INTO power_readings (device_id, user_id, timestamp, power_w)
		VALUES (?, ?, ?, ?)
	`, record.DeviceID, record.UserID, time.UnixMilli(record.TimestampMs), record.PowerW)
	return err
}

func (ob *OfflineBuffer) readAll() ([]BufferedReading, error) {
	f, err := os.Open(ob.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []BufferedReading
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record BufferedReading
		if err := json.Unmarshal(line, &record); err != nil {
			log.Printf("WARNING: Skipping corrupt offline buffer line: %v", err)
			continue
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}

func (ob *OfflineBuffer) rewrite(records []BufferedReading) error {
	tmpPath := ob.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, ob.path)
}
