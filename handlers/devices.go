package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wattline/home-energy/backend/crypto"
	"github.com/wattline/home-energy/backend/middleware"
	"github.com/wattline/home-energy/backend/models"
	"github.com/wattline/home-energy/backend/services"
)

// DeviceHandler serves the read side of devices plus the two mutations
// this backend owns: the monthly energy target and switch commands.
// Device registration and removal live elsewhere.
type DeviceHandler struct {
	db        *sql.DB
	collector *services.MQTTCollector
}

func NewDeviceHandler(db *sql.DB, collector *services.MQTTCollector) *DeviceHandler {
	return &DeviceHandler{db: db, collector: collector}
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(middleware.UserIDKey).(int)

	rows, err := h.db.Query(`
		SELECT d.id, d.user_id, d.name, d.is_on, d.monthly_target_wh,
			COALESCE(d.connection_type, 'mqtt'), d.created_at,
			ds.is_online, ds.last_seen
		FROM devices d
		LEFT JOIN device_status ds ON ds.device_id = d.id
		WHERE d.user_id = ?
		ORDER BY d.name
	`, userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	type deviceWithStatus struct {
		models.Device
		IsOnline   bool    `json:"is_online"`
		LastSeenAt *string `json:"last_seen,omitempty"`
	}

	devices := []deviceWithStatus{}
	for rows.Next() {
		var d deviceWithStatus
		var isOnline sql.NullBool
		var lastSeen sql.NullTime
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.IsOn, &d.MonthlyTargetWh,
			&d.ConnectionType, &d.CreatedAt, &isOnline, &lastSeen); err != nil {
			continue
		}
		d.IsOnline = isOnline.Valid && isOnline.Bool
		if lastSeen.Valid {
			formatted := lastSeen.Time.Format("2006-01-02 15:04:05")
			d.LastSeenAt = &formatted
		}
		devices = append(devices, d)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(devices)
}

type setTargetRequest struct {
	MonthlyTargetWh *float64 `json:"monthly_target_wh"`
}

// SetTarget sets or clears a device's monthly energy target.
func (h *DeviceHandler) SetTarget(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(middleware.UserIDKey).(int)
	deviceID := mux.Vars(r)["id"]

	var req setTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.MonthlyTargetWh != nil && *req.MonthlyTargetWh < 0 {
		http.Error(w, "Target must be non-negative", http.StatusBadRequest)
		return
	}

	res, err := h.db.Exec(`
		UPDATE devices SET monthly_target_wh = ?
		WHERE id = ? AND user_id = ?
	`, req.MonthlyTargetWh, deviceID, userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type setConnectionRequest struct {
	ConnectionType   string          `json:"connection_type"`
	ConnectionConfig json.RawMessage `json:"connection_config"`
}

// SetConnection updates how a device reports its readings. The config
// blob is encrypted at rest because it may carry meter addresses and
// credentials.
func (h *DeviceHandler) SetConnection(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(middleware.UserIDKey).(int)
	deviceID := mux.Vars(r)["id"]

	var req setConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	switch req.ConnectionType {
	case "mqtt", "modbus_tcp":
	default:
		http.Error(w, "Unknown connection type", http.StatusBadRequest)
		return
	}

	var stored interface{}
	if len(req.ConnectionConfig) > 0 {
		key, err := crypto.GetEncryptionKey()
		if err != nil {
			http.Error(w, "Encryption unavailable", http.StatusInternalServerError)
			return
		}
		encrypted, err := crypto.Encrypt(string(req.ConnectionConfig), key)
		if err != nil {
			http.Error(w, "Encryption failed", http.StatusInternalServerError)
			return
		}
		stored = encrypted
	}

	res, err := h.db.Exec(`
		UPDATE devices SET connection_type = ?, connection_config = ?
		WHERE id = ? AND user_id = ?
	`, req.ConnectionType, stored, deviceID, userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type commandRequest struct {
	DeviceIndex int  `json:"device_index"`
	On          bool `json:"on"`
}

// SendCommand publishes a switch command to the device's command topic.
func (h *DeviceHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(middleware.UserIDKey).(int)
	deviceID := mux.Vars(r)["id"]

	var owner int
	err := h.db.QueryRow(`SELECT user_id FROM devices WHERE id = ?`, deviceID).Scan(&owner)
	if err == sql.ErrNoRows || (err == nil && owner != userID) {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := h.collector.PublishCommand(deviceID, req.DeviceIndex, req.On); err != nil {
		http.Error(w, "Failed to publish command", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "sent"})
}
