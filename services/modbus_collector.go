package services

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/wattline/home-energy/backend/crypto"
)

// ModbusCollector polls registered modbus TCP meters for instantaneous
// power and feeds the samples through the same pipeline as MQTT
// telemetry. Wired meters without a broker report this way.
type ModbusCollector struct {
	db       *sql.DB
	pipeline *Pipeline

	pollEvery time.Duration

	mu       sync.RWMutex
	clients  map[string]*modbusDevice
	stopChan chan bool
}

type modbusDevice struct {
	deviceID      string
	userID        int
	handler       *modbus.TCPClientHandler
	client        modbus.Client
	powerRegister uint16
	registerCount uint16
	isConnected   bool
	lastError     string
	mu            sync.Mutex
}

type modbusDeviceConfig struct {
	IPAddress     string
	Port          int
	PowerRegister int
	RegisterCount int
	UnitID        int
}

func NewModbusCollector(db *sql.DB, pipeline *Pipeline) *ModbusCollector {
	return &ModbusCollector{
		db:        db,
		pipeline:  pipeline,
		pollEvery: 30 * time.Second,
		clients:   make(map[string]*modbusDevice),
		stopChan:  make(chan bool),
	}
}

func (mc *ModbusCollector) Start() {
	log.Println("=== Modbus TCP Collector Starting ===")

	mc.initializeConnections()

	go mc.pollLoop()

	log.Println("=== Modbus TCP Collector Started ===")
}

func (mc *ModbusCollector) Stop() {
	close(mc.stopChan)

	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, dev := range mc.clients {
		dev.disconnect()
	}
	log.Println("Modbus TCP Collector stopped")
}

func (mc *ModbusCollector) initializeConnections() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for _, dev := range mc.clients {
		dev.disconnect()
	}
	mc.clients = make(map[string]*modbusDevice)

	rows, err := mc.db.Query(`
		SELECT id, user_id, connection_config
		FROM devices
		WHERE connection_type = 'modbus_tcp' AND connection_config IS NOT NULL
	`)
	if err != nil {
		log.Printf("ERROR: Failed to query modbus devices: %v", err)
		return
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var deviceID, configJSON string
		var userID int
		if err := rows.Scan(&deviceID, &userID, &configJSON); err != nil {
			continue
		}

		config, err := parseModbusConfig(decryptConfig(configJSON))
		if err != nil {
			log.Printf("ERROR: Failed to parse modbus config for device '%s': %v", deviceID, err)
			continue
		}

		handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", config.IPAddress, config.Port))
		handler.Timeout = 10 * time.Second
		handler.SlaveId = byte(config.UnitID)

		dev := &modbusDevice{
			deviceID:      deviceID,
			userID:        userID,
			handler:       handler,
			powerRegister: uint16(config.PowerRegister),
			registerCount: uint16(config.RegisterCount),
		}
		mc.clients[deviceID] = dev
		count++

		if err := dev.connect(); err != nil {
			log.Printf("WARNING: Failed initial connection to modbus device '%s': %v", deviceID, err)
		} else {
			log.Printf("SUCCESS: Connected to modbus device '%s' at %s:%d",
				deviceID, config.IPAddress, config.Port)
		}
	}

	log.Printf("Found %d modbus TCP devices", count)
}

func (mc *ModbusCollector) pollLoop() {
	ticker := time.NewTicker(mc.pollEvery)
	defer ticker.Stop()

	// Re-read the device table every 10 polls so connection changes
	// made through the API are picked up without a restart
	tick := 0
	for {
		select {
		case <-mc.stopChan:
			return
		case <-ticker.C:
			tick++
			if tick%10 == 0 {
				mc.initializeConnections()
			}
			mc.pollAll()
		}
	}
}

func (mc *ModbusCollector) pollAll() {
	mc.mu.RLock()
	devices := make([]*modbusDevice, 0, len(mc.clients))
	for _, dev := range mc.clients {
		devices = append(devices, dev)
	}
	mc.mu.RUnlock()

	for _, dev := range devices {
		powerW, err := dev.readPower()
		if err != nil {
			log.Printf("WARNING: Modbus poll failed for '%s': %v", dev.deviceID, err)
			continue
		}
		mc.pipeline.Process(dev.deviceID, dev.userID, Sample{PowerW: &powerW})
	}
}

func (mc *ModbusCollector) GetConnectionStatus() map[string]interface{} {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	status := make(map[string]interface{})
	for deviceID, dev := range mc.clients {
		dev.mu.Lock()
		status[deviceID] = map[string]interface{}{
			"is_connected": dev.isConnected,
			"last_error":   dev.lastError,
		}
		dev.mu.Unlock()
	}
	return status
}

// disconnect closes the handler under the device lock so an in-flight
// poll on the same device cannot race the close.
func (d *modbusDevice) disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler != nil {
		d.handler.Close()
	}
	d.isConnected = false
}

func (d *modbusDevice) connect() error {
	if err := d.handler.Connect(); err != nil {
		d.isConnected = false
		d.lastError = err.Error()
		return err
	}
	d.client = modbus.NewClient(d.handler)
	d.isConnected = true
	d.lastError = ""
	return nil
}

func (d *modbusDevice) readPower() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isConnected {
		if err := d.connect(); err != nil {
			return 0, fmt.Errorf("not connected: %v", err)
		}
	}

	results, err := d.client.ReadHoldingRegisters(d.powerRegister, d.registerCount)
	if err != nil {
		d.isConnected = false
		d.lastError = err.Error()
		return 0, err
	}

	var value float64
	switch d.registerCount {
	case 1:
		// Single 16-bit register, watts as unsigned integer
		value = float64(binary.BigEndian.Uint16(results))
	case 2:
		// Two 16-bit registers = 32-bit IEEE 754 float
		bits := binary.BigEndian.Uint32(results)
		value = float64(math.Float32frombits(bits))
	case 4:
		// Four 16-bit registers = 64-bit IEEE 754 float
		bits := binary.BigEndian.Uint64(results)
		value = math.Float64frombits(bits)
	default:
		if len(results) >= 4 {
			value = float64(binary.BigEndian.Uint32(results[:4]))
		} else {
			value = float64(binary.BigEndian.Uint16(results))
		}
	}

	d.lastError = ""
	d.isConnected = true
	return value, nil
}

// decryptConfig handles both plaintext and encrypted-at-rest config
// blobs. Anything that does not already look like JSON is assumed to be
// an encrypted payload; if decryption fails the original string is
// passed through and rejected by the JSON parser instead.
func decryptConfig(configJSON string) string {
	if strings.HasPrefix(strings.TrimSpace(configJSON), "{") {
		return configJSON
	}
	key, err := crypto.GetEncryptionKey()
	if err != nil {
		return configJSON
	}
	plain, err := crypto.Decrypt(configJSON, key)
	if err != nil {
		return configJSON
	}
	return plain
}

func parseModbusConfig(configJSON string) (modbusDeviceConfig, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(configJSON), &raw); err != nil {
		return modbusDeviceConfig{}, err
	}

	result := modbusDeviceConfig{
		Port:          502, // Default modbus port
		PowerRegister: 0,
		RegisterCount: 2,
		UnitID:        1,
	}

	if ip, ok := raw["ip_address"].(string); ok {
		result.IPAddress = ip
	}
	if port, ok := raw["port"].(float64); ok {
		result.Port = int(port)
	}
	if reg, ok := raw["power_register"].(float64); ok {
		result.PowerRegister = int(reg)
	}
	if count, ok := raw["register_count"].(float64); ok {
		result.RegisterCount = int(count)
	}
	if unitID, ok := raw["unit_id"].(float64); ok {
		result.UnitID = int(unitID)
	}

	if result.IPAddress == "" {
		return result, fmt.Errorf("ip_address is required")
	}
	return result, nil
}
