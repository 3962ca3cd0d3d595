package services

import (
	"encoding/json"
	"strings"
	"time"
)

// Sample is the uniform tuple produced from any recognized payload
// shape. Power and On are optional: a relay push carries no power, a
// plain telemetry push carries no switch state.
type Sample struct {
	DeviceID   string
	UserID     int
	ReceivedAt time.Time
	PowerW     *float64
	On         *bool
}

// telemetryPayload is the periodic push from metering plugs.
// Some firmware nests the power value under an "energy" object.
type telemetryPayload struct {
	Power  *float64 `json:"power"`
	Energy *struct {
		Power *float64 `json:"power"`
	} `json:"energy"`
}

// notifyPayload is the structured notify-style push: switch state plus
// instantaneous power plus lifetime cumulative energy.
type notifyPayload struct {
	State       *json.RawMessage `json:"state"`
	Power       *float64         `json:"power"`
	EnergyTotal *float64         `json:"energy_total"`
}

// resultPayload is a direct command-result carrying only the switch
// state the device settled on.
type resultPayload struct {
	Success *bool `json:"success"`
	On      *bool `json:"on"`
}

// ParsePayload matches a raw payload against the closed set of
// recognized shapes, in order. Unparseable payloads return false and
// are dropped by the caller; they are never an error.
func ParsePayload(payload []byte) (Sample, bool) {
	var s Sample

	// Relay/status push: a plain "ON"/"OFF" string
	if on, ok := parseRelayString(payload); ok {
		s.On = &on
		if !on {
			// Device explicitly off and no power reported: it draws nothing
			zero := 0.0
			s.PowerW = &zero
		}
		return s, true
	}

	// Command result: {"success":true,"on":false}
	var res resultPayload
	if err := json.Unmarshal(payload, &res); err == nil && res.On != nil && res.Success != nil {
		s.On = res.On
		if !*res.On {
			zero := 0.0
			s.PowerW = &zero
		}
		return s, true
	}

	// Notify-style push: state + power + cumulative energy
	var notif notifyPayload
	if err := json.Unmarshal(payload, &notif); err == nil && notif.State != nil && notif.EnergyTotal != nil {
		if on, ok := parseStateValue(*notif.State); ok {
			s.On = &on
		}
		if notif.Power != nil {
			s.PowerW = notif.Power
		} else if s.On != nil && !*s.On {
			zero := 0.0
			s.PowerW = &zero
		}
		return s, true
	}

	// Periodic telemetry push: instantaneous power, flat or nested
	var tele telemetryPayload
	if err := json.Unmarshal(payload, &tele); err == nil {
		if tele.Power != nil {
			s.PowerW = tele.Power
			return s, true
		}
		if tele.Energy != nil && tele.Energy.Power != nil {
			s.PowerW = tele.Energy.Power
			return s, true
		}
	}

	return Sample{}, false
}

func parseRelayString(payload []byte) (bool, bool) {
	switch strings.ToUpper(strings.TrimSpace(strings.Trim(string(payload), `"`))) {
	case "ON":
		return true, true
	case "OFF":
		return false, true
	}
	return false, false
}

// parseStateValue accepts the state forms seen in the field: booleans,
// "on"/"off" strings and 0/1 numerics.
func parseStateValue(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch strings.ToLower(str) {
		case "on", "true", "1":
			return true, true
		case "off", "false", "0":
			return false, true
		}
		return false, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0, true
	}
	return false, false
}
