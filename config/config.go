package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabasePath  string
	ServerAddress string
	JWTSecret     string

	MQTTBroker   string
	MQTTUsername string
	MQTTPassword string

	StalenessThreshold  time.Duration
	StalenessSweepEvery time.Duration
	HeuristicSweepEvery time.Duration

	OfflineBufferPath string
	ReconcileEvery    time.Duration
	ConnectivityProbe string
}

func Load() *Config {
	return &Config{
		DatabasePath:  getEnv("DATABASE_PATH", "./home-energy.db"),
		ServerAddress: getEnv("SERVER_ADDRESS", ":8081"),
		JWTSecret:     getEnv("JWT_SECRET", "home-energy-secret-change-in-production"),

		MQTTBroker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),

		StalenessThreshold:  getDuration("STALENESS_THRESHOLD", 2*time.Minute),
		StalenessSweepEvery: getDuration("STALENESS_SWEEP_INTERVAL", 30*time.Second),
		HeuristicSweepEvery: getDuration("HEURISTIC_SWEEP_INTERVAL", 3*time.Hour),

		OfflineBufferPath: getEnv("OFFLINE_BUFFER_PATH", "./offline-readings.jsonl"),
		ReconcileEvery:    getDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ConnectivityProbe: getEnv("CONNECTIVITY_PROBE_URL", "http://clients3.google.com/generate_204"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Plain seconds accepted for older deployments
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
