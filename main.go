package main

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/wattline/home-energy/backend/config"
	"github.com/wattline/home-energy/backend/database"
	"github.com/wattline/home-energy/backend/handlers"
	"github.com/wattline/home-energy/backend/middleware"
	"github.com/wattline/home-energy/backend/services"
)

var (
	mqttCollector *services.MQTTCollector
	offlineBuffer *services.OfflineBuffer
)

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC RECOVERED: %v", err)
				log.Printf("Stack trace: %s", debug.Stack())

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "Internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s - completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func main() {
	log.Println("Starting Home Energy Backend...")
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()

	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Core pipeline
	aggregator := services.NewAggregator(db)
	hub := services.NewHub(db, aggregator, cfg.JWTSecret)
	notifier := services.NewNotifier(db, hub, cfg.HeuristicSweepEvery)
	statusTracker := services.NewStatusTracker(db, notifier, cfg.StalenessThreshold, cfg.StalenessSweepEvery)
	integrator := services.NewIntegrator(db)
	offlineBuffer = services.NewOfflineBuffer(db, cfg.OfflineBufferPath, cfg.ConnectivityProbe, cfg.ReconcileEvery)
	pipeline := services.NewPipeline(db, integrator, statusTracker, aggregator, notifier, hub, offlineBuffer)

	integrator.Start()
	statusTracker.Start()
	notifier.Start()
	offlineBuffer.Start()

	// Ingestion transports
	resolver := services.NewTopicResolver()
	mqttCollector = services.NewMQTTCollector(cfg.MQTTBroker, cfg.MQTTUsername, cfg.MQTTPassword, resolver, pipeline)
	if err := mqttCollector.Start(); err != nil {
		log.Printf("ERROR: MQTT collector failed to start: %v", err)
	}

	modbusCollector := services.NewModbusCollector(db, pipeline)
	go modbusCollector.Start()

	reportGenerator := services.NewReportGenerator(db, aggregator)

	// HTTP surface
	dashboardHandler := handlers.NewDashboardHandler(db, aggregator)
	notificationHandler := handlers.NewNotificationHandler(db)
	deviceHandler := handlers.NewDeviceHandler(db, mqttCollector)
	realtimeHandler := handlers.NewRealtimeHandler(hub)
	reportHandler := handlers.NewReportHandler(reportGenerator)

	r := mux.NewRouter()

	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/api/health", healthCheck).Methods("GET")
	r.HandleFunc("/api/realtime", realtimeHandler.Serve)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	api.HandleFunc("/debug/status", debugStatusHandler).Methods("GET")

	api.HandleFunc("/dashboard/summary", dashboardHandler.GetSummary).Methods("GET")
	api.HandleFunc("/dashboard/range", dashboardHandler.GetRange).Methods("GET")
	api.HandleFunc("/dashboard/power-history", dashboardHandler.GetPowerHistory).Methods("GET")

	api.HandleFunc("/devices", deviceHandler.List).Methods("GET")
	api.HandleFunc("/devices/{id}/history", dashboardHandler.GetDeviceHistory).Methods("GET")
	api.HandleFunc("/devices/{id}/target", deviceHandler.SetTarget).Methods("PUT")
	api.HandleFunc("/devices/{id}/connection", deviceHandler.SetConnection).Methods("PUT")
	api.HandleFunc("/devices/{id}/command", deviceHandler.SendCommand).Methods("POST")

	api.HandleFunc("/notifications", notificationHandler.List).Methods("GET")
	api.HandleFunc("/notifications/{id}/read", notificationHandler.MarkRead).Methods("POST")

	api.HandleFunc("/reports/monthly", reportHandler.ExportMonthly).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:4173", "*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	})

	handler := c.Handler(r)

	server := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  180 * time.Second,
	}

	log.Printf("Server starting on %s", cfg.ServerAddress)
	log.Printf("Staleness sweep every %v (threshold %v)", cfg.StalenessSweepEvery, cfg.StalenessThreshold)
	log.Printf("Heuristic notification sweep every %v", cfg.HeuristicSweepEvery)
	log.Println("===========================================")

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func debugStatusHandler(w http.ResponseWriter, r *http.Request) {
	status := mqttCollector.GetConnectionStatus()
	status["offline_buffer_pending"] = offlineBuffer.Pending()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
