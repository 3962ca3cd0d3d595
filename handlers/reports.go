package handlers

import (
	"net/http"
	"time"

	"github.com/wattline/home-energy/backend/middleware"
	"github.com/wattline/home-energy/backend/services"
)

type ReportHandler struct {
	generator *services.ReportGenerator
}

func NewReportHandler(generator *services.ReportGenerator) *ReportHandler {
	return &ReportHandler{generator: generator}
}

// ExportMonthly generates and serves the consumption report PDF for
// ?month=2006-01 (defaults to the current month).
func (h *ReportHandler) ExportMonthly(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(middleware.UserIDKey).(int)

	month := time.Now()
	if v := r.URL.Query().Get("month"); v != "" {
		parsed, err := time.Parse("2006-01", v)
		if err != nil {
			http.Error(w, "Invalid month, expected YYYY-MM", http.StatusBadRequest)
			return
		}
		month = parsed
	}

	path, err := h.generator.GenerateMonthlyReport(userID, month)
	if err != nil {
		http.Error(w, "Failed to generate report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=energy-report.pdf")
	http.ServeFile(w, r, path)
}
