package services

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"

	"github.com/wattline/home-energy/backend/models"
)

// ReportGenerator renders a monthly consumption report PDF for an
// account: the daily rollup series, per-device totals and the target
// comparison, with a QR code linking to the live dashboard.
type ReportGenerator struct {
	db           *sql.DB
	aggregator   *Aggregator
	dashboardURL string
}

func NewReportGenerator(db *sql.DB, aggregator *Aggregator) *ReportGenerator {
	url := os.Getenv("DASHBOARD_URL")
	if url == "" {
		url = "http://localhost:5173"
	}
	return &ReportGenerator{db: db, aggregator: aggregator, dashboardURL: url}
}

type deviceTotal struct {
	DeviceID string
	Name     string
	EnergyWh float64
	TargetWh *float64
}

// GenerateMonthlyReport writes the PDF to the reports directory and
// returns its path. month is the first day of the calendar month; a
// month containing today is truncated to "so far".
func (rg *ReportGenerator) GenerateMonthlyReport(userID int, month time.Time) (string, error) {
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, month.Location())
	to := from.AddDate(0, 1, -1)
	now := time.Now()
	if to.After(now) {
		to = now
	}

	totalWh, err := rg.aggregator.RangeTotal(userID, from, to)
	if err != nil {
		return "", err
	}

	devices, err := rg.deviceTotals(userID, from, to)
	if err != nil {
		return "", err
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()

	// Header
	pdf.SetFont("Arial", "B", 24)
	pdf.SetTextColor(0, 123, 255)
	pdf.Cell(0, 10, "Energy Report")
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, from.Format("January 2006"))
	pdf.Ln(12)

	// Summary
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, "SUMMARY")
	pdf.Ln(6)

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.Cell(0, 5, fmt.Sprintf("Total consumption: %.2f kWh", totalWh/1000))
	pdf.Ln(5)
	pdf.Cell(0, 5, fmt.Sprintf("Period: %s to %s", from.Format("2006-01-02"), to.Format("2006-01-02")))
	pdf.Ln(10)

	// Per-device table
	pdf.SetFillColor(249, 249, 249)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(80, 8, "Device", "B", 0, "L", true, 0, "")
	pdf.CellFormat(50, 8, "Consumption", "B", 0, "R", true, 0, "")
	pdf.CellFormat(50, 8, "Monthly Target", "B", 0, "R", true, 0, "")
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 9)
	for _, dev := range devices {
		pdf.CellFormat(80, 7, dev.Name, "", 0, "L", false, 0, "")
		pdf.CellFormat(50, 7, fmt.Sprintf("%.2f kWh", dev.EnergyWh/1000), "", 0, "R", false, 0, "")
		target := "-"
		if dev.TargetWh != nil {
			target = fmt.Sprintf("%.2f kWh", *dev.TargetWh/1000)
			if dev.EnergyWh > *dev.TargetWh {
				pdf.SetTextColor(220, 53, 69)
			}
		}
		pdf.CellFormat(50, 7, target, "", 0, "R", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
		pdf.Ln(7)
	}
	pdf.Ln(10)

	// Dashboard QR code
	tempQR := filepath.Join(os.TempDir(), fmt.Sprintf("report_qr_%d_%s.png", userID, from.Format("200601")))
	if err := qrcode.WriteFile(rg.dashboardURL, qrcode.Medium, 280, tempQR); err == nil {
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(100, 100, 100)
		pdf.Cell(0, 5, "Scan for the live dashboard:")
		pdf.Ln(6)
		pdf.ImageOptions(tempQR, 15, pdf.GetY(), 40, 40, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		defer os.Remove(tempQR)
	}

	reportsDir := "./reports"
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", err
	}
	outPath := filepath.Join(reportsDir, fmt.Sprintf("report_%d_%s.pdf", userID, from.Format("2006-01")))

	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return "", fmt.Errorf("failed to write report PDF: %v", err)
	}

	log.Printf("SUCCESS: Generated monthly report for user %d: %s", userID, outPath)
	return outPath, nil
}

func (rg *ReportGenerator) deviceTotals(userID int, from, to time.Time) ([]deviceTotal, error) {
	rows, err := rg.db.Query(`
		SELECT d.id, d.name, d.monthly_target_wh, COALESCE(SUM(dc.energy_wh), 0)
		FROM devices d
		LEFT JOIN daily_consumption dc
			ON dc.device_id = d.id AND dc.user_id = d.user_id AND dc.date BETWEEN ? AND ?
		WHERE d.user_id = ? AND d.id != ?
		GROUP BY d.id, d.name, d.monthly_target_wh
		ORDER BY SUM(dc.energy_wh) DESC
	`, from.Format("2006-01-02"), to.Format("2006-01-02"), userID, models.SystemTotalDaily)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []deviceTotal
	for rows.Next() {
		var dt deviceTotal
		if err := rows.Scan(&dt.DeviceID, &dt.Name, &dt.TargetWh, &dt.EnergyWh); err != nil {
			continue
		}
		totals = append(totals, dt)
	}
	return totals, nil
}
