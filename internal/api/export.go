package api

import (
	"encoding/csv"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/modax/controld/internal/model"
)

const maxExportHours = 168

var exportColumns = []string{
	"timestamp", "device_id", "current_a", "current_b", "current_c",
	"vibration", "temperature", "rpm", "power_kw",
}

// exportRow is one aggregate projected onto the fixed export schema.
// Channels the device does not publish stay nil and render as empty cells
// (CSV) or null (JSON); rpm and power_kw are reserved for devices that
// report them.
type exportRow struct {
	Timestamp   float64  `json:"timestamp"`
	DeviceID    string   `json:"device_id"`
	CurrentA    *float64 `json:"current_a"`
	CurrentB    *float64 `json:"current_b"`
	CurrentC    *float64 `json:"current_c"`
	Vibration   *float64 `json:"vibration"`
	Temperature *float64 `json:"temperature"`
	RPM         *float64 `json:"rpm"`
	PowerKW     *float64 `json:"power_kw"`
}

// handleExport streams a device's aggregate history over the requested
// window, ascending by timestamp. Exports carry their own, lower rate
// budget on top of the default limiter.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, format := vars["id"], vars["format"]

	if s.exportLimiters != nil {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = remoteIP(r)
		}
		if !s.exportLimiters.allow(key) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.ratePeriod.Seconds())))
			writeError(w, r, http.StatusTooManyRequests, errRateLimit, "export rate limit exceeded")
			return
		}
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxExportHours {
			writeError(w, r, http.StatusUnprocessableEntity, errValidation, "hours must be an integer in [1,168]")
			return
		}
		hours = n
	}

	if !s.registry.Known(id) {
		writeError(w, r, http.StatusNotFound, errNotFound, "unknown device")
		return
	}

	// History is oldest-first already; filter to the window.
	cutoff := s.registry.LastUpdate() - float64(hours)*3600
	var rows []exportRow
	for _, agg := range s.registry.History(id, 0) {
		if agg.TimeWindowEnd < cutoff {
			continue
		}
		rows = append(rows, rowFromAggregate(agg))
	}

	switch format {
	case "csv":
		s.writeCSV(w, r, id, rows)
	default:
		if rows == nil {
			rows = []exportRow{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func (s *Server) writeCSV(w http.ResponseWriter, r *http.Request, id string, rows []exportRow) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write(exportColumns)
	for _, row := range rows {
		_ = cw.Write([]string{
			strconv.FormatFloat(row.Timestamp, 'f', -1, 64),
			row.DeviceID,
			cell(row.CurrentA),
			cell(row.CurrentB),
			cell(row.CurrentC),
			cell(row.Vibration),
			cell(row.Temperature),
			cell(row.RPM),
			cell(row.PowerKW),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Warn("csv export write failed", "device_id", id, "error", err)
	}
}

func rowFromAggregate(agg model.Aggregate) exportRow {
	row := exportRow{
		Timestamp: agg.TimeWindowEnd,
		DeviceID:  agg.DeviceID,
	}
	currents := []**float64{&row.CurrentA, &row.CurrentB, &row.CurrentC}
	for i, dst := range currents {
		if i < len(agg.CurrentMean) {
			v := agg.CurrentMean[i]
			*dst = &v
		}
	}
	mag := agg.VibrationMean.Magnitude
	row.Vibration = &mag
	if len(agg.TemperatureMean) > 0 {
		v := agg.TemperatureMean[0]
		row.Temperature = &v
	}
	return row
}

func cell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
