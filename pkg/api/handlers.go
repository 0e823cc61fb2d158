package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gwerrors "modbus-edge-gateway/pkg/errors"
	"modbus-edge-gateway/pkg/storage"
)

func (s *Server) handleAdapter(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"port":      s.deps.Bus.PortName(),
		"baud_rate": s.deps.Bus.BaudRate(),
		"connected": s.deps.Bus.Connected(),
		"stats":     s.deps.Bus.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{
		"devices": len(s.deps.Manager.Snapshot()),
	}
	healthy := true
	degraded := false
	if s.deps.Monitor != nil {
		snap := s.deps.Monitor.Snapshot()
		doc["bus"] = snap
		healthy = snap.Healthy
		degraded = snap.ConsecutiveErrors > 0
	}
	if s.deps.Poller != nil {
		doc["polling_running"] = s.deps.Poller.Running()
	}
	if s.deps.Bridge != nil {
		doc["mqtt_connected"] = s.deps.Bridge.Connected()
	}
	doc["healthy"] = healthy
	switch {
	case !healthy:
		doc["status"] = "unhealthy"
	case degraded:
		doc["status"] = "degraded"
	default:
		doc["status"] = "healthy"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, doc)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Manager.Snapshot())
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	body := struct {
		MinUnitID int `json:"min_unit_id"`
		MaxUnitID int `json:"max_unit_id"`
	}{
		MinUnitID: s.cfg.Modbus.UnitIDMin,
		MaxUnitID: s.cfg.Modbus.UnitIDMax,
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			respondError(w, err)
			return
		}
	}

	result, err := s.deps.Manager.Discover(r.Context(), body.MinUnitID, body.MaxUnitID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func unitIDParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "unitId")
	unitID, err := strconv.Atoi(raw)
	if err != nil {
		return 0, gwerrors.NewValidationError("unit_id", "integer", raw)
	}
	return unitID, nil
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	unitID, err := unitIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	body := struct {
		DurationSec int `json:"duration_sec"`
	}{DurationSec: 5}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			respondError(w, err)
			return
		}
	}

	if err := s.deps.Manager.Identify(r.Context(), unitID, body.DurationSec); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"unit_id": unitID, "duration_sec": body.DurationSec,
	})
}

func (s *Server) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	unitID, err := unitIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body struct {
		Alias string `json:"alias"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}

	if err := s.deps.Manager.SetAlias(r.Context(), unitID, body.Alias); err != nil {
		respondError(w, err)
		return
	}
	dev, _ := s.deps.Manager.Get(unitID)
	respondJSON(w, http.StatusOK, dev)
}

func (s *Server) handleSetUnitID(w http.ResponseWriter, r *http.Request) {
	unitID, err := unitIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body struct {
		NewUnitID int `json:"new_unit_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}

	if err := s.deps.Manager.SetUnitID(r.Context(), unitID, body.NewUnitID); err != nil {
		respondError(w, err)
		return
	}
	dev, _ := s.deps.Manager.Get(body.NewUnitID)
	respondJSON(w, http.StatusOK, dev)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	unitID, err := unitIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	diag, err := s.deps.Manager.ReadDiagnostics(r.Context(), unitID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, diag)
}

func (s *Server) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IntervalSec float64 `json:"interval_sec"`
		UnitIDs     []int   `json:"unit_ids"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			respondError(w, err)
			return
		}
	}
	if body.IntervalSec < 0 {
		respondError(w, gwerrors.NewValidationError("interval_sec", "positive number", body.IntervalSec))
		return
	}

	interval := time.Duration(body.IntervalSec * float64(time.Second))
	if err := s.deps.Poller.Start(body.UnitIDs, interval); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Poller.Status())
}

func (s *Server) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Poller.Stop(); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Poller.Status())
}

func (s *Server) handlePollingStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Poller.Status())
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter := storage.AlertFilter{Level: r.URL.Query().Get("level")}

	if raw := r.URL.Query().Get("ack"); raw != "" {
		ack, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, gwerrors.NewValidationError("ack", "true or false", raw))
			return
		}
		filter.Ack = &ack
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			respondError(w, gwerrors.NewValidationError("limit", "positive integer", raw))
			return
		}
		filter.Limit = limit
	}

	alerts, err := s.deps.Store.GetAlerts(filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*storage.Alert{}
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body := struct {
		Reason string `json:"reason"`
	}{Reason: "operator"}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			respondError(w, err)
			return
		}
	}

	alert, err := s.deps.Engine.Acknowledge(id, body.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

func (s *Server) handleHistoryDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListDevices()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleHistorySensors(w http.ResponseWriter, r *http.Request) {
	unitID, err := unitIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	list, err := s.deps.Store.ListSensors(unitID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleHistoryData(w http.ResponseWriter, r *http.Request) {
	sensorID := chi.URLParam(r, "sensorId")

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h < 1 {
			respondError(w, gwerrors.NewValidationError("hours", "positive integer", raw))
			return
		}
		hours = h
	}
	var until time.Time
	if raw := r.URL.Query().Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, gwerrors.NewValidationError("until", "RFC3339 timestamp", raw))
			return
		}
		until = ts
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	data, err := s.deps.Store.GetMeasurements(sensorID, since, until, 0)
	if err != nil {
		respondError(w, err)
		return
	}
	if data == nil {
		data = []*storage.Measurement{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sensor_id": sensorID,
		"hours":     hours,
		"data":      data,
	})
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.GetStats()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePublishInventory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bridge == nil || !s.deps.Bridge.Connected() {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Code: "mqtt_unavailable", Message: "mqtt bridge not connected"})
		return
	}

	doc := map[string]interface{}{
		"gateway": map[string]interface{}{
			"port":      s.deps.Bus.PortName(),
			"baud_rate": s.deps.Bus.BaudRate(),
		},
		"devices": s.deps.Manager.Snapshot(),
	}
	if err := s.deps.Bridge.PublishAttributes(doc); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "published"})
}
