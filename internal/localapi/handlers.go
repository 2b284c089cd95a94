package localapi

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tankwise/tanksync/internal/cloud"
)

const (
	msgNoChanges      = "No changes - values identical"
	msgConfigUpdated  = "Config updated (will sync to server on next heartbeat)"
	msgControlUpdated = "Control updated (will sync to server on next heartbeat)"
)

func (s *Server) getTelemetry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, cloud.TelemetryFields(s.device.Telemetry()))
}

func (s *Server) getControl(w http.ResponseWriter, r *http.Request) {
	h := s.device.Control()
	if err := s.lock(r.Context(), h); err != nil {
		fail(w, http.StatusServiceUnavailable, ErrCodeBusy, err.Error())
		return
	}
	snap := h.Snapshot()
	h.Unlock()
	writeJSON(w, http.StatusOK, cloud.ControlFields(snap, false))
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	h := s.device.Config()
	if err := s.lock(r.Context(), h); err != nil {
		fail(w, http.StatusServiceUnavailable, ErrCodeBusy, err.Error())
		return
	}
	snap := h.Snapshot()
	h.Unlock()
	writeJSON(w, http.StatusOK, cloud.ConfigFields(snap, false))
}

// postControl merges an app write into the control record.
// Identical values are a no-op, a write that loses every field is rejected as stale.
func (s *Server) postControl(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		fail(w, http.StatusBadRequest, ErrCodeInvalidJSON, err.Error())
		return
	}
	decoded, err := cloud.ParseControlFields(body)
	if err != nil {
		fail(w, http.StatusBadRequest, ErrCodeInvalidJSON, err.Error())
		return
	}

	h := s.device.Control()
	if err := s.lock(r.Context(), h); err != nil {
		fail(w, http.StatusServiceUnavailable, ErrCodeBusy, err.Error())
		return
	}
	if !h.Values().Differs(decoded.Update) {
		h.Unlock()
		writeJSON(w, http.StatusOK, result{Success: true, Message: msgNoChanges})
		return
	}
	h.UpdateFromLocal(decoded.Update)
	changed := h.Merge()
	ts := s.device.Clock().Now()
	if changed {
		// accepted writes carry the time they were accepted at
		h.AcknowledgeLocal(ts)
	}
	values := h.Values()
	h.Unlock()

	logger := s.logger.WithFields(logrus.Fields{"record": h.Name(), "pump_switch": values.PumpSwitch})
	if !changed {
		logger.Info("Stale control write from app rejected")
		fail(w, http.StatusConflict, ErrCodeStaleTimestamp, "Current control data is newer")
		return
	}
	logger.Info("Control updated from app")
	s.device.ControlChanged(r.Context(), values)
	writeJSON(w, http.StatusOK, result{Success: true, Timestamp: ts, Message: msgControlUpdated})
}

// postConfig merges an app write into the config record
func (s *Server) postConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		fail(w, http.StatusBadRequest, ErrCodeInvalidJSON, err.Error())
		return
	}
	decoded, err := cloud.ParseConfigFields(body)
	if err != nil {
		fail(w, http.StatusBadRequest, ErrCodeInvalidJSON, err.Error())
		return
	}

	h := s.device.Config()
	if err := s.lock(r.Context(), h); err != nil {
		fail(w, http.StatusServiceUnavailable, ErrCodeBusy, err.Error())
		return
	}
	if !h.Values().Differs(decoded.Update) {
		h.Unlock()
		writeJSON(w, http.StatusOK, result{Success: true, Message: msgNoChanges})
		return
	}
	h.UpdateFromLocal(decoded.Update)
	changed := h.Merge()
	ts := s.device.Clock().Now()
	if changed {
		h.AcknowledgeLocal(ts)
	}
	values := h.Values()
	h.Unlock()

	if !changed {
		s.logger.WithField("record", h.Name()).Info("Stale config write from app rejected")
		fail(w, http.StatusConflict, ErrCodeStaleTimestamp, "Current config data is newer")
		return
	}
	s.logger.WithField("record", h.Name()).Info("Config updated from app")
	s.device.ConfigChanged(r.Context(), values)
	writeJSON(w, http.StatusOK, result{Success: true, Timestamp: ts, Message: msgConfigUpdated})
}

type timestampInfo struct {
	Timestamp uint64 `json:"timestamp"`
	Millis    uint32 `json:"millis"`
	Synced    bool   `json:"synced"`
	LastSync  uint64 `json:"lastSync"`
	Drift     int64  `json:"drift"`
}

func (s *Server) getTimestamp(w http.ResponseWriter, _ *http.Request) {
	clk := s.device.Clock()
	info := timestampInfo{
		Timestamp: clk.Now(),
		Millis:    clk.UptimeMillis(),
	}
	if a := clk.Anchor(); a.Value > 0 {
		info.Synced = true
		info.LastSync = a.Value
		info.Drift = int64(info.Millis) - int64(a.Uptime) //nolint:gosec // uptime fits in int64
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) postTimestamp(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		fail(w, http.StatusBadRequest, ErrCodeInvalidJSON, err.Error())
		return
	}
	var req struct {
		Timestamp *uint64 `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		fail(w, http.StatusBadRequest, ErrCodeInvalidJSON, err.Error())
		return
	}
	switch {
	case req.Timestamp == nil:
		fail(w, http.StatusBadRequest, ErrCodeMissingTimestamp, "timestamp is required")
		return
	case *req.Timestamp == 0:
		fail(w, http.StatusBadRequest, ErrCodeInvalidTimestamp, "timestamp must not be zero")
		return
	}

	s.device.SetTimestamp(*req.Timestamp)
	s.logger.WithField("timestamp", *req.Timestamp).Info("Time corrected by app")
	writeJSON(w, http.StatusOK, result{Success: true, Timestamp: *req.Timestamp, Message: "Time synchronized successfully"})
}

type statusInfo struct {
	Status        string `json:"status"`
	DeviceID      string `json:"deviceId"`
	Connected     bool   `json:"connected"`
	SyncDirection string `json:"syncDirection"`
	Authenticated bool   `json:"authenticated"`
	TimeSynced    bool   `json:"timeSynced"`
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.device.SyncStatus()
	writeJSON(w, http.StatusOK, statusInfo{
		Status:        "ready",
		DeviceID:      s.device.DeviceID(),
		Connected:     st.Connected,
		SyncDirection: st.Direction.String(),
		Authenticated: s.device.Authenticated(),
		TimeSynced:    s.device.Clock().Synced(),
	})
}
