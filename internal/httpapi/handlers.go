package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/config"
	"github.com/boxguard/parcel-detection-worker/internal/scheduler"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Engine          interface{} `json:"engine"`
	LastResult      interface{} `json:"last_result,omitempty"`
	Pool            interface{} `json:"pool"`
	Scheduler       interface{} `json:"scheduler"`
	DetectionsToday *int64      `json:"detections_today,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Engine:    s.engine.Stats(),
		Pool:      s.pool.Health(),
		Scheduler: s.sched.State(),
	}
	if last := s.engine.LastResult(); last != nil {
		resp.LastResult = last
	}

	// Best effort: the status page stays up even when the database is down.
	dayStart := time.Now().Truncate(24 * time.Hour)
	if count, err := s.repo.CountDetectionsSince(r.Context(), dayStart); err == nil {
		resp.DetectionsToday = &count
	} else {
		s.logger.Warn("failed to count persisted detections", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.History())
}

type feedbackRequest struct {
	Correction string `json:"correction"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var ok bool
	switch req.Correction {
	case "false_positive":
		ok = s.engine.MarkFalsePositive(id)
	case "false_negative":
		ok = s.engine.MarkFalseNegative(id)
	default:
		writeError(w, http.StatusBadRequest, "correction must be false_positive or false_negative")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "detection not found in history")
		return
	}

	// Mirror the correction onto the persisted record, best effort.
	if parsed, err := uuid.Parse(id); err == nil {
		if err := s.repo.ApplyCorrection(r.Context(), parsed, req.Correction); err != nil {
			s.logger.Warn("failed to persist correction",
				zap.String("result_id", id), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "correction": req.Correction})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Snapshot())
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings patch")
		return
	}

	applied, err := s.settings.Apply(patch)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.logger.Info("settings patched via http")
	writeJSON(w, http.StatusOK, applied)
}

// handleManualCheck pulls the next device check forward. The worker has no
// camera access of its own, so the trigger rides the scheduler: the device
// relay picks up the boosted interval from the published schedule event.
func (s *Server) handleManualCheck(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]

	s.sched.RecordActivity(scheduler.EventSensorTriggered)
	decision := s.sched.ComputeInterval(scheduler.Context{SensorTriggered: true})
	s.logger.Info("manual check requested",
		zap.String("device_id", deviceID),
		zap.String("mode", string(decision.Mode)))

	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleInvalidateBaseline(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]
	s.engine.InvalidateBaseline(deviceID)
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "baseline": "invalidated"})
}

type forceModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleForceMode(w http.ResponseWriter, r *http.Request) {
	var req forceModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := scheduler.Mode(req.Mode)
	switch mode {
	case scheduler.ModeIdle, scheduler.ModeActive, scheduler.ModeCooldown, scheduler.ModeBoost:
	default:
		writeError(w, http.StatusBadRequest, "mode must be IDLE, ACTIVE, COOLDOWN or BOOST")
		return
	}

	writeJSON(w, http.StatusOK, s.sched.ForceMode(mode))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
