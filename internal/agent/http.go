package agent

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Diagnostics is a point-in-time snapshot of unit state, refreshed once per
// scheduler round so HTTP reads never touch loop-owned components.
type Diagnostics struct {
	FacultyID          int            `json:"faculty_id"`
	UptimeMS           int64          `json:"uptime_ms"`
	Presence           string         `json:"presence"`
	LastSeenMS         int64          `json:"last_seen_ms"`
	BeaconUnconfigured bool           `json:"beacon_unconfigured,omitempty"`
	ScanFailures       int            `json:"scan_failures"`
	Network            string         `json:"network"`
	Transport          string         `json:"transport"`
	Recovery           string         `json:"recovery"`
	QueueDepths        map[string]int `json:"queue_depths"`
	QueueTotal         int            `json:"queue_total"`
	InFlight           int            `json:"in_flight"`
	Enqueued           int            `json:"enqueued"`
	Delivered          int            `json:"delivered"`
	Failed             int            `json:"failed"`
	Expired            int            `json:"expired"`
	Evicted            int            `json:"evicted"`
	Rejected           int            `json:"rejected"`
	CorruptDropped     int            `json:"corrupt_dropped"`
}

func (a *Agent) updateDiagnostics(now time.Duration) {
	stats := a.queue.Stats()
	d := Diagnostics{
		FacultyID:          a.cfg.FacultyID,
		UptimeMS:           now.Milliseconds(),
		Presence:           a.detector.Status().String(),
		LastSeenMS:         a.detector.LastSeen().Milliseconds(),
		BeaconUnconfigured: a.detector.Unconfigured(),
		ScanFailures:       a.detector.ScanFailures(),
		Network:            a.monitor.NetworkState().String(),
		Transport:          a.monitor.TransportState().String(),
		Recovery:           a.recovery.State().String(),
		QueueDepths:        a.queue.Depths(),
		QueueTotal:         a.queue.Len(),
		InFlight:           a.publisher.InFlight(),
		Enqueued:           stats.Enqueued,
		Delivered:          stats.Delivered,
		Failed:             stats.Failed,
		Expired:            stats.Expired,
		Evicted:            stats.Evicted,
		Rejected:           stats.Rejected,
		CorruptDropped:     a.store.CorruptDropped(),
	}

	a.diagMu.Lock()
	a.diag = d
	a.diagMu.Unlock()
}

// Snapshot returns the latest diagnostics snapshot.
func (a *Agent) Snapshot() Diagnostics {
	a.diagMu.RLock()
	defer a.diagMu.RUnlock()
	return a.diag
}

// Handler returns the diagnostics HTTP surface for the local network.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		d := a.Snapshot()
		if d.Recovery != "online" && d.Recovery != "syncing" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"state": d.Recovery})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": d.Recovery})
	})
	mux.HandleFunc("GET /api/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Snapshot())
	})
	mux.HandleFunc("POST /api/respond", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConsultationID string `json:"consultation_id"`
			Action         string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
			return
		}
		if err := a.Respond(req.ConsultationID, req.Action); err != nil {
			a.logger.Warn("respond rejected", zap.String("consultation_id", req.ConsultationID), zap.Error(err))
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"consultation_id": req.ConsultationID,
			"response":        req.Action,
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
