package statusapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lithos-systems/petra/internal/engine"
	"github.com/lithos-systems/petra/internal/wal"
	"github.com/lithos-systems/petra/pkg/value"
)

// StatusResponse is the body of GET /stats.
type StatusResponse struct {
	Running       bool                       `json:"running"`
	ScanCount     uint64                     `json:"scan_count"`
	ErrorCount    uint64                     `json:"error_count"`
	UptimeSeconds float64                    `json:"uptime_seconds"`
	SignalCount   int                        `json:"signal_count"`
	BlockCount    int                        `json:"block_count"`
	AvgScanUs     int64                      `json:"avg_scan_us"`
	MaxScanUs     int64                      `json:"max_scan_us"`
	DroppedEvents uint64                     `json:"dropped_events"`
	Subscribers   int                        `json:"subscribers"`
	WalCorruption uint64                     `json:"wal_corruptions"`
}

func (api *API) getStatus(w http.ResponseWriter, r *http.Request) {
	stats := api.eng.Stats()
	writeJSON(w, http.StatusOK, StatusResponse{
		Running:       stats.Running,
		ScanCount:     stats.ScanCount,
		ErrorCount:    stats.ErrorCount,
		UptimeSeconds: stats.Uptime.Seconds(),
		SignalCount:   stats.SignalCount,
		BlockCount:    stats.BlockCount,
		AvgScanUs:     stats.AvgScanTime.Microseconds(),
		MaxScanUs:     stats.MaxScanTime.Microseconds(),
		DroppedEvents: api.bus.DroppedEvents(),
		Subscribers:   api.bus.SubscriberCount(),
		WalCorruption: api.wal.CorruptionCount(),
	})
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Healthy    bool                       `json:"healthy"`
	Subsystems map[string]SubsystemHealth `json:"subsystems"`
}

func (api *API) getHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	subsystems := map[string]SubsystemHealth{
		"engine": engineHealth(api.eng),
		"wal":    walHealth(api.wal),
	}
	overall := true
	for _, sh := range subsystems {
		if !sh.Healthy {
			overall = false
		}
	}

	for _, checker := range api.checkers {
		sh := checker.CheckHealth(ctx)
		subsystems[checker.Name()] = sh
		if !sh.Healthy {
			overall = false
		}
	}

	status := http.StatusOK
	if !overall {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{Healthy: overall, Subsystems: subsystems})
}

func engineHealth(eng *engine.Engine) SubsystemHealth {
	stats := eng.Stats()
	if !stats.Running {
		return SubsystemHealth{Healthy: false, State: HealthFailed, Message: "engine is not running"}
	}
	if stats.ErrorCount > 0 {
		return SubsystemHealth{
			Healthy: true, State: HealthDegraded,
			Message:  fmt.Sprintf("%d block execution error(s) since start", stats.ErrorCount),
			Metadata: map[string]interface{}{"error_count": stats.ErrorCount, "scan_count": stats.ScanCount},
		}
	}
	return SubsystemHealth{
		Healthy: true, State: HealthOK,
		Metadata: map[string]interface{}{"scan_count": stats.ScanCount},
	}
}

// maxTolerableCorruptions is the corrupted-record count at which the WAL
// is reported failed rather than degraded (any non-zero count below it is
// degraded); a handful discarded during crash recovery is expected, a
// growing count points at failing storage.
const maxTolerableCorruptions = 10

func walHealth(w *wal.WAL) SubsystemHealth {
	n := w.CorruptionCount()
	if n == 0 {
		return SubsystemHealth{Healthy: true, State: HealthOK}
	}
	if n < maxTolerableCorruptions {
		return SubsystemHealth{
			Healthy: true, State: HealthDegraded,
			Message:  fmt.Sprintf("%d corrupted record(s) discarded since open", n),
			Metadata: map[string]interface{}{"corruptions": n},
		}
	}
	return SubsystemHealth{
		Healthy: false, State: HealthFailed,
		Message: fmt.Sprintf("%d corrupted records discarded, storage may be failing", n),
	}
}

// SignalsResponse is the body of GET /api/signals.
type SignalsResponse struct {
	Signals map[string]WireValue `json:"signals"`
	Names   []string             `json:"names"`
}

func (api *API) getSignals(w http.ResponseWriter, r *http.Request) {
	snapshot := api.bus.Snapshot()
	names := make([]string, 0, len(snapshot))
	out := make(map[string]WireValue, len(snapshot))
	for _, ev := range snapshot {
		names = append(names, ev.Name)
		out[ev.Name] = toWireValue(ev.Value)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"names": names, "signals": out})
}

func (api *API) getSignal(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	v, err := api.bus.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toWireValue(v))
}

func toWireValue(v value.Value) WireValue {
	switch v.Kind() {
	case value.Bool:
		return WireValue{Type: "bool", Value: v.Bool()}
	case value.Int32:
		return WireValue{Type: "int", Value: v.Int32()}
	default:
		return WireValue{Type: "float", Value: v.Float64()}
	}
}
