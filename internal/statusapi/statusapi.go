// Package statusapi implements PETRA's HTTP status, health, and
// change-stream surface: gorilla/mux subrouters, JSON response structs
// with an explicit ErrorResponse shape, and a healthy/degraded/failed
// multi-state health classification, generalized from per-node metric
// freshness to PETRA's own subsystems.
package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/lithos-systems/petra/internal/engine"
	"github.com/lithos-systems/petra/internal/perr"
	"github.com/lithos-systems/petra/internal/plog"
	"github.com/lithos-systems/petra/internal/wal"
	"github.com/lithos-systems/petra/pkg/bus"
)

var log = plog.For("STATUSAPI")

// HealthState is one subsystem's health classification.
type HealthState string

const (
	HealthOK       HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthFailed   HealthState = "failed"
)

// SubsystemHealth is one entry in the aggregate health response.
type SubsystemHealth struct {
	Healthy  bool                   `json:"healthy"`
	State    HealthState            `json:"state"`
	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// HealthChecker reports a named subsystem's current health. The historian's
// remote sink and protocol adapters implement this to be included in
// GET /healthz.
type HealthChecker interface {
	Name() string
	CheckHealth(ctx context.Context) SubsystemHealth
}

// ErrorResponse is the JSON body of any non-2xx response.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// ChangeStreamMessage is the wire envelope for every message sent on the
// /stream websocket: a signal change or a scan-completion marker.
type ChangeStreamMessage struct {
	Type       string      `json:"type"`
	Signal     string      `json:"signal,omitempty"`
	Value      *WireValue  `json:"value,omitempty"`
	Scan       uint64      `json:"scan,omitempty"`
	DurationUs int64       `json:"duration_us,omitempty"`
	Timestamp  int64       `json:"ts"`
}

// WireValue is a Value serialized as {"type": "...", "value": ...}.
type WireValue struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// API is the HTTP status/health/change-stream server.
type API struct {
	bus      *bus.Bus
	eng      *engine.Engine
	wal      *wal.WAL
	checkers []HealthChecker
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New constructs an API bound to the given engine/bus/WAL, with optional
// additional subsystem health checkers (e.g. the historian's remote sink).
func New(addr string, eng *engine.Engine, b *bus.Bus, w *wal.WAL, checkers ...HealthChecker) *API {
	api := &API{
		bus:      b,
		eng:      eng,
		wal:      w,
		checkers: checkers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	api.mountRoutes(r)

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(false)))
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.AllowedMethods([]string{http.MethodGet}),
		handlers.AllowedOrigins([]string{"*"}),
	))

	logged := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Infof("%s %s (%d, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})

	api.httpSrv = &http.Server{Addr: addr, Handler: logged, ReadHeaderTimeout: 5 * time.Second}
	return api
}

func (api *API) mountRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", api.getHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", api.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/stream", api.serveChangeStream)

	sub := r.PathPrefix("/api").Subrouter()
	sub.StrictSlash(true)
	sub.HandleFunc("/signals", api.getSignals).Methods(http.MethodGet)
	sub.HandleFunc("/signals/{name}", api.getSignal).Methods(http.MethodGet)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (api *API) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("status api listening on %s", api.httpSrv.Addr)
		if err := api.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.httpSrv.Shutdown(shutdownCtx); err != nil {
			return perr.IO("statusapi.Run", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return perr.IO("statusapi.Run", err)
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warnf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Status: http.StatusText(status), Error: msg})
}
