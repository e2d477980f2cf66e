package net

import (
	"encoding/json"
	"errors"
	"log"
	nethttp "net/http"
	"time"

	"gridsync/server"
	"gridsync/server/internal/broadcast"
	"gridsync/server/internal/net/ws"
	"gridsync/server/internal/observability"
	"gridsync/server/internal/telemetry"
	"gridsync/server/logging"
)

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Observability observability.Config
	// LoggingStats, when set, adds event router counters to diagnostics.
	LoggingStats func() logging.RouterStats
}

func NewHTTPHandler(hub *server.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status       string `json:"status"`
			ServerTime   int64  `json:"serverTime"`
			Sequence     uint64 `json:"sequence"`
			TickRate     int    `json:"tickRate"`
			Participants any    `json:"participants"`
			Leases       any    `json:"leases"`
			Relays       any    `json:"relays"`
			Telemetry    any    `json:"telemetry"`
			Logging      any    `json:"logging,omitempty"`
		}{
			Status:       "ok",
			ServerTime:   time.Now().UnixMilli(),
			Sequence:     hub.FullState().Sequence,
			TickRate:     hub.TickRate(),
			Participants: hub.DiagnosticsSnapshot(),
			Leases:       hub.LeaseSnapshot(),
			Relays:       hub.RelaySnapshot(),
			Telemetry:    hub.TelemetrySnapshot(),
		}
		if cfg.LoggingStats != nil {
			payload.Logging = cfg.LoggingStats()
		}
		writeJSON(w, logger, payload)
	})

	mux.HandleFunc("/state", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, logger, hub.FullState())
	})

	mux.HandleFunc("/relays/migrate", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		from := r.URL.Query().Get("from")
		to := r.URL.Query().Get("to")
		if from == "" {
			httpError(w, "missing from", nethttp.StatusBadRequest)
			return
		}

		moved, err := hub.MigrateOrphans(from, to)
		if err != nil {
			status := nethttp.StatusInternalServerError
			switch {
			case errors.Is(err, broadcast.ErrUnknownRelay):
				status = nethttp.StatusNotFound
			case errors.Is(err, broadcast.ErrRelayUnavailable), errors.Is(err, broadcast.ErrRelayFull):
				status = nethttp.StatusConflict
			}
			httpError(w, err.Error(), status)
			return
		}

		response := struct {
			Status string `json:"status"`
			From   string `json:"from"`
			To     string `json:"to,omitempty"`
			Moved  int    `json:"moved"`
		}{
			Status: "ok",
			From:   from,
			To:     to,
			Moved:  moved,
		}
		writeJSON(w, logger, response)
	})

	wsHandler := ws.NewHandler(hub, ws.HandlerConfig{Logger: logger})
	mux.HandleFunc("/ws", wsHandler.Handle)

	if cfg.Observability.Mount(mux) {
		logger.Printf("pprof handlers mounted under /debug/pprof/")
	}

	return mux
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("failed to encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
