package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/agrosettle/service/metrics"
	natspkg "github.com/brojonat/agrosettle/service/nats"
	"github.com/brojonat/agrosettle/service/settlement"
)

const sseKeepaliveInterval = 10 * time.Second

// handleStreamSettlements handles SSE streaming of completed settlements.
// If the mode path parameter is empty, streams all modes.
func handleStreamSettlements(events natspkg.Subscriber, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mode := r.PathValue("mode")
		modeDesc := mode
		if mode == "" {
			modeDesc = "all"
		} else if !settlement.Mode(mode).Valid() {
			writeError(w, "invalid mode: must be 'direct' or 'pooled'", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		stream, err := events.Subscribe(ctx, mode)
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe to settlements",
				"mode", modeDesc,
				"error", err,
			)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		// The stream is long-lived; lift the server's write deadline.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flush := func() {
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}

		m.RecordSSEConnectionChange(modeDesc, 1)
		defer m.RecordSSEConnectionChange(modeDesc, -1)

		logger.DebugContext(ctx, "SSE client connected",
			"mode", modeDesc,
			"remote_addr", r.RemoteAddr,
		)

		fmt.Fprintf(w, "event: connected\ndata: {\"mode\":%q}\n\n", modeDesc)
		flush()
		m.RecordSSEEventSent(modeDesc, "connected")

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case event := <-stream:
				if event == nil {
					continue
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal settlement event", "error", err)
					continue
				}

				fmt.Fprintf(w, "event: settlement\ndata: %s\n\n", data)
				flush()
				m.RecordSSEEventSent(modeDesc, "settlement")

				logger.DebugContext(ctx, "sent settlement event",
					"mode", modeDesc,
					"transaction_hash", event.TransactionHash,
				)

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"mode", modeDesc,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
