package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/corvus-ci/ando-control-plane/internal/models"
	"github.com/gorilla/websocket"
)

// LogEntryView is the wire shape of one live-streamed log line.
type LogEntryView struct {
	Sequence  int64     `json:"sequence"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// every origin is accepted; no same-origin check is made here. The
	// core's admin UI collaborator is expected to proxy through the same host.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LogsHandler upgrades a request to a websocket and streams a running
// build's live log entries to the client as they're produced. A build with
// no active sink (already finished, or never started) is answered with 404
// and no websocket upgrade.
type LogsHandler struct {
	logger *slog.Logger
	sinks  SinkLookup
}

func NewLogsHandler(logger *slog.Logger, sinks SinkLookup) *LogsHandler {
	return &LogsHandler{logger: logger, sinks: sinks}
}

func (h *LogsHandler) TailLogs(w http.ResponseWriter, r *http.Request) {
	buildID, err := parseBuildID(r)
	if err != nil {
		writeErrorAndLogIt(w, http.StatusBadRequest, err.Error(), h.logger)
		return
	}

	sink, ok := h.sinks.SinkFor(buildID)
	if !ok {
		writeErrorAndLogIt(w, http.StatusNotFound, "build has no active log stream", h.logger)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade log tail connection", "build", buildID, "error", err)
		return
	}
	defer conn.Close()

	entries, unsubscribe := sink.Subscribe()
	defer unsubscribe()

	for entry := range entries {
		if err := conn.WriteJSON(toLogEntryView(entry)); err != nil {
			// a write failure almost always means the client disconnected;
			// stop streaming rather than blocking on a dead connection.
			return
		}
	}
}

func toLogEntryView(entry models.BuildLogEntry) LogEntryView {
	return LogEntryView{
		Sequence:  entry.Sequence,
		Type:      string(entry.Type),
		Message:   entry.Message,
		Timestamp: entry.Timestamp,
	}
}
