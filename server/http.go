package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mbocsi/dmxlink/proto"
)

const maxCommandBytes = 64 << 10

func (b *Backend) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, proto.NewErrorMessage(http.StatusUnauthorized, "unauthorized"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	cmd, err := proto.DecodeCommand(data)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, proto.ErrUnknownCommand) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, proto.NewErrorMessage(status, err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, b.Apply("rest", cmd))
}

func (b *Backend) handleState(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, proto.NewErrorMessage(http.StatusUnauthorized, "unauthorized"))
		return
	}
	writeJSON(w, http.StatusOK, b.stateUpdate())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}
