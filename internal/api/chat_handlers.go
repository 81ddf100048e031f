package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SakePipe/internal/flow"
	"github.com/BTreeMap/SakePipe/internal/models"
)

// maxChatMessages bounds the transcript a browser may send.
const maxChatMessages = 50

type chatRequest struct {
	Messages []flow.WebMessage `json:"messages"`
}

// chatHandler streams the web persona's reply as chunked plain text.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Chat is not configured"))
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if len(req.Messages) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("messages are required"))
		return
	}
	if len(req.Messages) > maxChatMessages {
		req.Messages = req.Messages[len(req.Messages)-maxChatMessages:]
	}

	flusher, _ := w.(http.Flusher)
	started := false
	start := time.Now()
	_, err := s.chat.StreamWebChat(r.Context(), req.Messages, func(delta string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write([]byte(delta)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if errors.Is(err, flow.ErrEmptyTurns) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("messages contain no user or assistant text"))
		return
	}
	if err != nil {
		slog.Error("Server.chatHandler: stream failed", "error", err, "started", started, "duration", time.Since(start))
		if !started {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate reply"))
		}
		return
	}
	if !started {
		// The model produced no text; send an empty 200 body.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}
