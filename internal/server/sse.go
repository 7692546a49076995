package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/forumlive/internal/auth"
	"github.com/dgnsrekt/forumlive/internal/live"
)

// sseKeepAlive is how often an idle stream receives a comment line.
const sseKeepAlive = 15 * time.Second

type listenOutcome struct {
	data live.LiveData
	err  error
}

// handleSSE streams the caller's live data as Server-Sent Events. A reconnecting
// EventSource resumes from its Last-Event-ID when lastId is absent.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("lastId") == "" {
		if id := r.Header.Get("Last-Event-ID"); id != "" {
			q := r.URL.Query()
			q.Set("lastId", id)
			r.URL.RawQuery = q.Encode()
		}
	}
	lastID, err := s.startID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	userID := auth.UserID(r.Context())
	s.logger.Debug("sse client connected",
		zap.Int64("userID", userID),
		zap.Int64("lastID", lastID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	results := make(chan listenOutcome)
	go func(lastID int64) {
		for {
			data, err := s.queue.Listen(ctx, userID, lastID)
			select {
			case results <- listenOutcome{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
			lastID = data.LastID
		}
	}(lastID)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse client disconnected", zap.Int64("userID", userID))
			return

		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()

		case out := <-results:
			var event []byte
			switch {
			case out.err == nil:
				lastID = out.data.LastID
				event, err = formatEvent("live", lastID, out.data)
			case ctx.Err() != nil:
				return
			case live.IsExpired(out.err):
				event, err = formatEvent("expired", lastID, errorResponse{Error: out.err.Error()})
			default:
				s.logger.Error("sse listen failed", zap.Int64("lastID", lastID), zap.Error(out.err))
				event, err = formatEvent("error", lastID, errorResponse{Error: "listen failed"})
			}
			if err != nil {
				s.logger.Error("failed to format event", zap.Error(err))
				return
			}
			if _, err := w.Write(event); err != nil {
				s.logger.Debug("failed to write to client", zap.Error(err))
				return
			}
			flusher.Flush()
			if out.err != nil {
				return
			}
		}
	}
}

// formatEvent formats an SSE event with JSON data.
func formatEvent(event string, id int64, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "event: %s\nid: %d\ndata: %s\n\n", event, id, payload), nil
}
