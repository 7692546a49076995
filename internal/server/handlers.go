package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dgnsrekt/forumlive/internal/auth"
	"github.com/dgnsrekt/forumlive/internal/config"
	"github.com/dgnsrekt/forumlive/internal/live"
	"github.com/dgnsrekt/forumlive/internal/store"
	"github.com/dgnsrekt/forumlive/internal/ws"
)

// lastIDHeader reports how far a timed-out long poll advanced past invisible events.
const lastIDHeader = "X-Last-Id"

// Deps are the collaborators behind the HTTP surface. Hub and Gatherer are optional.
type Deps struct {
	Store    *store.Store
	Queue    *live.Queue
	Hub      *ws.Hub
	Auth     *auth.Authenticator
	Gatherer prometheus.Gatherer
}

type Server struct {
	store    *store.Store
	queue    *live.Queue
	hub      *ws.Hub
	auth     *auth.Authenticator
	gatherer prometheus.Gatherer
	config   *config.LiveConfig
	logger   *zap.Logger
}

func NewServer(deps Deps, cfg *config.LiveConfig, logger *zap.Logger) *Server {
	return &Server{
		store:    deps.Store,
		queue:    deps.Queue,
		hub:      deps.Hub,
		auth:     deps.Auth,
		gatherer: deps.Gatherer,
		config:   cfg,
		logger:   logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type idResponse struct {
	ID    int64  `json:"id"`
	Token string `json:"token,omitempty"`
}

type writtenResponse struct {
	ID         int64 `json:"id"`
	ActivityID int64 `json:"activityId"`
}

type statusResponse struct {
	Status    string `json:"status"`
	LastID    int64  `json:"lastId"`
	QueueSize int    `json:"queueSize"`
	Listeners int    `json:"listeners"`
}

type lastIDResponse struct {
	LastID int64 `json:"lastId"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "ok",
		LastID:    s.queue.CurrentLastID(),
		QueueSize: s.queue.QueueSize(),
		Listeners: s.queue.Listeners(),
	})
}

func (s *Server) handleLastID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lastIDResponse{LastID: s.queue.CurrentLastID()})
}

// handleListen long-polls for the caller's next batch of events.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	lastID, err := s.startID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := auth.UserID(r.Context())

	ctx := r.Context()
	if s.config.ListenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ListenTimeout)
		defer cancel()
	}

	data, err := s.queue.Listen(ctx, userID, lastID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, data)
	case r.Context().Err() != nil:
		s.logger.Debug("listener went away", zap.Int64("userID", userID), zap.Int64("lastID", lastID))
	case errors.Is(err, context.DeadlineExceeded):
		w.Header().Set(lastIDHeader, strconv.FormatInt(max(data.LastID, lastID), 10))
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, r, err)
	}
}

// startID reads lastId from the query. Without one the caller starts at the newest event.
func (s *Server) startID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("lastId")
	if raw == "" {
		return s.queue.CurrentLastID(), nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: lastId %q", store.ErrInvalid, raw)
	}
	return id, nil
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	id, err := s.store.CreateUser(r.Context(), body.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.publish(w, r, live.EventUser, live.ActionCreate, id, id) {
		return
	}

	token, err := s.auth.Issue(id, body.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id, Token: token})
}

func (s *Server) handleUpdateAvatar(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Avatar string `json:"avatar"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	userID := auth.UserID(r.Context())

	if err := s.store.UpdateAvatar(r.Context(), userID, body.Avatar); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.publish(w, r, live.EventUser, live.ActionUpdate, userID, userID) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	s.writeContent(w, r, 0)
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.writeContent(w, r, id)
}

func (s *Server) writeContent(w http.ResponseWriter, r *http.Request, id int64) {
	var in store.ContentInput
	if !s.decode(w, r, &in) {
		return
	}
	in.ID = id
	userID := auth.UserID(r.Context())

	res, err := s.store.WriteContent(r.Context(), userID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	action, status := live.ActionUpdate, http.StatusOK
	if res.Created {
		action, status = live.ActionCreate, http.StatusCreated
	}
	if s.publish(w, r, live.EventActivity, action, userID, res.ActivityID) {
		writeJSON(w, status, writtenResponse{ID: res.ID, ActivityID: res.ActivityID})
	}
}

func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())

	activityID, err := s.store.DeleteContent(r.Context(), userID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.publish(w, r, live.EventActivity, live.ActionDelete, userID, activityID) {
		writeJSON(w, http.StatusOK, writtenResponse{ID: id, ActivityID: activityID})
	}
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var in store.MessageInput
	if !s.decode(w, r, &in) {
		return
	}
	userID := auth.UserID(r.Context())

	id, err := s.store.PostMessage(r.Context(), userID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.publish(w, r, live.EventMessage, live.ActionCreate, userID, id) {
		writeJSON(w, http.StatusCreated, idResponse{ID: id})
	}
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	userID := auth.UserID(r.Context())

	if err := s.store.EditMessage(r.Context(), userID, id, body.Text); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.publish(w, r, live.EventMessage, live.ActionUpdate, userID, id) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())

	if err := s.store.DeleteMessage(r.Context(), userID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.publish(w, r, live.EventMessage, live.ActionDelete, userID, id) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSetVariable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	userID := auth.UserID(r.Context())

	id, created, err := s.store.SetVariable(r.Context(), userID, chi.URLParam(r, "name"), body.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	action := live.ActionUpdate
	if created {
		action = live.ActionCreate
	}
	if s.publish(w, r, live.EventUserVariable, action, userID, id) {
		writeJSON(w, http.StatusOK, idResponse{ID: id})
	}
}

func (s *Server) handleDeleteVariable(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	id, err := s.store.DeleteVariable(r.Context(), userID, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.publish(w, r, live.EventUserVariable, live.ActionDelete, userID, id) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	contentID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())

	id, err := s.store.AddWatch(r.Context(), userID, contentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.publish(w, r, live.EventWatch, live.ActionCreate, userID, id) {
		writeJSON(w, http.StatusCreated, idResponse{ID: id})
	}
}

func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	contentID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())

	id, err := s.store.RemoveWatch(r.Context(), userID, contentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.publish(w, r, live.EventWatch, live.ActionDelete, userID, id) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// publish announces a committed write. On failure the write stays committed and the
// caller gets a 500.
func (s *Server) publish(w http.ResponseWriter, r *http.Request, t live.EventType, action live.Action, userID, refID int64) bool {
	e := &live.Event{Type: t, Action: action, UserID: userID, RefID: refID}
	if err := s.queue.AddEvent(context.WithoutCancel(r.Context()), e); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("type", string(t)),
			zap.String("action", string(action)),
			zap.Int64("refID", refID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "write committed but not published"})
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", store.ErrInvalid, err))
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, fmt.Errorf("%w: id %q", store.ErrInvalid, raw))
		return 0, false
	}
	return id, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case live.IsExpired(err):
		return http.StatusGone
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
