package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/chatsession/internal/chat"
	"github.com/ent0n29/chatsession/internal/observability"
	"github.com/ent0n29/chatsession/internal/protocol"
	"github.com/ent0n29/chatsession/internal/reliability"
	"github.com/ent0n29/chatsession/internal/session"
)

// ErrUnknownAssistant is returned when a session is requested for an
// assistant type that is not configured.
var ErrUnknownAssistant = errors.New("unknown assistant type")

// UserHeader carries the identity that is active on the calling surface.
const UserHeader = "X-User-ID"

// Options configures the HTTP surface.
type Options struct {
	AllowAnyOrigin    bool
	SendRatePerSecond float64
	SendBurst         int
	Assistants        []string
	StorageDriver     string
}

type Server struct {
	opts     Options
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	static   http.Handler

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

func New(opts Options, sessions *session.Manager, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if opts.SendRatePerSecond <= 0 {
		opts.SendRatePerSecond = 1
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		opts:     opts,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		static:   newStaticHandler(),
		limiters: make(map[string]*rate.Limiter),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a chat session.
				if opts.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/chat/assistants", s.handleListAssistants)
	r.Post("/v1/chat/{assistant}/sessions", s.handleCreateSession)
	r.Route("/v1/chat/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/messages", s.handleSend)
		r.Post("/cancel", s.handleCancel)
		r.Post("/clear", s.handleClear)
		r.Post("/feedback", s.handleFeedback)
		r.Post("/end", s.handleEndSession)
		r.Get("/ws", s.handleSessionWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"storage_driver": s.storageDriver(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"storage_driver":  s.storageDriver(),
		"assistants":      s.opts.Assistants,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleListAssistants(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"assistants": s.opts.Assistants})
}

type createSessionResponse struct {
	session.CreateResponse
	View chat.View `json:"view"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	assistantType := strings.TrimSpace(chi.URLParam(r, "assistant"))
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = userIDFrom(r)
	}

	sess, err := s.sessions.Create(r.Context(), assistantType, req.UserID)
	if err != nil {
		if errors.Is(err, ErrUnknownAssistant) {
			respondError(w, http.StatusNotFound, "unknown_assistant", err.Error())
			return
		}
		s.logger.Error("create chat session failed", zap.String("assistant", assistantType), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")

	ctrl, err := s.sessions.Controller(sess.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, createSessionResponse{
		CreateResponse: session.NewCreateResponse(sess, s.sessions.InactivityTimeout()),
		View:           ctrl.View(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}
	view := ctrl.Observe(r.Context(), userIDFrom(r))
	_ = s.sessions.RecordIdentity(id, view.UserKey)
	respondJSON(w, http.StatusOK, view)
}

type sendRequest struct {
	Text   string `json:"text"`
	UserID string `json:"user_id"`
}

type sendResponse struct {
	Result chat.Result `json:"result"`
	View   chat.View   `json:"view"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON with a text field")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = userIDFrom(r)
	}
	if !s.limiter(id).Allow() {
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many messages, slow down")
		return
	}

	res, err := ctrl.Send(r.Context(), userID, req.Text)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
		return
	case errors.Is(err, chat.ErrTurnInProgress):
		respondError(w, http.StatusConflict, "turn_in_progress", err.Error())
		return
	case errors.Is(err, chat.ErrIdentityChanged):
		view := ctrl.View()
		_ = s.sessions.RecordIdentity(id, view.UserKey)
		respondJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"code":  "identity_changed",
			"view":  view,
		})
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "send_failed", err.Error())
		return
	}
	_ = s.sessions.RecordTurn(id, res.Outcome)
	respondJSON(w, http.StatusOK, sendResponse{Result: res, View: ctrl.View()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	_, ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}
	canceled := ctrl.Cancel()
	respondJSON(w, http.StatusOK, map[string]any{
		"canceled": canceled,
		"view":     ctrl.View(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	_, ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, ctrl.Clear(r.Context()))
}

type feedbackRequest struct {
	MessageID string `json:"message_id"`
	Helpful   bool   `json:"helpful"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	_, ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON with a message_id field")
		return
	}
	if err := ctrl.Feedback(r.Context(), req.MessageID, req.Helpful); err != nil {
		if errors.Is(err, chat.ErrUnknownMessage) {
			respondError(w, http.StatusNotFound, "message_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "feedback_failed", reliability.UserMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "recorded"})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.End(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.dropLimiter(id)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID, ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	outbound := make(chan any, 256)
	enqueue := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			if t, ok := messageTypeOf(msg); ok {
				s.observeWS("outbound_dropped", t)
			}
		}
	}

	view := ctrl.Observe(ctx, userIDFrom(r))
	_ = s.sessions.RecordIdentity(sessionID, view.UserKey)
	enqueue(protocol.Snapshot{Type: protocol.TypeSnapshot, SessionID: sessionID, View: view})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the socket unblocks the read loop.
		defer conn.Close()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
					_ = conn.WriteJSON(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "session_ended"})
					cancel()
					return
				}
				msg = protocol.ChatEvent{Type: protocol.TypeChatEvent, SessionID: sessionID, Event: evt}
			case msg = <-outbound:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.observeWS("outbound", t)
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	var turns sync.WaitGroup
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.observeWS("inbound", t)
		}
		_ = s.sessions.Touch(sessionID)

		switch msg := parsed.(type) {
		case protocol.ClientSend:
			if !s.limiter(sessionID).Allow() {
				enqueue(protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent, SessionID: sessionID,
					Code: "rate_limited", Source: "gateway", Retryable: true,
					Detail: "too many messages, slow down",
				})
				continue
			}
			// Sends run concurrently so that a cancel can be read while a turn
			// is in flight.
			turns.Add(1)
			go func() {
				defer turns.Done()
				res, err := ctrl.Send(ctx, msg.UserID, msg.Text)
				if err != nil {
					enqueue(sendErrorEvent(sessionID, err))
					return
				}
				_ = s.sessions.RecordTurn(sessionID, res.Outcome)
				enqueue(protocol.TurnResult{
					Type:      protocol.TypeTurnResult,
					SessionID: sessionID,
					Outcome:   string(res.Outcome),
					Attempts:  res.Attempts,
					ErrorKind: string(res.ErrorKind),
				})
			}()
		case protocol.ClientControl:
			switch msg.Action {
			case protocol.ActionCancel:
				ctrl.Cancel()
			case protocol.ActionClear:
				ctrl.Clear(ctx)
			case protocol.ActionObserve:
				view := ctrl.Observe(ctx, msg.UserID)
				_ = s.sessions.RecordIdentity(sessionID, view.UserKey)
				enqueue(protocol.Snapshot{Type: protocol.TypeSnapshot, SessionID: sessionID, View: view})
			}
		case protocol.ClientFeedback:
			if err := ctrl.Feedback(ctx, msg.MessageID, msg.Helpful); err != nil {
				enqueue(protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent, SessionID: sessionID,
					Code: "feedback_failed", Source: "assistant", Detail: err.Error(),
				})
			}
		}
	}

	// A closed socket abandons the in-flight turn like a cancel.
	cancel()
	turns.Wait()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func sendErrorEvent(sessionID string, err error) protocol.ErrorEvent {
	code := "send_failed"
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		code = "empty_message"
	case errors.Is(err, chat.ErrTurnInProgress):
		code = "turn_in_progress"
	case errors.Is(err, chat.ErrIdentityChanged):
		code = "identity_changed"
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "chat",
		Retryable: code == "identity_changed" || code == "turn_in_progress",
		Detail:    err.Error(),
	}
}

// controller resolves the session of the request, answering with an error
// response when it cannot.
func (s *Server) controller(w http.ResponseWriter, r *http.Request) (string, *chat.Controller, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return "", nil, false
	}
	ctrl, err := s.sessions.Controller(id)
	switch {
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusGone, "session_ended", err.Error())
		return "", nil, false
	case err != nil:
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return "", nil, false
	}
	return id, ctrl, true
}

func (s *Server) limiter(sessionID string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.opts.SendRatePerSecond), s.opts.SendBurst)
		s.limiters[sessionID] = l
	}
	return l
}

func (s *Server) dropLimiter(sessionID string) {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	delete(s.limiters, sessionID)
}

// ForgetSession releases per-session server state, e.g. after expiry.
func (s *Server) ForgetSession(sessionID string) {
	s.dropLimiter(sessionID)
}

func (s *Server) observeWS(direction string, t protocol.MessageType) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
}

func (s *Server) storageDriver() string {
	driver := strings.TrimSpace(s.opts.StorageDriver)
	if driver == "" {
		return "auto"
	}
	return driver
}

func userIDFrom(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(UserHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		// Only a body with no JSON value at all is empty; truncated JSON is
		// io.ErrUnexpectedEOF and stays an error.
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientSend:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ClientFeedback:
		return m.Type, true
	case protocol.Snapshot:
		return m.Type, true
	case protocol.ChatEvent:
		return m.Type, true
	case protocol.TurnResult:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
