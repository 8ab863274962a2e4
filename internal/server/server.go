package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"suncochat/internal/app"
	"suncochat/internal/auth"
	"suncochat/internal/ratelimit"
	"suncochat/internal/util"
	"suncochat/pkg/domain"
	"suncochat/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Auth     *auth.Gateway
	Store    store.Store
	Sessions store.SessionStore

	// AuthLimiter, when set, rate-limits signup and login by client IP.
	AuthLimiter    *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the HTTP and SSE endpoints of the chat client.
type Server struct {
	app         *app.App
	auth        *auth.Gateway
	store       store.Store
	sessions    store.SessionStore
	authLimiter *ratelimit.FixedWindowLimiter
	trusted     *util.TrustedProxies
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:         cfg.App,
		auth:        cfg.Auth,
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		authLimiter: cfg.AuthLimiter,
		trusted:     cfg.TrustedProxies,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with shared middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.withAuthLimit(s.handleSignup))
	s.mux.HandleFunc("/api/auth/login", s.withAuthLimit(s.handleLogin))
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/auth/me", s.withUser(s.handleMe))

	// chat sessions
	s.mux.Handle("/api/chats", s.withUser(s.handleChats))
	s.mux.Handle("/api/chats/", s.withUser(s.handleChatByID))

	// conversation
	s.mux.Handle("/api/messages", s.withUser(s.handleMessages))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// authorize resolves the bearer token to the signed-in user. Tokens issued
// to a user who has since signed out are rejected.
func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	userID, ok, err := s.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	current, signedIn := s.auth.CurrentUser()
	if !signedIn || current.ID != userID {
		return domain.User{}, false
	}
	return current, true
}

func (s *Server) withAuthLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authLimiter != nil {
			ip := util.ClientIP(r, s.trusted)
			if !s.authLimiter.Allow(ip) {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
		}
		next(w, r)
	}
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.auth.SignUp(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrEmailAlreadyExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := s.sessions.NewSession(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.auth.SignIn(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := s.sessions.NewSession(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.sessions.DeleteSession(token); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.auth.SignOut(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// chat handlers
func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	chats, err := s.app.ListChats(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": chats,
		"count": len(chats),
	})
}

func (s *Server) handleChatByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/chats/")
	if rest == "new" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.app.NewChat(); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.stateResponse())
		return
	}
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" || strings.Contains(action, "/") {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "select":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.app.SelectChat(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.stateResponse())
	case "messages":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleChatMessages(w, r, user, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	chat, found, err := s.store.GetChat(id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !found || chat.UserID != user.ID {
		writeError(w, http.StatusNotFound, store.ErrChatNotFound.Error())
		return
	}
	msgs, err := s.store.ListMessages(id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chatId":   chat.ID,
		"title":    chat.Title,
		"messages": msgs,
	})
}

// conversation handlers
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.stateResponse())
	case http.MethodPost:
		s.handleSendMessage(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

// handleSendMessage streams conversation snapshots over SSE while the model
// reply is in flight. Each event carries the full message list, so dropped
// intermediate snapshots never lose state.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, _ domain.User) {
	var req sendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 32<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.File == nil {
		writeError(w, http.StatusBadRequest, "text or file is required")
		return
	}
	if s.app.IsStreaming() {
		writeError(w, http.StatusConflict, app.ErrStreamInProgress.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Snapshots arrive on the emitter goroutine; drop the oldest buffered
	// snapshot under backpressure since each one is complete.
	events := make(chan []domain.Message, 16)
	cancel := s.app.Subscribe(func(msgs []domain.Message) {
		select {
		case events <- msgs:
		default:
			select {
			case <-events:
			default:
			}
			select {
			case events <- msgs:
			default:
			}
		}
	})
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.app.SendMessage(r.Context(), req.Text, req.File)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case msgs := <-events:
			writeSSE(w, flusher, "messages", msgs)
		case err := <-done:
			// Drain snapshots emitted before SendMessage returned.
			for {
				select {
				case msgs := <-events:
					writeSSE(w, flusher, "messages", msgs)
					continue
				default:
				}
				break
			}
			if err != nil {
				util.LoggerFromContext(r.Context()).Warn("send message failed", "error", err)
				writeSSE(w, flusher, "error", map[string]string{"error": err.Error()})
			}
			writeSSE(w, flusher, "done", s.stateResponse())
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) stateResponse() stateResponse {
	return stateResponse{
		ChatID:    s.app.ActiveChatID(),
		Messages:  s.app.Messages(),
		Streaming: s.app.IsStreaming(),
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrNotSignedIn):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrStreamInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrChatNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type sendMessageRequest struct {
	Text string                 `json:"text"`
	File *domain.FileAttachment `json:"file"`
}

type stateResponse struct {
	ChatID    string           `json:"chatId"`
	Messages  []domain.Message `json:"messages"`
	Streaming bool             `json:"streaming"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		slog.Warn("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n"))
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
