package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mingleapp/chatd/internal/auth"
	"github.com/mingleapp/chatd/internal/identity"
	"github.com/mingleapp/chatd/internal/storage"
)

type contextKey string

const claimsKey contextKey = "claims"

// Router assembles the HTTP surface: health, metrics, auth, the room list
// hot path, and the websocket upgrade.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", a.handleRegister)
	r.Post("/auth/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)
		r.Get("/rooms", a.handleListRooms)
		r.Get("/rooms/unread", a.handleUnread)
		r.Get("/rooms/{name}/messages", a.handleRoomMessages)
		r.Post("/rooms/{name}/block", a.handleSetBlock)
		r.Get("/ws", a.handleWebsocket)
	})

	return r
}

func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// requireAuth resolves the bearer token (or, for websocket handshakes,
// the token query parameter) to claims.
func (a *App) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		claims, err := a.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return claims
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	user, token, err := a.ids.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUserExists):
			writeError(w, http.StatusConflict, "username already exists")
		case errors.Is(err, identity.ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, "invalid credentials")
		default:
			a.log.Error().Err(err).Msg("register")
			writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}
	a.log.Info().Str("user", user.Username).Msg("registered")
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, UserID: user.ID, Username: user.Username})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	user, token, err := a.ids.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.log.Error().Err(err).Msg("login")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, UserID: user.ID, Username: user.Username})
}

// handleListRooms is the page-load hot path: one query per call.
func (a *App) handleListRooms(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	summaries, err := a.store.ListUserRooms(r.Context(), claims.UserID)
	if err != nil {
		a.log.Error().Err(err).Msg("list rooms")
		writeError(w, http.StatusInternalServerError, "room list unavailable")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (a *App) handleUnread(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unread, err := a.store.HasUnread(r.Context(), claims.UserID)
	if err != nil {
		a.log.Error().Err(err).Msg("unread check")
		writeError(w, http.StatusInternalServerError, "unread check unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unread": unread})
}

func (a *App) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	name := chi.URLParam(r, "name")

	room, err := a.store.GetRoomByName(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if _, err := a.store.GetMembership(r.Context(), claims.UserID, room.ID); err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	messages, err := a.store.ListRoomMessages(r.Context(), room.ID, 0)
	if err != nil {
		a.log.Error().Err(err).Str("room", name).Msg("room messages")
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	type messageResponse struct {
		ID      uint      `json:"id"`
		UserID  string    `json:"user_id"`
		Content string    `json:"content"`
		Created time.Time `json:"created"`
	}
	out := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, messageResponse{ID: msg.ID, UserID: msg.UserID, Content: msg.Content, Created: msg.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSetBlock flips the block flag on the caller's own membership
// (explicit unblock of a gated room, or muting an existing one).
func (a *App) handleSetBlock(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	name := chi.URLParam(r, "name")

	var req struct {
		Block bool `json:"block"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	room, err := a.store.GetRoomByName(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if err := a.store.SetBlock(r.Context(), claims.UserID, room.ID, req.Block); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		a.log.Error().Err(err).Str("room", name).Msg("set block")
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"block": req.Block})
}

// handleWebsocket upgrades an authenticated connection and runs its
// session until disconnect. Unauthenticated handshakes never reach the
// upgrade.
func (a *App) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	user, err := a.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	sess := newSession(a, *user, conn)
	defer sess.close()

	if err := sess.activate(r.Context()); err != nil {
		a.log.Error().Err(err).Str("user", user.Username).Msg("session activate")
		return
	}
	a.log.Info().Str("user", user.Username).Msg("session open")
	sess.run(r.Context())
	a.log.Info().Str("user", user.Username).Msg("session closed")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
