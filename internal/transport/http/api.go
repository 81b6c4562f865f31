package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wine-quiz-live/internal/app"
	"wine-quiz-live/internal/auth"
	"wine-quiz-live/internal/domain"
	"wine-quiz-live/internal/registry"
)

// API is the administrator REST surface next to the realtime gateway.
type API struct {
	engine   *app.Engine
	registry *registry.Registry
	auth     auth.Authenticator
	log      *slog.Logger
}

func NewAPI(engine *app.Engine, reg *registry.Registry, authn auth.Authenticator, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{engine: engine, registry: reg, auth: authn, log: log}
}

// NewRouter mounts health, the admin API and the websocket endpoint.
func NewRouter(api *API, ws *WSHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", api.handleHealth)
	r.Get("/ws", ws.ServeWS)
	r.Route("/api", func(sub chi.Router) {
		sub.Use(api.requireAdmin)
		api.Routes(sub)
	})
	return r
}

// Routes registers the admin routes.
func (a *API) Routes(r chi.Router) {
	r.Post("/sessions", a.handleCreateSession)
	r.Get("/sessions/{sessionID}", a.handleGetSession)
	r.Get("/sessions/{sessionID}/leaderboard", a.handleLeaderboard)
	r.Get("/sessions/{sessionID}/results", a.handleResults)
	r.Post("/sessions/{sessionID}/start", a.handleTransition(a.engine.StartSession))
	r.Post("/sessions/{sessionID}/next", a.handleTransition(a.engine.AdvanceQuestion))
	r.Post("/sessions/{sessionID}/end", a.handleTransition(a.engine.EndSession))
	r.Delete("/sessions/{sessionID}/resume-state", a.handleRetire)
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := a.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if !who.IsAdmin {
			a.writeError(w, r, domain.ErrAdminOnly)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": a.registry.Count()})
}

type createSessionRequest struct {
	GameMode domain.GameMode `json:"gameMode"`
	Rounds   []struct {
		QuestionIDs []string `json:"questionIds"`
	} `json:"rounds"`
}

type sessionResponse struct {
	Session domain.GameSession `json:"session"`
	Rounds  []domain.Round     `json:"rounds"`
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrBadRequest))
		return
	}
	newSession := app.NewSession{GameMode: req.GameMode}
	for _, round := range req.Rounds {
		newSession.Rounds = append(newSession.Rounds, round.QuestionIDs)
	}
	session, rounds, err := a.engine.CreateSession(r.Context(), newSession)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: session, Rounds: rounds})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, rounds, err := a.engine.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session, Rounds: rounds})
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	lb, err := a.engine.LiveScores(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

func (a *API) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := a.engine.RoundResults(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []domain.RoundResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *API) handleTransition(fn func(context.Context, string) (app.Transition, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tr, err := fn(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tr)
	}
}

func (a *API) handleRetire(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.RetireSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		a.log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, httpStatus(code), domain.ErrorData{Code: code, Message: msg})
}

func httpStatus(code string) int {
	switch code {
	case "authentication_failure":
		return http.StatusUnauthorized
	case "authorization_failure", "team_full":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "bad_request":
		return http.StatusBadRequest
	case "invalid_transition", "no_rounds_configured", "question_not_active", "duplicate_answer":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
