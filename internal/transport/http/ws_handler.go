package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"wine-quiz-live/internal/app"
	"wine-quiz-live/internal/auth"
	"wine-quiz-live/internal/domain"
	"wine-quiz-live/internal/registry"
	"wine-quiz-live/internal/scoring"
)

// GatewayConfig tunes the per-connection pumps.
type GatewayConfig struct {
	// Time allowed to write a message to the peer.
	WriteWait time.Duration
	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration
	// Send pings to peer with this period. Must be less than PongWait.
	PingPeriod time.Duration
	// Maximum message size allowed from peer.
	MaxMessageSize int64
	// Upper bound for one command's store and catalog work.
	CommandTimeout time.Duration
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
		CommandTimeout: 10 * time.Second,
	}
}

// WSHandler is the realtime gateway: it authenticates sockets, decodes commands,
// dispatches them to the engine and pumps registry events back out.
type WSHandler struct {
	engine   *app.Engine
	registry *registry.Registry
	auth     auth.Authenticator
	cfg      GatewayConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(engine *app.Engine, reg *registry.Registry, authn auth.Authenticator, cfg GatewayConfig, log *slog.Logger) *WSHandler {
	def := DefaultGatewayConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		engine:   engine,
		registry: reg,
		auth:     authn,
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// connState is owned by the connection's read loop.
type connState struct {
	client    *registry.Client
	sessionID string
	teamID    string
}

type connectedData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	IsAdmin      bool   `json:"isAdmin"`
}

type sessionJoinedData struct {
	SessionID    string            `json:"sessionId"`
	TeamID       string            `json:"teamId,omitempty"`
	Participants []domain.Identity `json:"participants"`
}

// ServeWS upgrades HTTP requests to websockets. Unauthenticated sockets are
// closed with a policy violation right after the upgrade.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	who, authErr := h.auth.Authenticate(r.Context(), bearerToken(r))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if authErr != nil {
		code := websocket.ClosePolicyViolation
		if !errors.Is(authErr, domain.ErrAuthentication) {
			code = websocket.CloseInternalServerErr
			h.log.Error("authenticate connection", "error", authErr)
		}
		msg := websocket.FormatCloseMessage(code, domain.ErrorCode(authErr))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
		return
	}

	st := &connState{client: h.registry.Connect(who)}
	log := h.log.With("conn_id", st.client.ID, "user_id", who.UserID)
	log.Info("connection opened", "admin", who.IsAdmin)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, st.client, log)
	}()

	h.registry.Send(st.client, domain.Event{Type: domain.EventConnected, Data: connectedData{
		ConnectionID: st.client.ID,
		UserID:       who.UserID,
		IsAdmin:      who.IsAdmin,
	}})

	base := context.WithoutCancel(r.Context())
	h.readPump(base, conn, st, log)

	h.registry.Disconnect(st.client)
	if st.sessionID != "" {
		h.departed(base, st, st.sessionID, st.teamID)
	}
	<-writerDone
	log.Info("connection closed")
}

func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, st *connState, log *slog.Logger) {
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("ws read error", "error", err)
			}
			return
		}
		select {
		case <-st.client.Done():
			return
		default:
		}
		h.handle(ctx, st, raw, log)
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, c *registry.Client, log *slog.Logger) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev := <-c.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Warn("ws write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Done():
			h.flush(conn, c)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		}
	}
}

// flush writes whatever is still queued when the client is dropped.
func (h *WSHandler) flush(conn *websocket.Conn, c *registry.Client) {
	for {
		select {
		case ev := <-c.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

// handle decodes and dispatches one inbound message. Every failure, including a
// panic in a handler, becomes an error event for this connection only.
func (h *WSHandler) handle(base context.Context, st *connState, raw []byte, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(base, h.cfg.CommandTimeout)
	defer cancel()

	cmd, typ, err := decodeCommand(raw)
	if err != nil {
		h.reject(st, typ, err, log)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			h.reject(st, typ, fmt.Errorf("panic in %s: %v", typ, p), log)
		}
	}()

	if cmd.adminOnly() && !st.client.Identity.IsAdmin {
		h.reject(st, typ, fmt.Errorf("%s: %w", typ, domain.ErrAdminOnly), log)
		return
	}
	if err := h.dispatch(ctx, st, cmd); err != nil {
		h.reject(st, typ, err, log)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, st *connState, cmd command) error {
	who := st.client.Identity
	switch c := cmd.(type) {
	case *joinSessionCmd:
		return h.join(ctx, st, c)

	case *leaveSessionCmd:
		m, ok := h.registry.LeaveSession(st.client)
		if !ok && st.sessionID == "" {
			return domain.ErrNotJoined
		}
		if !ok {
			m = registry.Membership{SessionID: st.sessionID, TeamID: st.teamID}
		}
		st.sessionID, st.teamID = "", ""
		h.departed(ctx, st, m.SessionID, m.TeamID)
		return nil

	case *submitAnswerCmd:
		sessionID, err := h.scope(st, c.SessionID)
		if err != nil {
			return err
		}
		answer, err := h.engine.SubmitAnswer(ctx, who, sessionID, scoring.Submission{
			QuestionID:     c.QuestionID,
			SelectedChoice: c.SelectedChoice,
			TextAnswer:     c.TextAnswer,
		})
		if err != nil {
			return err
		}
		h.registry.Send(st.client, domain.Event{Type: domain.EventAnswerSubmitted, Data: domain.AnswerSubmittedData{
			SessionID:  sessionID,
			QuestionID: answer.QuestionID,
			AnsweredAt: answer.AnsweredAt.UTC().Format(time.RFC3339Nano),
		}})
		return nil

	case *updateDraftCmd:
		sessionID, err := h.scope(st, c.SessionID)
		if err != nil {
			return err
		}
		state, err := h.engine.SaveDraft(ctx, who, sessionID, app.Draft{
			QuestionID:     c.QuestionID,
			SelectedOption: c.SelectedOption,
			TextAnswer:     c.TextAnswer,
		})
		if err != nil {
			return err
		}
		h.registry.Send(st.client, domain.Event{Type: domain.EventDraftSaved, Data: state})
		return nil

	case *startSessionCmd:
		_, err := h.engine.StartSession(ctx, c.SessionID)
		return err

	case *nextQuestionCmd:
		_, err := h.engine.AdvanceQuestion(ctx, c.SessionID)
		return err

	case *endSessionCmd:
		_, err := h.engine.EndSession(ctx, c.SessionID)
		return err

	case *getLiveScoresCmd:
		lb, err := h.engine.LiveScores(ctx, c.SessionID)
		if err != nil {
			return err
		}
		h.registry.Send(st.client, domain.Event{Type: domain.EventLiveScores, Data: lb})
		return nil

	default:
		return fmt.Errorf("unhandled command %s: %w", cmd.name(), domain.ErrBadRequest)
	}
}

func (h *WSHandler) join(ctx context.Context, st *connState, c *joinSessionCmd) error {
	who := st.client.Identity
	var (
		prev    registry.Membership
		hadPrev bool
	)
	_, err := h.engine.Join(ctx, who, c.SessionID, c.TeamID, func(res app.JoinResult) {
		prev, hadPrev = h.registry.JoinSession(st.client, c.SessionID, res.TeamID)
		h.registry.Send(st.client, domain.Event{Type: domain.EventSessionJoined, Data: sessionJoinedData{
			SessionID:    c.SessionID,
			TeamID:       res.TeamID,
			Participants: h.registry.Participants(c.SessionID),
		}})
		h.registry.Send(st.client, domain.Event{Type: domain.EventSessionState, Data: res})
		st.teamID = res.TeamID
	})
	if err != nil {
		return err
	}

	if hadPrev {
		h.departed(ctx, st, prev.SessionID, prev.TeamID)
	}
	st.sessionID = c.SessionID
	h.registry.BroadcastSession(c.SessionID, domain.Event{Type: domain.EventUserJoined, Data: domain.ParticipantData{
		SessionID: c.SessionID,
		UserID:    who.UserID,
		TeamID:    st.teamID,
		IsAdmin:   who.IsAdmin,
	}}, st.client)
	return nil
}

// departed tells the rest of a session that this connection left and records
// the participant's last activity. Resume state itself is kept.
func (h *WSHandler) departed(ctx context.Context, st *connState, sessionID, teamID string) {
	who := st.client.Identity
	h.registry.BroadcastSession(sessionID, domain.Event{Type: domain.EventUserLeft, Data: domain.ParticipantData{
		SessionID: sessionID,
		UserID:    who.UserID,
		TeamID:    teamID,
		IsAdmin:   who.IsAdmin,
	}}, st.client)
	if who.IsAdmin {
		return
	}
	if err := h.engine.TouchState(ctx, who.UserID, sessionID); err != nil {
		h.log.Warn("record last activity", "session_id", sessionID, "user_id", who.UserID, "error", err)
	}
}

// scope resolves the session a player command targets: the joined session,
// which an explicit sessionId must match.
func (h *WSHandler) scope(st *connState, sessionID string) (string, error) {
	if st.sessionID == "" {
		return "", domain.ErrNotJoined
	}
	if sessionID != "" && sessionID != st.sessionID {
		return "", fmt.Errorf("session %s: %w", sessionID, domain.ErrOutOfScope)
	}
	return st.sessionID, nil
}

func (h *WSHandler) reject(st *connState, typ string, err error, log *slog.Logger) {
	code := domain.ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		log.Error("command failed", "command", typ, "error", err)
		msg = "internal error"
	} else {
		log.Debug("command rejected", "command", typ, "code", code, "error", err)
	}
	h.registry.Send(st.client, domain.Event{Type: domain.EventError, Data: domain.ErrorData{
		Code:    code,
		Message: msg,
		Command: typ,
	}})
}

// bearerToken reads the credential from the Authorization header, falling back
// to a token query parameter for browser clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
