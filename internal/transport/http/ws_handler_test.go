package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wine-quiz-live/internal/app"
	"wine-quiz-live/internal/auth"
	"wine-quiz-live/internal/domain"
	"wine-quiz-live/internal/infra/memory"
	"wine-quiz-live/internal/registry"
)

type harness struct {
	server *httptest.Server
	store  *memory.SessionStore
	engine *app.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewSessionStore()
	catalog := memory.NewStaticCatalog(sampleCatalog())
	reg := registry.New(64, nil)
	engine := app.NewEngine(store, catalog, reg)
	authn := auth.NewStaticAuthenticator([]auth.Token{
		{Token: "host", UserID: "admin", Admin: true},
		{Token: "ana", UserID: "u1"},
		{Token: "ben", UserID: "u2"},
		{Token: "old", UserID: "u1", ExpiresAt: time.Now().Add(-time.Hour)},
	})
	ws := NewWSHandler(engine, reg, authn, GatewayConfig{}, nil)
	server := httptest.NewServer(NewRouter(NewAPI(engine, reg, authn, nil), ws))
	t.Cleanup(func() {
		server.Close()
		reg.Close()
	})
	return &harness{server: server, store: store, engine: engine}
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + h.server.URL[len("http"):] + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) createSession(t *testing.T, rounds ...[]string) string {
	t.Helper()
	body := map[string]any{"gameMode": "individual"}
	var rs []map[string]any
	for _, ids := range rounds {
		rs = append(rs, map[string]any{"questionIds": ids})
	}
	body["rounds"] = rs
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/api/sessions", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer host")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d", resp.StatusCode)
	}
	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return out.Session.ID
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Seq  uint64          `json:"seq"`
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": typ, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil skips events until one of type expect arrives.
func readUntil(t *testing.T, conn *websocket.Conn, expect string) wireEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", expect, err)
		}
		if ev.Type == expect {
			return ev
		}
	}
}

func decode[T any](t *testing.T, ev wireEvent) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", ev.Type, err)
	}
	return v
}

func TestUnauthenticatedSocketIsClosedWithPolicyViolation(t *testing.T) {
	h := newHarness(t)
	for _, token := range []string{"", "bogus", "old"} {
		conn := h.dial(t, token)
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := conn.ReadMessage()
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
			t.Fatalf("token %q: expected policy violation close, got %v", token, err)
		}
	}
}

func TestLiveSessionFlow(t *testing.T) {
	h := newHarness(t)
	sessionID := h.createSession(t, []string{"q1", "q2"})

	admin := h.dial(t, "host")
	readUntil(t, admin, domain.EventConnected)
	ana := h.dial(t, "ana")
	readUntil(t, ana, domain.EventConnected)
	ben := h.dial(t, "ben")
	readUntil(t, ben, domain.EventConnected)

	send(t, ana, cmdJoinSession, map[string]any{"sessionId": sessionID})
	readUntil(t, ana, domain.EventSessionJoined)
	state := decode[app.JoinResult](t, readUntil(t, ana, domain.EventSessionState))
	if state.TeamID != "tA" || state.State == nil {
		t.Fatalf("unexpected join state %+v", state)
	}

	send(t, ben, cmdJoinSession, map[string]any{"sessionId": sessionID})
	readUntil(t, ben, domain.EventSessionState)
	joined := decode[domain.ParticipantData](t, readUntil(t, ana, domain.EventUserJoined))
	if joined.UserID != "u2" {
		t.Fatalf("expected u2 joined, got %+v", joined)
	}

	// A player cannot drive the session.
	send(t, ana, cmdStartSession, map[string]any{"sessionId": sessionID})
	rejected := decode[domain.ErrorData](t, readUntil(t, ana, domain.EventError))
	if rejected.Code != "authorization_failure" || rejected.Command != cmdStartSession {
		t.Fatalf("expected authorization failure, got %+v", rejected)
	}
	if s, _, _ := h.engine.Session(t.Context(), sessionID); s.Status != domain.StatusPending {
		t.Fatalf("session must stay pending, got %s", s.Status)
	}

	send(t, admin, cmdStartSession, map[string]any{"sessionId": sessionID})
	started := readUntil(t, ana, domain.EventSessionStarted)
	readUntil(t, ben, domain.EventSessionStarted)
	readUntil(t, admin, domain.EventSessionStarted)
	data := decode[domain.SessionStartedData](t, started)
	if data.Question == nil || data.Question.ID != "q1" {
		t.Fatalf("expected q1 active, got %+v", data.Question)
	}
	if bytes.Contains(started.Data, []byte("correctAnswer")) {
		t.Fatalf("question leaked its answer: %s", started.Data)
	}

	send(t, ana, cmdSubmitAnswer, map[string]any{"questionId": "q1", "selectedChoice": "B"})
	ack := decode[domain.AnswerSubmittedData](t, readUntil(t, ana, domain.EventAnswerSubmitted))
	if ack.QuestionID != "q1" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	received := decode[domain.AnswerReceivedData](t, readUntil(t, admin, domain.EventAnswerReceived))
	if received.Answer.UserID != "u1" || !received.Answer.IsCorrect || received.TeamID != "tA" {
		t.Fatalf("unexpected admin notification %+v", received)
	}

	send(t, ana, cmdSubmitAnswer, map[string]any{"questionId": "q1", "selectedChoice": "A"})
	dup := decode[domain.ErrorData](t, readUntil(t, ana, domain.EventError))
	if dup.Code != "duplicate_answer" {
		t.Fatalf("expected duplicate_answer, got %+v", dup)
	}

	send(t, admin, cmdGetLiveScores, map[string]any{"sessionId": sessionID})
	lb := decode[domain.Leaderboard](t, readUntil(t, admin, domain.EventLiveScores))
	if len(lb.Entries) != 2 || lb.Entries[0].TeamID != "tA" || lb.Entries[0].TotalScore != 10 {
		t.Fatalf("unexpected leaderboard %+v", lb)
	}

	send(t, admin, cmdNextQuestion, map[string]any{"sessionId": sessionID})
	changed := decode[domain.QuestionChangedData](t, readUntil(t, ben, domain.EventQuestionChanged))
	if changed.Question.ID != "q2" {
		t.Fatalf("expected q2, got %+v", changed)
	}
	readUntil(t, ana, domain.EventQuestionChanged)

	send(t, ana, cmdUpdateDraft, map[string]any{"questionId": "q2", "textAnswer": "pinot"})
	draft := decode[domain.UserSessionState](t, readUntil(t, ana, domain.EventDraftSaved))
	if draft.TextAnswerDraft != "pinot" {
		t.Fatalf("unexpected draft %+v", draft)
	}
	send(t, ana, cmdSubmitAnswer, map[string]any{"questionId": "q2", "textAnswer": "  pinot NOIR "})
	readUntil(t, ana, domain.EventAnswerSubmitted)

	// Drop and reconnect: the resume state still says q2 was answered.
	ana.Close()
	left := decode[domain.ParticipantData](t, readUntil(t, ben, domain.EventUserLeft))
	if left.UserID != "u1" {
		t.Fatalf("expected u1 left, got %+v", left)
	}
	again := h.dial(t, "ana")
	send(t, again, cmdJoinSession, map[string]any{"sessionId": sessionID})
	resumed := decode[app.JoinResult](t, readUntil(t, again, domain.EventSessionState))
	if resumed.State == nil || resumed.State.CurrentQuestionID != "q2" || !resumed.State.HasAnsweredCurrent {
		t.Fatalf("expected resume on answered q2, got %+v", resumed.State)
	}

	send(t, admin, cmdNextQuestion, map[string]any{"sessionId": sessionID})
	ended := decode[domain.SessionEndedData](t, readUntil(t, again, domain.EventSessionEnded))
	readUntil(t, admin, domain.EventSessionEnded)
	if ended.Session.Status != domain.StatusFinished || len(ended.Results) != 2 {
		t.Fatalf("unexpected end %+v", ended)
	}
	if ended.Leaderboard.Entries[0].TeamID != "tA" || ended.Leaderboard.Entries[0].TotalScore != 15 {
		t.Fatalf("unexpected final standings %+v", ended.Leaderboard)
	}
}

func TestPlayerCommandsAreScopedToJoinedSession(t *testing.T) {
	h := newHarness(t)
	first := h.createSession(t, []string{"q1"})
	other := h.createSession(t, []string{"q1"})

	ana := h.dial(t, "ana")
	send(t, ana, cmdSubmitAnswer, map[string]any{"questionId": "q1", "selectedChoice": "B"})
	if got := decode[domain.ErrorData](t, readUntil(t, ana, domain.EventError)); got.Code != "invalid_transition" {
		t.Fatalf("expected not joined rejection, got %+v", got)
	}

	send(t, ana, cmdJoinSession, map[string]any{"sessionId": first})
	readUntil(t, ana, domain.EventSessionState)
	send(t, ana, cmdSubmitAnswer, map[string]any{"sessionId": other, "questionId": "q1", "selectedChoice": "B"})
	if got := decode[domain.ErrorData](t, readUntil(t, ana, domain.EventError)); got.Code != "authorization_failure" {
		t.Fatalf("expected scope rejection, got %+v", got)
	}

	send(t, ana, cmdJoinSession, map[string]any{"sessionId": first, "teamId": "tB"})
	if got := decode[domain.ErrorData](t, readUntil(t, ana, domain.EventError)); got.Code != "authorization_failure" {
		t.Fatalf("expected team scope rejection, got %+v", got)
	}

	send(t, ana, cmdSubmitAnswer, map[string]any{"questionId": "q1", "selectedChoice": "B"})
	if got := decode[domain.ErrorData](t, readUntil(t, ana, domain.EventError)); got.Code != "question_not_active" {
		t.Fatalf("expected question_not_active before start, got %+v", got)
	}
}

func TestMalformedCommandsKeepConnectionOpen(t *testing.T) {
	h := newHarness(t)
	ana := h.dial(t, "ana")
	readUntil(t, ana, domain.EventConnected)

	if err := ana.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := decode[domain.ErrorData](t, readUntil(t, ana, domain.EventError)); got.Code != "bad_request" {
		t.Fatalf("expected bad_request, got %+v", got)
	}

	send(t, ana, "dance", nil)
	if got := decode[domain.ErrorData](t, readUntil(t, ana, domain.EventError)); got.Command != "dance" {
		t.Fatalf("expected unsupported command error, got %+v", got)
	}

	send(t, ana, cmdJoinSession, map[string]any{"sessionId": "missing"})
	if got := decode[domain.ErrorData](t, readUntil(t, ana, domain.EventError)); got.Code != "not_found" {
		t.Fatalf("expected not_found, got %+v", got)
	}
}

func TestAdminAPI(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", err, resp)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/api/sessions", bytes.NewReader([]byte(`{"gameMode":"individual"}`)))
	req.Header.Set("Authorization", "Bearer ana")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for player, got %d", resp.StatusCode)
	}

	sessionID := h.createSession(t)
	post := func(path string) int {
		req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/api/sessions/"+sessionID+path, nil)
		req.Header.Set("Authorization", "Bearer host")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post("/start"); code != http.StatusConflict {
		t.Fatalf("expected 409 for session without rounds, got %d", code)
	}
	if code := post("/end"); code != http.StatusOK {
		t.Fatalf("expected end to succeed, got %d", code)
	}

	req, _ = http.NewRequest(http.MethodDelete, h.server.URL+"/api/sessions/"+sessionID+"/resume-state", nil)
	req.Header.Set("Authorization", "Bearer host")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, h.server.URL+"/api/sessions/nope", nil)
	req.Header.Set("Authorization", "Bearer host")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDecodeCommand(t *testing.T) {
	cmd, typ, err := decodeCommand([]byte(`{"type":"submit_answer","payload":{"questionId":"q1","selectedChoice":"B"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sub, ok := cmd.(*submitAnswerCmd)
	if !ok || typ != cmdSubmitAnswer || sub.SelectedChoice != "B" || sub.adminOnly() {
		t.Fatalf("unexpected command %#v", cmd)
	}

	cmd, _, err = decodeCommand([]byte(`{"type":"end_session","payload":{"sessionId":"s1"}}`))
	if err != nil || !cmd.adminOnly() {
		t.Fatalf("expected admin command, got %#v err=%v", cmd, err)
	}

	for _, raw := range []string{
		`{"type":"join_session","payload":{}}`,
		`{"type":"submit_answer","payload":{"questionId":"q1"}}`,
		`{"type":"next_question"}`,
		`{"type":"join_session","payload":"x"}`,
	} {
		if _, _, err := decodeCommand([]byte(raw)); !errors.Is(err, domain.ErrBadRequest) {
			t.Fatalf("%s: expected bad request, got %v", raw, err)
		}
	}
}

func sampleCatalog() memory.CatalogData {
	return memory.CatalogData{
		Questions: []domain.Question{
			{
				ID:     "q1",
				Kind:   domain.QuestionMultipleChoice,
				Prompt: "Which grape dominates Chablis?",
				Choices: []domain.Choice{
					{Label: "A", Text: "Sauvignon Blanc"},
					{Label: "B", Text: "Chardonnay"},
					{Label: "C", Text: "Riesling"},
				},
				CorrectAnswer: "B",
				Weight:        10,
			},
			{
				ID:            "q2",
				Kind:          domain.QuestionOpen,
				Prompt:        "Name the red grape of Burgundy.",
				CorrectAnswer: "Pinot Noir",
				Weight:        5,
			},
		},
		Teams: []domain.Team{
			{ID: "tA", Name: "Reds", MaxMembers: 4},
			{ID: "tB", Name: "Whites", MaxMembers: 4},
		},
		Users: []domain.User{
			{ID: "u1", Name: "Ana", TeamID: "tA"},
			{ID: "u2", Name: "Ben", TeamID: "tB"},
		},
	}
}
