package domain

// Outbound event types.
const (
	EventConnected       = "connected"
	EventSessionJoined   = "session_joined"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventSessionState    = "session_state"
	EventAnswerSubmitted = "answer_submitted"
	EventAnswerReceived  = "answer_received"
	EventDraftSaved      = "draft_saved"
	EventSessionStarted  = "session_started"
	EventQuestionChanged = "question_changed"
	EventRoundChanged    = "round_changed"
	EventSessionEnded    = "session_ended"
	EventLiveScores      = "live_scores"
	EventError           = "error"
)

// Event is the outbound envelope. Seq is set on session lifecycle events.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
	Seq  uint64 `json:"seq,omitempty"`
}

// ErrorData is the payload of a rejection acknowledgment.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

// SessionStartedData accompanies session_started.
type SessionStartedData struct {
	Session  GameSession     `json:"session"`
	Round    Round           `json:"round"`
	Question *PublicQuestion `json:"question,omitempty"`
}

// QuestionChangedData accompanies question_changed.
type QuestionChangedData struct {
	SessionID string         `json:"sessionId"`
	RoundID   string         `json:"roundId"`
	Question  PublicQuestion `json:"question"`
}

// RoundChangedData accompanies round_changed.
type RoundChangedData struct {
	SessionID     string        `json:"sessionId"`
	FinishedRound Round         `json:"finishedRound"`
	Results       []RoundResult `json:"results"`
	Round         Round         `json:"round"`
}

// SessionEndedData accompanies session_ended.
type SessionEndedData struct {
	Session     GameSession   `json:"session"`
	Results     []RoundResult `json:"results,omitempty"`
	Leaderboard Leaderboard   `json:"leaderboard"`
}

// AnswerReceivedData is the raw submission shown to administrators.
type AnswerReceivedData struct {
	SessionID string `json:"sessionId"`
	TeamID    string `json:"teamId,omitempty"`
	Answer    Answer `json:"answer"`
}

// AnswerSubmittedData acknowledges a submission without the verdict.
type AnswerSubmittedData struct {
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId"`
	AnsweredAt string `json:"answeredAt"`
}

// ParticipantData accompanies user_joined and user_left.
type ParticipantData struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	TeamID    string `json:"teamId,omitempty"`
	IsAdmin   bool   `json:"isAdmin,omitempty"`
}
