package domain

import (
	"fmt"
	"time"
)

// GameMode controls who is expected to answer for a team.
type GameMode string

const (
	GameModeIndividual GameMode = "individual"
	GameModeLeader     GameMode = "leader"
)

// Valid reports whether m is a known game mode.
func (m GameMode) Valid() bool {
	return m == GameModeIndividual || m == GameModeLeader
}

// Status is the lifecycle state shared by sessions and rounds.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// GameSession is one live quiz instance.
type GameSession struct {
	ID                string     `json:"id"`
	GameMode          GameMode   `json:"gameMode"`
	Status            Status     `json:"status"`
	StartTime         *time.Time `json:"startTime,omitempty"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	CurrentRoundID    string     `json:"currentRoundId,omitempty"`
	CurrentQuestionID string     `json:"currentQuestionId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// SessionPatch carries a partial update; nil fields are left untouched.
type SessionPatch struct {
	Status            *Status
	StartTime         *time.Time
	EndTime           *time.Time
	CurrentRoundID    *string
	CurrentQuestionID *string
}

// Round is an ordered phase of a session.
type Round struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	RoundNumber int        `json:"roundNumber"`
	Status      Status     `json:"status"`
	QuestionIDs []string   `json:"questionIds"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
}

// RoundPatch carries a partial round update.
type RoundPatch struct {
	Status    *Status
	StartTime *time.Time
	EndTime   *time.Time
}

// NextQuestion returns the question following current in the round order.
// An empty current means the round has not shown a question yet.
func (r Round) NextQuestion(current string) (string, bool) {
	if current == "" {
		if len(r.QuestionIDs) == 0 {
			return "", false
		}
		return r.QuestionIDs[0], true
	}
	for i, id := range r.QuestionIDs {
		if id == current {
			if i+1 < len(r.QuestionIDs) {
				return r.QuestionIDs[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// QuestionKind distinguishes multiple-choice prompts from open answers.
type QuestionKind string

const (
	QuestionMultipleChoice QuestionKind = "multiple_choice"
	QuestionOpen           QuestionKind = "open"
)

// Choice is a labeled option of a multiple-choice question.
type Choice struct {
	Label string `json:"label" yaml:"label"`
	Text  string `json:"text" yaml:"text"`
}

// Question is read-only at play time.
type Question struct {
	ID            string       `json:"id" yaml:"id"`
	Kind          QuestionKind `json:"kind" yaml:"kind"`
	Prompt        string       `json:"prompt" yaml:"prompt"`
	Choices       []Choice     `json:"choices,omitempty" yaml:"choices"`
	CorrectAnswer string       `json:"correctAnswer" yaml:"correctAnswer"`
	Weight        int          `json:"weight" yaml:"weight"`
}

// Validate checks the structural rules a question must satisfy before it can be played.
func (q Question) Validate() error {
	if q.Weight < 0 {
		return fmt.Errorf("question %s: negative weight: %w", q.ID, ErrBadRequest)
	}
	switch q.Kind {
	case QuestionMultipleChoice:
		if len(q.Choices) < 2 || len(q.Choices) > 4 {
			return fmt.Errorf("question %s: needs 2-4 choices: %w", q.ID, ErrBadRequest)
		}
		for _, c := range q.Choices {
			if c.Label == q.CorrectAnswer {
				return nil
			}
		}
		return fmt.Errorf("question %s: correct choice %q not among labels: %w", q.ID, q.CorrectAnswer, ErrBadRequest)
	case QuestionOpen:
		if q.CorrectAnswer == "" {
			return fmt.Errorf("question %s: empty correct answer: %w", q.ID, ErrBadRequest)
		}
		return nil
	default:
		return fmt.Errorf("question %s: unknown kind %q: %w", q.ID, q.Kind, ErrBadRequest)
	}
}

// PublicQuestion is the player-facing view without the correct answer.
type PublicQuestion struct {
	ID      string       `json:"id"`
	Kind    QuestionKind `json:"kind"`
	Prompt  string       `json:"prompt"`
	Choices []Choice     `json:"choices,omitempty"`
	Weight  int          `json:"weight"`
}

func (q Question) Public() PublicQuestion {
	return PublicQuestion{ID: q.ID, Kind: q.Kind, Prompt: q.Prompt, Choices: q.Choices, Weight: q.Weight}
}

// Team groups players.
type Team struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Color      string `json:"color,omitempty" yaml:"color"`
	Icon       string `json:"icon,omitempty" yaml:"icon"`
	MaxMembers int    `json:"maxMembers" yaml:"maxMembers"`
}

// User is a player or team leader.
type User struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	TeamID   string `json:"teamId,omitempty" yaml:"teamId"`
	IsLeader bool   `json:"isLeader" yaml:"isLeader"`
}

// Answer is an immutable ledger record. Correctness and points are fixed at submission time.
type Answer struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	RoundID        string    `json:"roundId"`
	QuestionID     string    `json:"questionId"`
	UserID         string    `json:"userId"`
	SelectedChoice string    `json:"selectedChoice,omitempty"`
	TextAnswer     string    `json:"textAnswer,omitempty"`
	IsCorrect      bool      `json:"isCorrect"`
	PointsAwarded  int       `json:"pointsAwarded"`
	AnsweredAt     time.Time `json:"answeredAt"`
}

// UserSessionState is the resumable cursor of one participant.
type UserSessionState struct {
	UserID             string    `json:"userId"`
	SessionID          string    `json:"sessionId"`
	CurrentQuestionID  string    `json:"currentQuestionId,omitempty"`
	HasAnsweredCurrent bool      `json:"hasAnsweredCurrent"`
	TextAnswerDraft    string    `json:"textAnswerDraft,omitempty"`
	SelectedOption     string    `json:"selectedOption,omitempty"`
	IsRoundCompleted   bool      `json:"isRoundCompleted"`
	IsQuizCompleted    bool      `json:"isQuizCompleted"`
	LastActivity       time.Time `json:"lastActivity"`
}

// RoundResult is the per-team audit snapshot written when a round finishes.
type RoundResult struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	RoundID    string    `json:"roundId"`
	TeamID     string    `json:"teamId"`
	RoundScore int       `json:"roundScore"`
	TotalScore int       `json:"totalScore"`
	Position   int       `json:"position"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TeamScore is one row of a live scoreboard.
type TeamScore struct {
	TeamID     string `json:"teamId"`
	TeamName   string `json:"teamName,omitempty"`
	RoundScore int    `json:"roundScore"`
	TotalScore int    `json:"totalScore"`
	Position   int    `json:"position"`
}

// Leaderboard is always derived from the answer ledger.
type Leaderboard struct {
	SessionID string      `json:"sessionId"`
	RoundID   string      `json:"roundId,omitempty"`
	Entries   []TeamScore `json:"entries"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Identity is what the auth collaborator returns for a credential.
type Identity struct {
	UserID  string `json:"userId"`
	IsAdmin bool   `json:"isAdmin"`
}
