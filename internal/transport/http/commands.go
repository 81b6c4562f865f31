package http

import (
	"encoding/json"
	"fmt"

	"wine-quiz-live/internal/domain"
)

// Inbound command types.
const (
	cmdJoinSession   = "join_session"
	cmdLeaveSession  = "leave_session"
	cmdSubmitAnswer  = "submit_answer"
	cmdUpdateDraft   = "update_draft"
	cmdStartSession  = "start_session"
	cmdNextQuestion  = "next_question"
	cmdEndSession    = "end_session"
	cmdGetLiveScores = "get_live_scores"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// command is the closed set of inbound messages. Only the types below implement it.
type command interface {
	name() string
	adminOnly() bool
}

type playerCommand struct{}

func (playerCommand) adminOnly() bool { return false }

type adminCommand struct{}

func (adminCommand) adminOnly() bool { return true }

type joinSessionCmd struct {
	playerCommand
	SessionID string `json:"sessionId"`
	TeamID    string `json:"teamId"`
}

type leaveSessionCmd struct {
	playerCommand
}

type submitAnswerCmd struct {
	playerCommand
	SessionID      string `json:"sessionId"`
	QuestionID     string `json:"questionId"`
	SelectedChoice string `json:"selectedChoice"`
	TextAnswer     string `json:"textAnswer"`
}

type updateDraftCmd struct {
	playerCommand
	SessionID      string `json:"sessionId"`
	QuestionID     string `json:"questionId"`
	SelectedOption string `json:"selectedOption"`
	TextAnswer     string `json:"textAnswer"`
}

type startSessionCmd struct {
	adminCommand
	SessionID string `json:"sessionId"`
}

type nextQuestionCmd struct {
	adminCommand
	SessionID string `json:"sessionId"`
}

type endSessionCmd struct {
	adminCommand
	SessionID string `json:"sessionId"`
}

type getLiveScoresCmd struct {
	adminCommand
	SessionID string `json:"sessionId"`
}

func (joinSessionCmd) name() string   { return cmdJoinSession }
func (leaveSessionCmd) name() string  { return cmdLeaveSession }
func (submitAnswerCmd) name() string  { return cmdSubmitAnswer }
func (updateDraftCmd) name() string   { return cmdUpdateDraft }
func (startSessionCmd) name() string  { return cmdStartSession }
func (nextQuestionCmd) name() string  { return cmdNextQuestion }
func (endSessionCmd) name() string    { return cmdEndSession }
func (getLiveScoresCmd) name() string { return cmdGetLiveScores }

// decodeCommand parses an envelope into its command variant. The returned type
// name is set whenever the envelope itself parsed, so errors can be attributed.
func decodeCommand(raw []byte) (command, string, error) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, "", fmt.Errorf("malformed envelope: %w", domain.ErrBadRequest)
	}

	var cmd command
	switch msg.Type {
	case cmdJoinSession:
		cmd = &joinSessionCmd{}
	case cmdLeaveSession:
		cmd = &leaveSessionCmd{}
	case cmdSubmitAnswer:
		cmd = &submitAnswerCmd{}
	case cmdUpdateDraft:
		cmd = &updateDraftCmd{}
	case cmdStartSession:
		cmd = &startSessionCmd{}
	case cmdNextQuestion:
		cmd = &nextQuestionCmd{}
	case cmdEndSession:
		cmd = &endSessionCmd{}
	case cmdGetLiveScores:
		cmd = &getLiveScoresCmd{}
	default:
		return nil, msg.Type, fmt.Errorf("unsupported command %q: %w", msg.Type, domain.ErrBadRequest)
	}

	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, cmd); err != nil {
			return nil, msg.Type, fmt.Errorf("invalid %s payload: %w", msg.Type, domain.ErrBadRequest)
		}
	}
	if err := validate(cmd); err != nil {
		return nil, msg.Type, err
	}
	return cmd, msg.Type, nil
}

func validate(cmd command) error {
	missing := func(field string) error {
		return fmt.Errorf("%s: missing %s: %w", cmd.name(), field, domain.ErrBadRequest)
	}
	switch c := cmd.(type) {
	case *joinSessionCmd:
		if c.SessionID == "" {
			return missing("sessionId")
		}
	case *submitAnswerCmd:
		if c.QuestionID == "" {
			return missing("questionId")
		}
		if c.SelectedChoice == "" && c.TextAnswer == "" {
			return missing("selectedChoice or textAnswer")
		}
	case *updateDraftCmd:
		if c.QuestionID == "" {
			return missing("questionId")
		}
	case *startSessionCmd:
		if c.SessionID == "" {
			return missing("sessionId")
		}
	case *nextQuestionCmd:
		if c.SessionID == "" {
			return missing("sessionId")
		}
	case *endSessionCmd:
		if c.SessionID == "" {
			return missing("sessionId")
		}
	case *getLiveScoresCmd:
		if c.SessionID == "" {
			return missing("sessionId")
		}
	}
	return nil
}
