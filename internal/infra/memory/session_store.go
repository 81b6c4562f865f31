package memory

import (
	"context"
	"sort"
	"sync"

	"wine-quiz-live/internal/app"
	"wine-quiz-live/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionStore.
// Transactions work on a staged copy that replaces the live data on success.
type SessionStore struct {
	mu   sync.Mutex
	data *storeData
	inTx bool
}

type stateKey struct {
	userID    string
	sessionID string
}

type storeData struct {
	sessions map[string]domain.GameSession
	rounds   map[string]domain.Round
	answers  []domain.Answer
	states   map[stateKey]domain.UserSessionState
	results  []domain.RoundResult
}

func NewSessionStore() *SessionStore {
	return &SessionStore{data: &storeData{
		sessions: make(map[string]domain.GameSession),
		rounds:   make(map[string]domain.Round),
		states:   make(map[stateKey]domain.UserSessionState),
	}}
}

func (d *storeData) clone() *storeData {
	c := &storeData{
		sessions: make(map[string]domain.GameSession, len(d.sessions)),
		rounds:   make(map[string]domain.Round, len(d.rounds)),
		answers:  append([]domain.Answer(nil), d.answers...),
		states:   make(map[stateKey]domain.UserSessionState, len(d.states)),
		results:  append([]domain.RoundResult(nil), d.results...),
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.rounds {
		v.QuestionIDs = append([]string(nil), v.QuestionIDs...)
		c.rounds[k] = v
	}
	for k, v := range d.states {
		c.states[k] = v
	}
	return c
}

// lock is a no-op inside a transaction, whose owner already holds the parent lock.
func (s *SessionStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *SessionStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx app.SessionStore) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &SessionStore{data: s.data.clone(), inTx: true}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

func (s *SessionStore) CreateSession(_ context.Context, session domain.GameSession) error {
	defer s.lock()()
	s.data.sessions[session.ID] = session
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, id string) (domain.GameSession, error) {
	defer s.lock()()
	session, ok := s.data.sessions[id]
	if !ok {
		return domain.GameSession{}, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionStore) UpdateSession(_ context.Context, id string, patch domain.SessionPatch) error {
	defer s.lock()()
	session, ok := s.data.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if patch.Status != nil {
		session.Status = *patch.Status
	}
	if patch.StartTime != nil {
		t := *patch.StartTime
		session.StartTime = &t
	}
	if patch.EndTime != nil {
		t := *patch.EndTime
		session.EndTime = &t
	}
	if patch.CurrentRoundID != nil {
		session.CurrentRoundID = *patch.CurrentRoundID
	}
	if patch.CurrentQuestionID != nil {
		session.CurrentQuestionID = *patch.CurrentQuestionID
	}
	s.data.sessions[id] = session
	return nil
}

func (s *SessionStore) CreateRound(_ context.Context, r domain.Round) error {
	defer s.lock()()
	r.QuestionIDs = append([]string(nil), r.QuestionIDs...)
	s.data.rounds[r.ID] = r
	return nil
}

func (s *SessionStore) UpdateRound(_ context.Context, id string, patch domain.RoundPatch) error {
	defer s.lock()()
	r, ok := s.data.rounds[id]
	if !ok {
		return domain.ErrRoundNotFound
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.StartTime != nil {
		t := *patch.StartTime
		r.StartTime = &t
	}
	if patch.EndTime != nil {
		t := *patch.EndTime
		r.EndTime = &t
	}
	s.data.rounds[id] = r
	return nil
}

func (s *SessionStore) GetRoundsBySession(_ context.Context, sessionID string) ([]domain.Round, error) {
	defer s.lock()()
	var rounds []domain.Round
	for _, r := range s.data.rounds {
		if r.SessionID == sessionID {
			r.QuestionIDs = append([]string(nil), r.QuestionIDs...)
			rounds = append(rounds, r)
		}
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].RoundNumber < rounds[j].RoundNumber })
	return rounds, nil
}

func (s *SessionStore) CreateAnswer(_ context.Context, a domain.Answer) error {
	defer s.lock()()
	for _, existing := range s.data.answers {
		if existing.SessionID == a.SessionID && existing.QuestionID == a.QuestionID && existing.UserID == a.UserID {
			return domain.ErrDuplicateAnswer
		}
	}
	s.data.answers = append(s.data.answers, a)
	return nil
}

func (s *SessionStore) GetAnswersBySession(_ context.Context, sessionID string) ([]domain.Answer, error) {
	defer s.lock()()
	var answers []domain.Answer
	for _, a := range s.data.answers {
		if a.SessionID == sessionID {
			answers = append(answers, a)
		}
	}
	return answers, nil
}

func (s *SessionStore) GetUserSessionState(_ context.Context, userID, sessionID string) (domain.UserSessionState, error) {
	defer s.lock()()
	st, ok := s.data.states[stateKey{userID: userID, sessionID: sessionID}]
	if !ok {
		return domain.UserSessionState{}, domain.ErrStateNotFound
	}
	return st, nil
}

func (s *SessionStore) UpsertUserSessionState(_ context.Context, st domain.UserSessionState) error {
	defer s.lock()()
	s.data.states[stateKey{userID: st.UserID, sessionID: st.SessionID}] = st
	return nil
}

func (s *SessionStore) ListUserSessionStates(_ context.Context, sessionID string) ([]domain.UserSessionState, error) {
	defer s.lock()()
	var states []domain.UserSessionState
	for k, st := range s.data.states {
		if k.sessionID == sessionID {
			states = append(states, st)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UserID < states[j].UserID })
	return states, nil
}

func (s *SessionStore) DeleteUserSessionStates(_ context.Context, sessionID string) error {
	defer s.lock()()
	for k := range s.data.states {
		if k.sessionID == sessionID {
			delete(s.data.states, k)
		}
	}
	return nil
}

func (s *SessionStore) CreateRoundResult(_ context.Context, rr domain.RoundResult) error {
	defer s.lock()()
	s.data.results = append(s.data.results, rr)
	return nil
}

func (s *SessionStore) GetRoundResults(_ context.Context, sessionID string) ([]domain.RoundResult, error) {
	defer s.lock()()
	var results []domain.RoundResult
	for _, rr := range s.data.results {
		if rr.SessionID == sessionID {
			results = append(results, rr)
		}
	}
	return results, nil
}
