// Package scoring derives team scores from the answer ledger. Nothing here is
// stored or accumulated; every figure is recomputed from the answers passed in.
package scoring

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"wine-quiz-live/internal/domain"
)

// Membership maps a user ID to its team ID.
type Membership map[string]string

// NewMembership indexes users by team.
func NewMembership(users []domain.User) Membership {
	m := make(Membership, len(users))
	for _, u := range users {
		if u.TeamID != "" {
			m[u.ID] = u.TeamID
		}
	}
	return m
}

// TeamRoundScore sums points of answers given by members of teamID in roundID.
func TeamRoundScore(answers []domain.Answer, members Membership, sessionID, roundID, teamID string) int {
	total := 0
	for _, a := range answers {
		if a.SessionID != sessionID || a.RoundID != roundID {
			continue
		}
		if members[a.UserID] == teamID {
			total += a.PointsAwarded
		}
	}
	return total
}

// TeamTotalScore sums points of every answer in the session given by members of teamID.
func TeamTotalScore(answers []domain.Answer, members Membership, sessionID, teamID string) int {
	total := 0
	for _, a := range answers {
		if a.SessionID != sessionID {
			continue
		}
		if members[a.UserID] == teamID {
			total += a.PointsAwarded
		}
	}
	return total
}

// Leaderboard ranks every team by total score, highest first. Ties are broken by
// team ID ascending so the order never depends on map or insertion order.
// roundID, when set, fills in each entry's RoundScore.
func Leaderboard(answers []domain.Answer, teams []domain.Team, members Membership, sessionID, roundID string, now time.Time) domain.Leaderboard {
	totals := make(map[string]int, len(teams))
	rounds := make(map[string]int, len(teams))
	for _, a := range answers {
		if a.SessionID != sessionID {
			continue
		}
		teamID, ok := members[a.UserID]
		if !ok {
			continue
		}
		totals[teamID] += a.PointsAwarded
		if roundID != "" && a.RoundID == roundID {
			rounds[teamID] += a.PointsAwarded
		}
	}

	entries := make([]domain.TeamScore, 0, len(teams))
	for _, t := range teams {
		entries = append(entries, domain.TeamScore{
			TeamID:     t.ID,
			TeamName:   t.Name,
			RoundScore: rounds[t.ID],
			TotalScore: totals[t.ID],
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalScore != entries[j].TotalScore {
			return entries[i].TotalScore > entries[j].TotalScore
		}
		return entries[i].TeamID < entries[j].TeamID
	})
	for i := range entries {
		entries[i].Position = i + 1
	}

	return domain.Leaderboard{
		SessionID: sessionID,
		RoundID:   roundID,
		Entries:   entries,
		UpdatedAt: now,
	}
}

// RoundResults builds the audit snapshot for a finished round, one row per team.
func RoundResults(answers []domain.Answer, teams []domain.Team, members Membership, sessionID, roundID string, now time.Time, newID func() string) []domain.RoundResult {
	lb := Leaderboard(answers, teams, members, sessionID, roundID, now)
	results := make([]domain.RoundResult, 0, len(lb.Entries))
	for _, e := range lb.Entries {
		results = append(results, domain.RoundResult{
			ID:         newID(),
			SessionID:  sessionID,
			RoundID:    roundID,
			TeamID:     e.TeamID,
			RoundScore: e.RoundScore,
			TotalScore: e.TotalScore,
			Position:   e.Position,
			CreatedAt:  now,
		})
	}
	return results
}

// Submission is what a player sent for a question.
type Submission struct {
	QuestionID     string
	SelectedChoice string
	TextAnswer     string
}

// AnswerCorrectness decides whether a submission is correct and how many points it earns.
// Multiple choice compares labels exactly; open answers compare case-folded, trimmed text.
func AnswerCorrectness(q domain.Question, s Submission) (bool, int) {
	var correct bool
	switch q.Kind {
	case domain.QuestionMultipleChoice:
		correct = s.SelectedChoice != "" && s.SelectedChoice == q.CorrectAnswer
	case domain.QuestionOpen:
		given := normalize(s.TextAnswer)
		correct = given != "" && given == normalize(q.CorrectAnswer)
	}
	if !correct {
		return false, 0
	}
	return true, q.Weight
}

func normalize(s string) string {
	// Casers carry state and must not be shared between goroutines.
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}
