package leaderboard

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/victornm/etrivia/internal/domain"
)

var points = map[domain.Difficulty]int{
	domain.DifficultyEasy:   10,
	domain.DifficultyMedium: 20,
	domain.DifficultyHard:   30,
}

// Points is the award for a correct answer in standard scoring. There is no time bonus.
func Points(d domain.Difficulty) int {
	return points[d]
}

// ScoreRound applies the score deltas of one question to the room's participants and returns the round
// result. Answers of participants who left are reported but not applied.
func ScoreRound(r *domain.Room, q domain.Question, index int, answers []domain.Answer) domain.RoundResult {
	byParticipant := make(map[string]domain.Answer, len(answers))
	for _, a := range answers {
		if a.QuestionIndex == index {
			byParticipant[a.ParticipantID] = a
		}
	}

	d := q.Difficulty
	if !d.Valid() {
		d = r.Settings.Difficulty
	}

	res := domain.RoundResult{
		QuestionIndex: index,
		CorrectAnswer: q.CorrectAnswer,
		Entries:       make([]domain.RoundEntry, 0, len(r.Participants)),
	}

	for i := range r.Participants {
		p := &r.Participants[i]
		a, answered := byParticipant[p.ID]

		e := domain.RoundEntry{ParticipantID: p.ID, Answered: answered, Correct: answered && a.Correct}
		if e.Correct {
			e.Delta = Points(d)
			p.Score += e.Delta
		}
		res.Entries = append(res.Entries, e)
	}

	return res
}

// Rank orders participants by score, then by join time, and numbers them with competition ranking:
// tied scores share a position and the next distinct score resumes at (participants above) + 1.
func Rank(participants []domain.Participant) []domain.LeaderboardEntry {
	ps := slices.Clone(participants)
	slices.SortStableFunc(ps, func(a, b domain.Participant) int {
		if a.Score != b.Score {
			return b.Score - a.Score
		}
		return a.JoinedAt.Compare(b.JoinedAt)
	})

	entries := make([]domain.LeaderboardEntry, 0, len(ps))
	for i, p := range ps {
		pos := i + 1
		if i > 0 && ps[i-1].Score == p.Score {
			pos = entries[i-1].Position
		}

		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: p.ID,
			UserID:        p.UserID,
			Name:          p.Name,
			Score:         p.Score,
			Position:      pos,
			JoinedAt:      p.JoinedAt,
		})
	}

	return entries
}

var hundred = decimal.NewFromInt(100)

// ComputeStats aggregates answers per participant.
func ComputeStats(answers []domain.Answer) map[string]domain.Stats {
	type acc struct {
		total, correct int
		elapsed        int64
	}

	accs := make(map[string]*acc)
	for _, a := range answers {
		c, ok := accs[a.ParticipantID]
		if !ok {
			c = new(acc)
			accs[a.ParticipantID] = c
		}
		c.total++
		c.elapsed += a.ElapsedMs
		if a.Correct {
			c.correct++
		}
	}

	stats := make(map[string]domain.Stats, len(accs))
	for id, c := range accs {
		avg := decimal.NewFromInt(c.elapsed).Div(decimal.NewFromInt(int64(c.total))).Round(0).IntPart()
		stats[id] = domain.Stats{
			TotalAnswers:  c.total,
			Correct:       c.correct,
			Incorrect:     c.total - c.correct,
			Accuracy:      decimal.NewFromInt(int64(c.correct)).Mul(hundred).Div(decimal.NewFromInt(int64(c.total))).Round(1),
			AvgResponseMs: &avg,
		}
	}

	return stats
}

// StatsFor returns the participant's stats, with zero accuracy and no average when they never answered.
func StatsFor(stats map[string]domain.Stats, participantID string) domain.Stats {
	if s, ok := stats[participantID]; ok {
		return s
	}
	return domain.Stats{Accuracy: decimal.Zero}
}
