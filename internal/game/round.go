package game

import (
	"fmt"
	"time"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
	"github.com/victornm/etrivia/internal/leaderboard"
	"github.com/victornm/etrivia/internal/store"
)

// RoundReady reports whether the open question can be closed: its time limit elapsed, or every playing
// participant answered it. A room without playing participants only closes on time.
func RoundReady(r *domain.Room, answers []domain.Answer, now time.Time) bool {
	ss := r.Session
	if r.Status != domain.RoomActive || ss == nil || ss.Status != domain.SessionActive {
		return false
	}
	if !now.Before(r.QuestionDeadline()) {
		return true
	}

	answered := make(map[string]bool, len(answers))
	for _, a := range answers {
		if a.QuestionIndex == ss.CurrentIndex {
			answered[a.ParticipantID] = true
		}
	}

	playing := 0
	for _, p := range r.Participants {
		if p.Status != domain.ParticipantPlaying {
			continue
		}
		if !answered[p.ID] {
			return false
		}
		playing++
	}

	return playing > 0
}

// due reports whether a time-based step is pending for the room.
func due(r *domain.Room, answers []domain.Answer, now time.Time) bool {
	if r.Status != domain.RoomActive || r.Session == nil {
		return false
	}

	switch r.Session.Status {
	case domain.SessionActive:
		return RoundReady(r, answers, now)
	case domain.SessionShowingResults:
		return !now.Before(r.Session.NextQuestionAt)
	}
	return false
}

type stepResult struct {
	round     *domain.RoundResult
	completed bool
	opened    bool
}

// closeRound scores the open question once and moves to the results phase, or completes the game after the
// last question.
func closeRound(tx *store.Tx, now, nextAt time.Time) (stepResult, error) {
	r := tx.Room
	ss := r.Session

	if ss.ScoredThrough >= ss.CurrentIndex {
		return stepResult{}, errors.StaleState("question %d of room %s is already scored", ss.CurrentIndex, r.Code)
	}

	q, ok := ss.CurrentQuestion()
	if !ok {
		return stepResult{}, errors.Internal(fmt.Errorf("game: room %s has no question at index %d", r.Code, ss.CurrentIndex))
	}

	answers, err := tx.Answers(ss.CurrentIndex)
	if err != nil {
		return stepResult{}, err
	}

	res := leaderboard.ScoreRound(r, q, ss.CurrentIndex, answers)
	ss.ScoredThrough = ss.CurrentIndex
	ss.LastResults = &res

	if ss.IsLastQuestion() {
		if err := r.Complete(now); err != nil {
			return stepResult{}, err
		}
		return stepResult{round: &res, completed: true}, nil
	}

	if err := ss.SetStatus(domain.SessionShowingResults); err != nil {
		return stepResult{}, err
	}
	ss.NextQuestionAt = nextAt

	return stepResult{round: &res}, nil
}

// openNext moves from the results phase to the next question.
func openNext(r *domain.Room, now time.Time) (stepResult, error) {
	ss := r.Session
	if err := ss.SetStatus(domain.SessionActive); err != nil {
		return stepResult{}, err
	}

	ss.CurrentIndex++
	ss.QuestionStartedAt = now
	ss.NextQuestionAt = time.Time{}

	return stepResult{opened: true}, nil
}
