package leaderboard

import (
	"context"
	"fmt"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
	"github.com/victornm/etrivia/internal/store"
)

type Config struct {
	Store *store.Store
}

type Service struct {
	store *store.Store
}

func NewService(c Config) *Service {
	return &Service{
		store: c.Store,
	}
}

type GetLeaderboardRequest struct {
	RoomCode string
	UserID   string
}

// GetLeaderboard returns the ranked participants of a room together with their answer statistics.
// Only participants of the room may read it.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	r, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	if r.Participant(req.UserID) == nil {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithReason(errors.ReasonNotParticipant),
			errors.WithMessagef("not a participant of room %s", code))
	}

	answers, err := s.store.Answers(ctx, code, -1)
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	return Build(r, answers), nil
}

// Build ranks the room's participants and attaches their statistics.
func Build(r *domain.Room, answers []domain.Answer) *domain.Leaderboard {
	stats := ComputeStats(answers)
	entries := Rank(r.Participants)
	for i := range entries {
		entries[i].Stats = StatsFor(stats, entries[i].ParticipantID)
	}

	return &domain.Leaderboard{
		RoomCode: r.Code,
		Entries:  entries,
	}
}
