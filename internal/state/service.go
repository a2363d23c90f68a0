package state

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
	"github.com/victornm/etrivia/internal/leaderboard"
	"github.com/victornm/etrivia/internal/room"
	"github.com/victornm/etrivia/internal/store"
)

const defaultPollInterval = 2 * time.Second

// Progressor performs the time-based step that is due for a room.
type Progressor interface {
	Progress(ctx context.Context, code string) (*domain.Room, error)
}

// Heartbeater records that a participant is still polling.
type Heartbeater interface {
	Heartbeat(ctx context.Context, req room.HeartbeatRequest) (*domain.Room, error)
}

type Config struct {
	Store        *store.Store
	Game         Progressor
	Rooms        Heartbeater
	PollInterval time.Duration
	Now          func() time.Time
}

// Service builds the snapshot polling clients render from.
type Service struct {
	store        *store.Store
	game         Progressor
	rooms        Heartbeater
	pollInterval time.Duration
	now          func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store:        c.Store,
		game:         c.Game,
		rooms:        c.Rooms,
		pollInterval: c.PollInterval,
		now:          c.Now,
	}

	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type RoomState struct {
	Room           Summary             `json:"room"`
	ServerTime     time.Time           `json:"server_time"`
	PollIntervalMs int64               `json:"poll_interval_ms"`
	ParticipantID  string              `json:"participant_id"`
	Participants   []Participant       `json:"participants"`
	Question       *Question           `json:"question,omitempty"`
	TimeRemaining  int                 `json:"time_remaining"`
	Deadline       *time.Time          `json:"deadline,omitempty"`
	NextQuestionAt *time.Time          `json:"next_question_at,omitempty"`
	Results        *domain.RoundResult `json:"results,omitempty"`
	Leaderboard    []LeaderboardEntry  `json:"leaderboard"`
}

type Summary struct {
	Code      string            `json:"code"`
	Status    domain.RoomStatus `json:"status"`
	HostID    string            `json:"host_id"`
	Capacity  int               `json:"capacity"`
	Occupancy int               `json:"occupancy"`
	Settings  domain.Settings   `json:"settings"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

type Participant struct {
	ID       string                   `json:"id"`
	UserID   string                   `json:"user_id"`
	Name     string                   `json:"name"`
	Status   domain.ParticipantStatus `json:"status"`
	Score    int                      `json:"score"`
	IsHost   bool                     `json:"is_host"`
	Answered bool                     `json:"answered"`
}

// Question never carries the correct answer while the question is open.
type Question struct {
	Index         int                  `json:"index"`
	Total         int                  `json:"total"`
	Prompt        string               `json:"prompt"`
	Category      string               `json:"category"`
	Difficulty    domain.Difficulty    `json:"difficulty"`
	Choices       []string             `json:"choices"`
	Status        domain.SessionStatus `json:"status"`
	CorrectAnswer string               `json:"correct_answer,omitempty"`
	MyChoice      string               `json:"my_choice,omitempty"`
}

type LeaderboardEntry struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Score         int    `json:"score"`
	Position      int    `json:"position"`
	Stats         *Stats `json:"stats,omitempty"`
}

type Stats struct {
	TotalAnswers  int    `json:"total_answers"`
	Correct       int    `json:"correct"`
	Incorrect     int    `json:"incorrect"`
	Accuracy      string `json:"accuracy"`
	AvgResponseMs *int64 `json:"avg_response_ms"`
}

type GetRoomStateRequest struct {
	RoomCode string
	UserID   string
}

// GetRoomState progresses the room if a step is due, records the caller's heartbeat and returns the
// snapshot. Only participants may poll a room.
func (s *Service) GetRoomState(ctx context.Context, req GetRoomStateRequest) (*RoomState, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	r, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if r.Participant(req.UserID) == nil {
		return nil, notParticipant(code)
	}

	if r.Status == domain.RoomActive {
		if _, err := s.game.Progress(ctx, code); err != nil {
			if errors.Is(err, errors.CodeInternal) {
				return nil, err
			}
			slog.WarnContext(ctx, "state: lazy progress failed", "room", code, "error", err)
		}
	}

	r, err = s.rooms.Heartbeat(ctx, room.HeartbeatRequest{RoomCode: code, UserID: req.UserID})
	if err != nil {
		return nil, err
	}

	if r.Participant(req.UserID) == nil {
		return nil, notParticipant(code)
	}

	answers, err := s.store.Answers(ctx, code, -1)
	if err != nil {
		return nil, err
	}

	return s.build(r, req.UserID, answers), nil
}

func (s *Service) build(r *domain.Room, userID string, answers []domain.Answer) *RoomState {
	now := s.now()
	me := r.Participant(userID)

	st := &RoomState{
		Room: Summary{
			Code:      r.Code,
			Status:    r.Status,
			HostID:    r.HostID,
			Capacity:  r.Capacity,
			Occupancy: r.Occupancy,
			Settings:  r.Settings,
			CreatedAt: r.CreatedAt,
			ExpiresAt: r.ExpiresAt,
		},
		ServerTime:     now,
		PollIntervalMs: s.pollInterval.Milliseconds(),
		ParticipantID:  me.ID,
	}

	ss := r.Session
	current := make(map[string]domain.Answer)
	if ss != nil {
		for _, a := range answers {
			if a.QuestionIndex == ss.CurrentIndex {
				current[a.ParticipantID] = a
			}
		}
	}

	for _, p := range r.Participants {
		_, answered := current[p.ID]
		st.Participants = append(st.Participants, Participant{
			ID:       p.ID,
			UserID:   p.UserID,
			Name:     p.Name,
			Status:   p.Status,
			Score:    p.Score,
			IsHost:   r.IsHost(p.UserID),
			Answered: answered,
		})
	}

	if ss != nil {
		if q, ok := ss.CurrentQuestion(); ok {
			st.Question = &Question{
				Index:      ss.CurrentIndex,
				Total:      len(ss.Questions),
				Prompt:     q.Prompt,
				Category:   q.Category,
				Difficulty: q.Difficulty,
				Choices:    q.Choices,
				Status:     ss.Status,
				MyChoice:   current[me.ID].Choice,
			}
			if ss.Status != domain.SessionActive {
				st.Question.CorrectAnswer = q.CorrectAnswer
			}
		}

		if ss.Status == domain.SessionActive {
			remaining := r.TimeRemaining(now)
			st.TimeRemaining = int(math.Ceil(remaining.Seconds()))
			deadline := r.QuestionDeadline()
			st.Deadline = &deadline
		}
		if ss.Status == domain.SessionShowingResults {
			next := ss.NextQuestionAt
			st.NextQuestionAt = &next
		}
		if ss.Status != domain.SessionActive {
			st.Results = ss.LastResults
		}
	}

	completed := r.Status == domain.RoomCompleted
	board := leaderboard.Build(r, answers)
	for _, e := range board.Entries {
		entry := LeaderboardEntry{
			ParticipantID: e.ParticipantID,
			Name:          e.Name,
			Score:         e.Score,
			Position:      e.Position,
		}
		if completed {
			entry.Stats = &Stats{
				TotalAnswers:  e.Stats.TotalAnswers,
				Correct:       e.Stats.Correct,
				Incorrect:     e.Stats.Incorrect,
				Accuracy:      e.Stats.Accuracy.StringFixed(1),
				AvgResponseMs: e.Stats.AvgResponseMs,
			}
		}
		st.Leaderboard = append(st.Leaderboard, entry)
	}

	return st
}

func notParticipant(code string) error {
	return errors.New(errors.CodePermissionDenied,
		errors.WithReason(errors.ReasonNotParticipant),
		errors.WithMessagef("not a participant of room %s", code))
}
