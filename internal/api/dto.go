package api

import (
	"time"

	"github.com/victornm/etrivia/internal/domain"
)

type SettingsRequest struct {
	QuestionCount   *int    `json:"question_count"`
	TimePerQuestion *int    `json:"time_per_question"`
	Difficulty      *string `json:"difficulty"`
	Category        *int    `json:"category"`
	ClearCategory   bool    `json:"clear_category"`
	ScoringMode     *string `json:"scoring_mode"`
}

func (r SettingsRequest) patch() domain.SettingsPatch {
	p := domain.SettingsPatch{
		QuestionCount:   r.QuestionCount,
		TimePerQuestion: r.TimePerQuestion,
		Category:        r.Category,
		ClearCategory:   r.ClearCategory,
		ScoringMode:     r.ScoringMode,
	}
	if r.Difficulty != nil {
		d := domain.Difficulty(*r.Difficulty)
		p.Difficulty = &d
	}
	return p
}

type CreateRoomRequest struct {
	Capacity *int            `json:"capacity"`
	Settings SettingsRequest `json:"settings"`
}

type SetReadyRequest struct {
	Ready *bool `json:"ready"`
}

type SubmitAnswerRequest struct {
	QuestionIndex *int   `json:"question_index"`
	Choice        string `json:"choice"`
}

// SubmitAnswerResponse acknowledges an answer without revealing whether it was correct.
type SubmitAnswerResponse struct {
	QuestionIndex int       `json:"question_index"`
	Choice        string    `json:"choice"`
	SubmittedAt   time.Time `json:"submitted_at"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	RoundClosed   bool      `json:"round_closed"`
}

type AdvanceRequest struct {
	QuestionIndex int `json:"question_index"`
}

type LeaveRoomResponse struct {
	Room      *Room `json:"room,omitempty"`
	Purged    bool  `json:"purged"`
	Cancelled bool  `json:"cancelled"`
}

type Room struct {
	Code         string            `json:"code"`
	Status       domain.RoomStatus `json:"status"`
	HostID       string            `json:"host_id"`
	Capacity     int               `json:"capacity"`
	Occupancy    int               `json:"occupancy"`
	Settings     domain.Settings   `json:"settings"`
	Participants []Participant     `json:"participants"`
	Game         *Game             `json:"game,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
}

type Participant struct {
	ID       string                   `json:"id"`
	UserID   string                   `json:"user_id"`
	Name     string                   `json:"name"`
	Status   domain.ParticipantStatus `json:"status"`
	Score    int                      `json:"score"`
	JoinedAt time.Time                `json:"joined_at"`
}

// Game summarizes the session. Questions stay server side, the state endpoint serves the current one.
type Game struct {
	ID            string               `json:"id"`
	Status        domain.SessionStatus `json:"status"`
	QuestionIndex int                  `json:"question_index"`
	Total         int                  `json:"total"`
	StartedAt     time.Time            `json:"started_at"`
}

func toRoom(r *domain.Room) Room {
	res := Room{
		Code:         r.Code,
		Status:       r.Status,
		HostID:       r.HostID,
		Capacity:     r.Capacity,
		Occupancy:    r.Occupancy,
		Settings:     r.Settings,
		Participants: make([]Participant, 0, len(r.Participants)),
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
	}

	for _, p := range r.Participants {
		res.Participants = append(res.Participants, Participant{
			ID:       p.ID,
			UserID:   p.UserID,
			Name:     p.Name,
			Status:   p.Status,
			Score:    p.Score,
			JoinedAt: p.JoinedAt,
		})
	}

	if ss := r.Session; ss != nil {
		res.Game = &Game{
			ID:            ss.ID,
			Status:        ss.Status,
			QuestionIndex: ss.CurrentIndex,
			Total:         len(ss.Questions),
			StartedAt:     ss.StartedAt,
		}
	}

	if !r.EndedAt.IsZero() {
		ended := r.EndedAt
		res.EndedAt = &ended
	}

	return res
}

type Leaderboard struct {
	RoomCode string             `json:"room_code"`
	Entries  []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	ParticipantID string `json:"participant_id"`
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	Score         int    `json:"score"`
	Position      int    `json:"position"`
	TotalAnswers  int    `json:"total_answers"`
	Correct       int    `json:"correct"`
	Incorrect     int    `json:"incorrect"`
	Accuracy      string `json:"accuracy"`
	AvgResponseMs *int64 `json:"avg_response_ms"`
}

func toLeaderboard(l *domain.Leaderboard) Leaderboard {
	res := Leaderboard{
		RoomCode: l.RoomCode,
		Entries:  make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, e := range l.Entries {
		res.Entries = append(res.Entries, LeaderboardEntry{
			ParticipantID: e.ParticipantID,
			UserID:        e.UserID,
			Name:          e.Name,
			Score:         e.Score,
			Position:      e.Position,
			TotalAnswers:  e.Stats.TotalAnswers,
			Correct:       e.Stats.Correct,
			Incorrect:     e.Stats.Incorrect,
			Accuracy:      e.Stats.Accuracy.StringFixed(1),
			AvgResponseMs: e.Stats.AvgResponseMs,
		})
	}

	return res
}
