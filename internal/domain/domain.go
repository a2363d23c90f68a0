package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// User is the caller identity handed over by the authentication layer.
type User struct {
	ID   string
	Name string
}

// Room is a private lobby identified by a short code. It owns its settings, participants and game session.
type Room struct {
	Code         string        `json:"code"`
	HostID       string        `json:"host_id"`
	Capacity     int           `json:"capacity"`
	Occupancy    int           `json:"occupancy"`
	Status       RoomStatus    `json:"status"`
	Settings     Settings      `json:"settings"`
	Participants []Participant `json:"participants"`
	Session      *GameSession  `json:"session,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
}

type Participant struct {
	ID       string            `json:"id"`
	UserID   string            `json:"user_id"`
	Name     string            `json:"name"`
	Status   ParticipantStatus `json:"status"`
	Score    int               `json:"score"`
	JoinedAt time.Time         `json:"joined_at"`
}

// GameSession is the match bound to a room. Questions are fixed once the game starts.
type GameSession struct {
	ID                string        `json:"id"`
	Questions         []Question    `json:"questions"`
	CurrentIndex      int           `json:"current_index"`
	Status            SessionStatus `json:"status"`
	QuestionStartedAt time.Time     `json:"question_started_at"`
	NextQuestionAt    time.Time     `json:"next_question_at,omitempty"`
	ScoredThrough     int           `json:"scored_through"`
	LastResults       *RoundResult  `json:"last_results,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           time.Time     `json:"ended_at,omitempty"`
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

type Question struct {
	Prompt           string     `json:"prompt"`
	Category         string     `json:"category"`
	Difficulty       Difficulty `json:"difficulty"`
	CorrectAnswer    string     `json:"correct_answer"`
	IncorrectAnswers []string   `json:"incorrect_answers"`
	// Choices is the display order: correct and incorrect answers shuffled together.
	Choices []string `json:"choices"`
}

// IsCorrect compares the trimmed choice against the correct answer, case-sensitively.
func (q Question) IsCorrect(choice string) bool {
	return strings.TrimSpace(choice) == strings.TrimSpace(q.CorrectAnswer)
}

// Answer is immutable once written. At most one exists per (participant, question index).
type Answer struct {
	ParticipantID string    `json:"participant_id"`
	QuestionIndex int       `json:"question_index"`
	Choice        string    `json:"choice"`
	Correct       bool      `json:"correct"`
	SubmittedAt   time.Time `json:"submitted_at"`
	ElapsedMs     int64     `json:"elapsed_ms"`
}

type RoundResult struct {
	QuestionIndex int          `json:"question_index"`
	CorrectAnswer string       `json:"correct_answer"`
	Entries       []RoundEntry `json:"entries"`
}

type RoundEntry struct {
	ParticipantID string `json:"participant_id"`
	Answered      bool   `json:"answered"`
	Correct       bool   `json:"correct"`
	Delta         int    `json:"delta"`
}

// Leaderboard represents the participants of a room ranked by score.
type Leaderboard struct {
	RoomCode string
	Entries  []LeaderboardEntry
}

type LeaderboardEntry struct {
	ParticipantID string
	UserID        string
	Name          string
	Score         int
	Position      int
	JoinedAt      time.Time
	Stats         Stats
}

type Stats struct {
	TotalAnswers  int
	Correct       int
	Incorrect     int
	Accuracy      decimal.Decimal
	AvgResponseMs *int64
}
