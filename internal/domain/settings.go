package domain

import (
	"github.com/victornm/etrivia/internal/errors"
)

const (
	MinCapacity     = 2
	MaxCapacity     = 20
	DefaultCapacity = 8

	MinQuestionCount     = 5
	MaxQuestionCount     = 50
	DefaultQuestionCount = 10

	MinTimePerQuestion     = 10
	MaxTimePerQuestion     = 60
	DefaultTimePerQuestion = 30

	ScoringStandard = "standard"
)

type Settings struct {
	QuestionCount   int        `json:"question_count"`
	TimePerQuestion int        `json:"time_per_question"`
	Difficulty      Difficulty `json:"difficulty"`
	Category        *int       `json:"category,omitempty"`
	ScoringMode     string     `json:"scoring_mode"`
}

func DefaultSettings() Settings {
	return Settings{
		QuestionCount:   DefaultQuestionCount,
		TimePerQuestion: DefaultTimePerQuestion,
		Difficulty:      DifficultyMedium,
		ScoringMode:     ScoringStandard,
	}
}

// SettingsPatch carries optional fields, only the non-nil ones are applied.
type SettingsPatch struct {
	QuestionCount   *int
	TimePerQuestion *int
	Difficulty      *Difficulty
	Category        *int
	ClearCategory   bool
	ScoringMode     *string
}

// Apply validates every provided field and returns the patched copy.
// Nothing is applied if any field is invalid.
func (s Settings) Apply(p SettingsPatch) (Settings, error) {
	var v errors.Violations

	if p.QuestionCount != nil && (*p.QuestionCount < MinQuestionCount || *p.QuestionCount > MaxQuestionCount) {
		v.Add("question_count", "must be between %d and %d", MinQuestionCount, MaxQuestionCount)
	}
	if p.TimePerQuestion != nil && (*p.TimePerQuestion < MinTimePerQuestion || *p.TimePerQuestion > MaxTimePerQuestion) {
		v.Add("time_per_question", "must be between %d and %d seconds", MinTimePerQuestion, MaxTimePerQuestion)
	}
	if p.Difficulty != nil && !p.Difficulty.Valid() {
		v.Add("difficulty", "must be one of easy, medium, hard")
	}
	if p.Category != nil && *p.Category <= 0 {
		v.Add("category", "must be a positive category id")
	}
	if p.ScoringMode != nil && *p.ScoringMode != ScoringStandard {
		v.Add("scoring_mode", "only %q is supported", ScoringStandard)
	}
	if err := v.Err(); err != nil {
		return s, err
	}

	if p.QuestionCount != nil {
		s.QuestionCount = *p.QuestionCount
	}
	if p.TimePerQuestion != nil {
		s.TimePerQuestion = *p.TimePerQuestion
	}
	if p.Difficulty != nil {
		s.Difficulty = *p.Difficulty
	}
	if p.ClearCategory {
		s.Category = nil
	}
	if p.Category != nil {
		c := *p.Category
		s.Category = &c
	}
	if p.ScoringMode != nil {
		s.ScoringMode = *p.ScoringMode
	}

	return s, nil
}

// ValidateCapacity reports a field violation when capacity is out of bounds.
func ValidateCapacity(capacity int) error {
	var v errors.Violations
	if capacity < MinCapacity || capacity > MaxCapacity {
		v.Add("capacity", "must be between %d and %d", MinCapacity, MaxCapacity)
	}
	return v.Err()
}
