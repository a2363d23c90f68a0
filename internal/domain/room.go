package domain

import (
	"strings"
	"time"

	"github.com/victornm/etrivia/internal/errors"
)

const (
	CodeLength = 6
	// CodeAlphabet holds uppercase letters and digits without the look-alikes 0, O, I and 1.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NormalizeCode trims and upper-cases a user-typed room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(CodeAlphabet, c) {
			return false
		}
	}
	return true
}

// ParseCode normalizes the code and rejects malformed ones before any lookup.
func ParseCode(code string) (string, error) {
	c := NormalizeCode(code)
	if !ValidCode(c) {
		var v errors.Violations
		v.Add("code", "must be %d characters from %s", CodeLength, CodeAlphabet)
		return "", v.Err()
	}
	return c, nil
}

func (r *Room) SetStatus(to RoomStatus) error {
	if !r.Status.CanTransitionTo(to) {
		return transitionError("room "+r.Code, r.Status, to)
	}
	r.Status = to
	return nil
}

func (r *Room) IsHost(userID string) bool { return r.HostID == userID }

func (r *Room) Expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

func (r *Room) Full() bool { return r.Occupancy >= r.Capacity }

// Participant returns the participant of the given user, or nil.
func (r *Room) Participant(userID string) *Participant {
	for i := range r.Participants {
		if r.Participants[i].UserID == userID {
			return &r.Participants[i]
		}
	}
	return nil
}

func (r *Room) ParticipantByID(id string) *Participant {
	for i := range r.Participants {
		if r.Participants[i].ID == id {
			return &r.Participants[i]
		}
	}
	return nil
}

// AddParticipant inserts p and bumps the occupancy counter together.
func (r *Room) AddParticipant(p Participant) {
	r.Participants = append(r.Participants, p)
	r.Occupancy++
}

// RemoveParticipant drops the user's participant and decrements the occupancy counter together.
func (r *Room) RemoveParticipant(userID string) (Participant, bool) {
	for i, p := range r.Participants {
		if p.UserID == userID {
			r.Participants = append(r.Participants[:i:i], r.Participants[i+1:]...)
			r.Occupancy--
			return p, true
		}
	}
	return Participant{}, false
}

// TransferHost hands the host role to the longest-waiting participant. It returns false when the room is empty.
func (r *Room) TransferHost() (Participant, bool) {
	if len(r.Participants) == 0 {
		return Participant{}, false
	}

	next := r.Participants[0]
	for _, p := range r.Participants[1:] {
		if p.JoinedAt.Before(next.JoinedAt) {
			next = p
		}
	}
	r.HostID = next.UserID
	return next, true
}

func (p *Participant) SetStatus(to ParticipantStatus) error {
	if p.Status == to {
		return nil
	}
	if !p.Status.CanTransitionTo(to) {
		return transitionError("participant "+p.ID, p.Status, to)
	}
	p.Status = to
	return nil
}

// PlayingCount is the denominator of the "everyone answered" check.
// Disconnected participants are not counted.
func (r *Room) PlayingCount() int {
	n := 0
	for _, p := range r.Participants {
		if p.Status == ParticipantPlaying {
			n++
		}
	}
	return n
}

// Start moves the room, its participants and the new session into play.
func (r *Room) Start(ss *GameSession, now time.Time) error {
	if err := r.SetStatus(RoomActive); err != nil {
		return err
	}
	for i := range r.Participants {
		if err := r.Participants[i].SetStatus(ParticipantPlaying); err != nil {
			return err
		}
	}

	ss.Status = SessionWaiting
	if err := ss.SetStatus(SessionActive); err != nil {
		return err
	}
	ss.CurrentIndex = 0
	ss.ScoredThrough = -1
	ss.QuestionStartedAt = now
	ss.StartedAt = now
	r.Session = ss
	return nil
}

// Complete ends a finished game normally.
func (r *Room) Complete(now time.Time) error {
	return r.finish(RoomCompleted, now)
}

// Cancel aborts the room. A running session is forced to completed.
func (r *Room) Cancel(now time.Time) error {
	return r.finish(RoomCancelled, now)
}

func (r *Room) finish(to RoomStatus, now time.Time) error {
	if err := r.SetStatus(to); err != nil {
		return err
	}
	if ss := r.Session; ss != nil && ss.Status != SessionCompleted {
		if err := ss.SetStatus(SessionCompleted); err != nil {
			return err
		}
		ss.EndedAt = now
		ss.NextQuestionAt = time.Time{}
	}
	for i := range r.Participants {
		if err := r.Participants[i].SetStatus(ParticipantFinished); err != nil {
			return err
		}
	}
	r.EndedAt = now
	return nil
}

func (s *GameSession) SetStatus(to SessionStatus) error {
	if !s.Status.CanTransitionTo(to) {
		return transitionError("session "+s.ID, s.Status, to)
	}
	s.Status = to
	return nil
}

func (s *GameSession) CurrentQuestion() (Question, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.CurrentIndex], true
}

func (s *GameSession) IsLastQuestion() bool {
	return s.CurrentIndex+1 >= len(s.Questions)
}

// TimeLimit is the per-question answer window.
func (r *Room) TimeLimit() time.Duration {
	return time.Duration(r.Settings.TimePerQuestion) * time.Second
}

// QuestionDeadline is when the current answer window closes.
func (r *Room) QuestionDeadline() time.Time {
	if r.Session == nil {
		return time.Time{}
	}
	return r.Session.QuestionStartedAt.Add(r.TimeLimit())
}

// TimeRemaining never goes negative.
func (r *Room) TimeRemaining(now time.Time) time.Duration {
	if r.Session == nil || r.Session.Status != SessionActive {
		return 0
	}
	return max(0, r.QuestionDeadline().Sub(now))
}

// NextDeadline is when a time-based progression step becomes due, if any.
func (r *Room) NextDeadline() (time.Time, bool) {
	if r.Status != RoomActive || r.Session == nil {
		return time.Time{}, false
	}
	switch r.Session.Status {
	case SessionActive:
		return r.QuestionDeadline(), true
	case SessionShowingResults:
		return r.Session.NextQuestionAt, true
	}
	return time.Time{}, false
}
