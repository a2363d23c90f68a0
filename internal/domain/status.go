package domain

import (
	"fmt"

	"github.com/victornm/etrivia/internal/errors"
)

// RoomStatus is the coarse lifecycle of a room.
type RoomStatus uint8

const (
	RoomWaiting RoomStatus = iota + 1
	RoomActive
	RoomCompleted
	RoomCancelled
)

var roomStatusNames = map[RoomStatus]string{
	RoomWaiting:   "waiting",
	RoomActive:    "active",
	RoomCompleted: "completed",
	RoomCancelled: "cancelled",
}

var roomTransitions = map[RoomStatus][]RoomStatus{
	RoomWaiting: {RoomWaiting, RoomActive, RoomCancelled},
	RoomActive:  {RoomCompleted, RoomCancelled},
}

func (s RoomStatus) String() string { return enumString(roomStatusNames, s) }

func (s RoomStatus) MarshalText() ([]byte, error) { return enumMarshal(roomStatusNames, s) }

func (s *RoomStatus) UnmarshalText(b []byte) error { return enumUnmarshal(roomStatusNames, s, b) }

func (s RoomStatus) CanTransitionTo(to RoomStatus) bool { return allowed(roomTransitions, s, to) }

// Terminal reports whether no further transition is possible.
func (s RoomStatus) Terminal() bool { return s == RoomCompleted || s == RoomCancelled }

// SessionStatus is the fine-grained lifecycle of a game session.
type SessionStatus uint8

const (
	SessionWaiting SessionStatus = iota + 1
	SessionActive
	SessionShowingResults
	SessionCompleted
)

var sessionStatusNames = map[SessionStatus]string{
	SessionWaiting:        "waiting",
	SessionActive:         "active",
	SessionShowingResults: "showing_results",
	SessionCompleted:      "completed",
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionWaiting:        {SessionActive, SessionCompleted},
	SessionActive:         {SessionShowingResults, SessionCompleted},
	SessionShowingResults: {SessionActive, SessionCompleted},
}

func (s SessionStatus) String() string { return enumString(sessionStatusNames, s) }

func (s SessionStatus) MarshalText() ([]byte, error) { return enumMarshal(sessionStatusNames, s) }

func (s *SessionStatus) UnmarshalText(b []byte) error {
	return enumUnmarshal(sessionStatusNames, s, b)
}

func (s SessionStatus) CanTransitionTo(to SessionStatus) bool {
	return allowed(sessionTransitions, s, to)
}

// ParticipantStatus is a participant's presence within a room.
type ParticipantStatus uint8

const (
	ParticipantJoined ParticipantStatus = iota + 1
	ParticipantReady
	ParticipantPlaying
	ParticipantFinished
	ParticipantDisconnected
)

var participantStatusNames = map[ParticipantStatus]string{
	ParticipantJoined:       "joined",
	ParticipantReady:        "ready",
	ParticipantPlaying:      "playing",
	ParticipantFinished:     "finished",
	ParticipantDisconnected: "disconnected",
}

var participantTransitions = map[ParticipantStatus][]ParticipantStatus{
	ParticipantJoined:       {ParticipantReady, ParticipantPlaying, ParticipantFinished, ParticipantDisconnected},
	ParticipantReady:        {ParticipantJoined, ParticipantPlaying, ParticipantFinished, ParticipantDisconnected},
	ParticipantPlaying:      {ParticipantFinished, ParticipantDisconnected},
	ParticipantDisconnected: {ParticipantPlaying, ParticipantFinished},
}

func (s ParticipantStatus) String() string { return enumString(participantStatusNames, s) }

func (s ParticipantStatus) MarshalText() ([]byte, error) {
	return enumMarshal(participantStatusNames, s)
}

func (s *ParticipantStatus) UnmarshalText(b []byte) error {
	return enumUnmarshal(participantStatusNames, s, b)
}

func (s ParticipantStatus) CanTransitionTo(to ParticipantStatus) bool {
	return allowed(participantTransitions, s, to)
}

type enum interface {
	RoomStatus | SessionStatus | ParticipantStatus
}

func enumString[T enum](names map[T]string, v T) string {
	if n, ok := names[v]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(v))
}

func enumMarshal[T enum](names map[T]string, v T) ([]byte, error) {
	n, ok := names[v]
	if !ok {
		return nil, fmt.Errorf("domain: unknown status %d", uint8(v))
	}
	return []byte(n), nil
}

func enumUnmarshal[T enum](names map[T]string, v *T, b []byte) error {
	for k, n := range names {
		if n == string(b) {
			*v = k
			return nil
		}
	}
	return fmt.Errorf("domain: unknown status %q", b)
}

func allowed[T enum](table map[T][]T, from, to T) bool {
	for _, t := range table[from] {
		if t == to {
			return true
		}
	}
	return false
}

func transitionError[T interface {
	enum
	String() string
}](kind string, from, to T) error {
	return errors.StaleState("%s cannot move from %s to %s", kind, from, to)
}
