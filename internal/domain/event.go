package domain

const (
	EventNameRoomCreated     = "room.created"
	EventNameRoomJoined      = "room.joined"
	EventNameRoomLeft        = "room.left"
	EventNameGameStarted     = "game.started"
	EventNameAnswerSubmitted = "answer.submitted"
	EventNameRoundClosed     = "round.closed"
	EventNameGameEnded       = "game.ended"
	EventNameRoomPurged      = "room.purged"
)

type EventRoomCreated struct {
	Room Room
}

func (EventRoomCreated) Name() string { return EventNameRoomCreated }

type EventRoomJoined struct {
	RoomCode    string
	Participant Participant
}

func (EventRoomJoined) Name() string { return EventNameRoomJoined }

type EventRoomLeft struct {
	RoomCode    string
	Participant Participant
	// NewHostID is set when the host role moved to another participant.
	NewHostID string
}

func (EventRoomLeft) Name() string { return EventNameRoomLeft }

type EventGameStarted struct {
	Room Room
}

func (EventGameStarted) Name() string { return EventNameGameStarted }

type EventAnswerSubmitted struct {
	RoomCode string
	Answer   Answer
}

func (EventAnswerSubmitted) Name() string { return EventNameAnswerSubmitted }

type EventRoundClosed struct {
	RoomCode string
	Result   RoundResult
}

func (EventRoundClosed) Name() string { return EventNameRoundClosed }

// EventGameEnded is published once a room reaches completed or cancelled.
type EventGameEnded struct {
	Room    Room
	Answers []Answer
}

func (EventGameEnded) Name() string { return EventNameGameEnded }

type EventRoomPurged struct {
	RoomCode string
	Status   RoomStatus
	Reason   string
}

func (EventRoomPurged) Name() string { return EventNameRoomPurged }
