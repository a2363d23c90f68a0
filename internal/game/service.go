package game

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
	"github.com/victornm/etrivia/internal/event"
	"github.com/victornm/etrivia/internal/store"
	"github.com/victornm/etrivia/internal/trivia"
)

const (
	defaultResultsDelay = 3 * time.Second
	minParticipants     = 2
)

// Source supplies the questions of a new game.
type Source interface {
	FetchQuestions(ctx context.Context, req trivia.FetchRequest) ([]domain.Question, error)
}

type Config struct {
	Store    *store.Store
	Source   Source
	EventBus *event.Bus
	// ResultsDelay is how long round results are shown before the next question opens.
	ResultsDelay time.Duration
	Now          func() time.Time
}

type Service struct {
	store        *store.Store
	source       Source
	bus          *event.Bus
	resultsDelay time.Duration
	now          func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store:        c.Store,
		source:       c.Source,
		bus:          c.EventBus,
		resultsDelay: c.ResultsDelay,
		now:          c.Now,
	}

	if s.resultsDelay <= 0 {
		s.resultsDelay = defaultResultsDelay
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type StartGameRequest struct {
	RoomCode string
	UserID   string
}

// StartGame loads the questions and opens the first one. Nothing is written when the question source fails
// or returns no questions.
func (s *Service) StartGame(ctx context.Context, req StartGameRequest) (*domain.Room, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	r, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := canStart(r, req.UserID); err != nil {
		return nil, err
	}

	questions, err := s.source.FetchQuestions(ctx, trivia.FetchRequest{
		Amount:     r.Settings.QuestionCount,
		Difficulty: r.Settings.Difficulty,
		Category:   r.Settings.Category,
		Caller:     r.HostID,
	})
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithReason(errors.ReasonUpstream),
			errors.WithMessagef("could not load questions, try again later"),
			errors.WithCause(err))
	}
	if len(questions) == 0 {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithReason(errors.ReasonUpstream),
			errors.WithMessagef("no questions available for the selected settings"))
	}
	if len(questions) > r.Settings.QuestionCount {
		questions = questions[:r.Settings.QuestionCount]
	}

	sessionID := uuid.Must(uuid.NewV7()).String()
	r, err = s.store.Update(ctx, code, func(tx *store.Tx) error {
		if err := canStart(tx.Room, req.UserID); err != nil {
			return err
		}

		return tx.Room.Start(&domain.GameSession{ID: sessionID, Questions: questions}, s.now())
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "game: started",
		"room", code,
		"session", sessionID,
		"questions", len(questions),
		"participants", r.Occupancy,
	)
	s.bus.Publish(ctx, domain.EventGameStarted{Room: *r})

	return r, nil
}

func canStart(r *domain.Room, userID string) error {
	switch {
	case !r.IsHost(userID):
		return notHost(r.Code)
	case r.Status != domain.RoomWaiting:
		return errors.StaleState("room %s already started: status=%s", r.Code, r.Status)
	case r.Occupancy < minParticipants:
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("at least %d participants are needed to start", minParticipants))
	}
	return nil
}

type SubmitAnswerRequest struct {
	RoomCode      string
	UserID        string
	QuestionIndex int
	Choice        string
}

type SubmitAnswerResponse struct {
	Answer domain.Answer
	// RoundClosed is set when this answer was the last one the round waited for.
	RoundClosed bool
	Room        *domain.Room
}

// SubmitAnswer records the caller's answer to the open question. An answer completing the round closes it
// in the same transaction.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.Choice) == "" {
		var v errors.Violations
		v.Add("choice", "must not be empty")
		return nil, v.Err()
	}

	var (
		answer domain.Answer
		step   stepResult
		events []event.Event
	)
	r, err := s.store.Update(ctx, code, func(tx *store.Tx) error {
		r, now := tx.Room, s.now()
		step, events = stepResult{}, nil

		p := r.Participant(req.UserID)
		if p == nil {
			return notParticipant(code)
		}
		if p.Status == domain.ParticipantFinished {
			return errors.New(errors.CodePermissionDenied,
				errors.WithReason(errors.ReasonNotParticipant),
				errors.WithMessagef("participant has finished the game"))
		}

		ss := r.Session
		if closedOnTime(r, req.QuestionIndex) {
			return timeExpired(req.QuestionIndex)
		}
		if r.Status != domain.RoomActive || ss == nil || ss.Status != domain.SessionActive {
			return errors.StaleState("no question of room %s is open for answers", code)
		}
		if req.QuestionIndex != ss.CurrentIndex {
			return errors.StaleState("question %d is not open, current question is %d", req.QuestionIndex, ss.CurrentIndex)
		}

		elapsed := now.Sub(ss.QuestionStartedAt)
		if elapsed > r.TimeLimit() {
			return timeExpired(ss.CurrentIndex)
		}

		answers, err := tx.Answers(ss.CurrentIndex)
		if err != nil {
			return err
		}
		for _, a := range answers {
			if a.ParticipantID == p.ID {
				return errors.New(errors.CodeAlreadyExists,
					errors.WithReason(errors.ReasonDuplicateAnswer),
					errors.WithMessagef("question %d already answered", ss.CurrentIndex))
			}
		}

		if p.Status == domain.ParticipantDisconnected {
			if err := p.SetStatus(domain.ParticipantPlaying); err != nil {
				return err
			}
		}

		q, _ := ss.CurrentQuestion()
		answer = domain.Answer{
			ParticipantID: p.ID,
			QuestionIndex: ss.CurrentIndex,
			Choice:        req.Choice,
			Correct:       q.IsCorrect(req.Choice),
			SubmittedAt:   now,
			ElapsedMs:     max(0, elapsed.Milliseconds()),
		}
		tx.InsertAnswer(answer)
		events = append(events, domain.EventAnswerSubmitted{RoomCode: code, Answer: answer})

		if !RoundReady(r, append(answers, answer), now) {
			return nil
		}

		step, err = closeRound(tx, now, now.Add(s.resultsDelay))
		if err != nil {
			return err
		}
		events, err = s.stepEvents(tx, step, events)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events)

	return &SubmitAnswerResponse{Answer: answer, RoundClosed: step.round != nil, Room: r}, nil
}

type AdvanceRequest struct {
	RoomCode string
	UserID   string
	// QuestionIndex is the question the caller believes is current.
	QuestionIndex int
}

// Advance moves the game one step on a participant's request: it closes a ready round, or skips the
// remaining results delay. Advancing a finished game is a no-op.
func (s *Service) Advance(ctx context.Context, req AdvanceRequest) (*domain.Room, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	var (
		noop   bool
		events []event.Event
	)
	r, err := s.store.Update(ctx, code, func(tx *store.Tx) error {
		r, now := tx.Room, s.now()
		noop, events = false, nil

		var (
			step stepResult
			err  error
		)

		if r.Participant(req.UserID) == nil {
			return notParticipant(code)
		}

		ss := r.Session
		if ss == nil {
			return errors.StaleState("game of room %s has not started", code)
		}
		if ss.Status == domain.SessionCompleted || r.Status.Terminal() {
			noop = true
			return nil
		}
		if req.QuestionIndex != ss.CurrentIndex {
			return errors.StaleState("question %d is not current, current question is %d", req.QuestionIndex, ss.CurrentIndex)
		}

		switch ss.Status {
		case domain.SessionActive:
			answers, err := tx.Answers(ss.CurrentIndex)
			if err != nil {
				return err
			}
			if !RoundReady(r, answers, now) {
				return errors.New(errors.CodeFailedPrecondition,
					errors.WithReason(errors.ReasonNotReady),
					errors.WithMessagef("question %d is still open", ss.CurrentIndex))
			}
			if step, err = closeRound(tx, now, now.Add(s.resultsDelay)); err != nil {
				return err
			}
		case domain.SessionShowingResults:
			if step, err = openNext(r, now); err != nil {
				return err
			}
		default:
			return errors.StaleState("game of room %s is not running: status=%s", code, ss.Status)
		}

		events, err = s.stepEvents(tx, step, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	if noop {
		slog.InfoContext(ctx, "game: advance on finished game ignored", "room", code, "user", req.UserID)
		return r, nil
	}

	s.publish(ctx, events)
	return r, nil
}

type CancelGameRequest struct {
	RoomCode string
	UserID   string
}

// CancelGame aborts the room. Only the host may cancel.
func (s *Service) CancelGame(ctx context.Context, req CancelGameRequest) (*domain.Room, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	var ended domain.EventGameEnded
	r, err := s.store.Update(ctx, code, func(tx *store.Tx) error {
		r := tx.Room

		if !r.IsHost(req.UserID) {
			return notHost(code)
		}
		if r.Status.Terminal() {
			return errors.StaleState("room %s already ended: status=%s", code, r.Status)
		}
		if err := r.Cancel(s.now()); err != nil {
			return err
		}

		answers, err := tx.Answers(-1)
		if err != nil {
			return err
		}
		ended = domain.EventGameEnded{Room: *r, Answers: answers}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "game: cancelled", "room", code)
	s.bus.Publish(ctx, ended)

	return r, nil
}

// Progress performs the time-based step that is due for the room, if any: it closes an expired or fully
// answered round, or opens the next question once the results delay passed. A room that moved on in the
// meantime is left untouched.
func (s *Service) Progress(ctx context.Context, code string) (*domain.Room, error) {
	r, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	pending, err := s.pending(ctx, r)
	if err != nil || !pending {
		return r, err
	}

	var (
		stale  bool
		events []event.Event
	)
	r, err = s.store.Update(ctx, code, func(tx *store.Tx) error {
		r, now := tx.Room, s.now()
		stale, events = false, nil

		answers, err := tx.Answers(-1)
		if err != nil {
			return err
		}
		if !due(r, answers, now) {
			stale = true
			return nil
		}

		var step stepResult
		switch r.Session.Status {
		case domain.SessionActive:
			step, err = closeRound(tx, now, now.Add(s.resultsDelay))
		case domain.SessionShowingResults:
			step, err = openNext(r, now)
		}
		if err != nil {
			return err
		}

		events, err = s.stepEvents(tx, step, nil)
		return err
	})
	if errors.HasReason(err, errors.ReasonStaleState) {
		slog.InfoContext(ctx, "game: progress skipped, stale state", "room", code, "error", err)
		return s.store.Get(ctx, code)
	}
	if err != nil {
		return nil, err
	}

	if stale {
		slog.InfoContext(ctx, "game: progress skipped, room moved on", "room", code)
		return r, nil
	}

	s.publish(ctx, events)
	return r, nil
}

func (s *Service) pending(ctx context.Context, r *domain.Room) (bool, error) {
	if r.Status != domain.RoomActive || r.Session == nil {
		return false, nil
	}

	var answers []domain.Answer
	if r.Session.Status == domain.SessionActive {
		var err error
		if answers, err = s.store.Answers(ctx, r.Code, r.Session.CurrentIndex); err != nil {
			return false, err
		}
	}

	return due(r, answers, s.now()), nil
}

// Tick progresses every room whose next step is due. Failures are logged per room.
func (s *Service) Tick(ctx context.Context) error {
	codes, err := s.store.Due(ctx, s.now())
	if err != nil {
		return err
	}

	for _, code := range codes {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := s.Progress(ctx, code)
		switch {
		case err == nil:
		case errors.Is(err, errors.CodeNotFound):
			if err := s.store.Forget(ctx, code); err != nil {
				slog.ErrorContext(ctx, "game: forget missing room failed", "room", code, "error", err)
			}
		default:
			slog.ErrorContext(ctx, "game: progress failed", "room", code, "error", err)
		}
	}

	return nil
}

func (s *Service) stepEvents(tx *store.Tx, step stepResult, events []event.Event) ([]event.Event, error) {
	r := tx.Room

	if step.round != nil {
		events = append(events, domain.EventRoundClosed{RoomCode: r.Code, Result: *step.round})
	}
	if step.completed {
		answers, err := tx.Answers(-1)
		if err != nil {
			return nil, err
		}
		events = append(events, domain.EventGameEnded{Room: *r, Answers: answers})
	}

	return events, nil
}

func (s *Service) publish(ctx context.Context, events []event.Event) {
	for _, e := range events {
		s.bus.Publish(ctx, e)
	}
}

// closedOnTime reports whether index is the question whose round already closed, either showing its
// results or as the last question of a finished game.
func closedOnTime(r *domain.Room, index int) bool {
	ss := r.Session
	if ss == nil || index != ss.CurrentIndex || r.Status == domain.RoomCancelled {
		return false
	}
	return ss.Status == domain.SessionShowingResults || ss.Status == domain.SessionCompleted
}

func timeExpired(index int) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithReason(errors.ReasonTimeExpired),
		errors.WithMessagef("time for question %d expired", index))
}

func notParticipant(code string) error {
	return errors.New(errors.CodePermissionDenied,
		errors.WithReason(errors.ReasonNotParticipant),
		errors.WithMessagef("not a participant of room %s", code))
}

func notHost(code string) error {
	return errors.New(errors.CodePermissionDenied,
		errors.WithReason(errors.ReasonNotHost),
		errors.WithMessagef("only the host of room %s can do this", code))
}
