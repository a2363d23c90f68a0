package history

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
	"github.com/victornm/etrivia/internal/event"
	"github.com/victornm/etrivia/internal/leaderboard"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

//go:embed schema.sql
var schema string

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
}

// Service archives the final standings of every game that started.
type Service struct {
	eb *event.Bus
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	s := &Service{
		eb: c.EventBus,
		db: c.DB,
	}

	s.eb.Subscribe(domain.EventNameGameEnded, func(ctx context.Context, e event.Event) error {
		err := s.Archive(ctx, e.(domain.EventGameEnded))
		if errors.Is(err, errors.CodeAlreadyExists) {
			slog.InfoContext(ctx, "history: game already archived", "error", err)
			return nil
		}
		return err
	})

	return s
}

// Migrate creates the archive tables if they do not exist.
func (s *Service) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Result is one participant's outcome of a finished game.
type Result struct {
	SessionID     string            `json:"session_id"`
	ParticipantID string            `json:"participant_id"`
	RoomCode      string            `json:"room_code"`
	UserID        string            `json:"user_id"`
	Name          string            `json:"name"`
	Status        domain.RoomStatus `json:"status"`
	Score         int               `json:"score"`
	Position      int               `json:"position"`
	Players       int               `json:"players"`
	TotalAnswers  int               `json:"total_answers"`
	Correct       int               `json:"correct"`
	Accuracy      decimal.Decimal   `json:"accuracy"`
	EndedAt       time.Time         `json:"ended_at"`
}

// Summarize turns a finished room into one result per remaining participant. Rooms that never started
// a game produce nothing.
func Summarize(r *domain.Room, answers []domain.Answer) []Result {
	if r.Session == nil {
		return nil
	}

	board := leaderboard.Build(r, answers)
	results := make([]Result, 0, len(board.Entries))
	for _, e := range board.Entries {
		results = append(results, Result{
			SessionID:     r.Session.ID,
			ParticipantID: e.ParticipantID,
			RoomCode:      r.Code,
			UserID:        e.UserID,
			Name:          e.Name,
			Status:        r.Status,
			Score:         e.Score,
			Position:      e.Position,
			Players:       len(board.Entries),
			TotalAnswers:  e.Stats.TotalAnswers,
			Correct:       e.Stats.Correct,
			Accuracy:      e.Stats.Accuracy,
			EndedAt:       r.EndedAt,
		})
	}

	return results
}

// Archive stores the results of a finished game. Archiving the same session twice fails with AlreadyExists.
func (s *Service) Archive(ctx context.Context, ev domain.EventGameEnded) error {
	results := Summarize(&ev.Room, ev.Answers)
	if len(results) == 0 {
		return nil
	}

	const stmt = `
INSERT INTO game_results (session_id, participant_id, room_code, user_id, name, status, score, position, players,
	total_answers, correct, accuracy, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`

	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, res := range results {
			_, err := tx.Exec(ctx, stmt,
				res.SessionID, res.ParticipantID, res.RoomCode, res.UserID, res.Name, res.Status.String(),
				res.Score, res.Position, res.Players, res.TotalAnswers, res.Correct, res.Accuracy, res.EndedAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})

	var pgErr *pgconn.PgError
	const codeUniqueViolation = "23505"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("session %s already archived", results[0].SessionID),
			errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("history: archive room %s: %w", ev.Room.Code, err)
	}

	slog.InfoContext(ctx, "history: game archived",
		"room", ev.Room.Code,
		"session", results[0].SessionID,
		"status", ev.Room.Status,
		"players", len(results),
	)

	return nil
}

type ListResultsRequest struct {
	UserID   string
	CallerID string
	Limit    int
}

// ListResults returns the user's archived results, most recent first. Users may only read their own history.
func (s *Service) ListResults(ctx context.Context, req ListResultsRequest) ([]Result, error) {
	if req.UserID != req.CallerID {
		return nil, errors.New(errors.CodePermissionDenied, errors.WithMessagef("cannot read history of another user"))
	}

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	const stmt = `
SELECT session_id, participant_id, room_code, user_id, name, status, score, position, players, total_answers,
	correct, accuracy, ended_at
FROM game_results
WHERE user_id = $1
ORDER BY ended_at DESC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, req.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list results: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (Result, error) {
		var (
			res    Result
			status string
		)
		err := r.Scan(&res.SessionID, &res.ParticipantID, &res.RoomCode, &res.UserID, &res.Name, &status,
			&res.Score, &res.Position, &res.Players, &res.TotalAnswers, &res.Correct, &res.Accuracy, &res.EndedAt)
		if err != nil {
			return Result{}, err
		}
		if err := res.Status.UnmarshalText([]byte(status)); err != nil {
			return Result{}, err
		}
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: list results: %w", err)
	}

	return results, nil
}
