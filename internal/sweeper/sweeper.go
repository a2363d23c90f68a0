package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
	"github.com/victornm/etrivia/internal/event"
	"github.com/victornm/etrivia/internal/store"
)

const defaultCompletedRetention = time.Hour

// Purge reasons.
const (
	ReasonCancelled = "cancelled"
	ReasonExpired   = "expired"
	ReasonCompleted = "completed"
)

// IdleReaper marks participants of running games that stopped polling as disconnected.
type IdleReaper interface {
	ReapIdle(ctx context.Context, code string) (int, error)
}

type Config struct {
	Store    *store.Store
	Rooms    IdleReaper
	EventBus *event.Bus
	// CompletedRetention is how long a completed room stays readable before it is purged.
	CompletedRetention time.Duration
	Now                func() time.Time
}

// Service reclaims rooms nobody can play in anymore.
type Service struct {
	store     *store.Store
	rooms     IdleReaper
	bus       *event.Bus
	retention time.Duration
	now       func() time.Time
}

func New(c Config) *Service {
	s := &Service{
		store:     c.Store,
		rooms:     c.Rooms,
		bus:       c.EventBus,
		retention: c.CompletedRetention,
		now:       c.Now,
	}

	if s.retention <= 0 {
		s.retention = defaultCompletedRetention
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type Report struct {
	Scanned      int
	Purged       int
	Forgotten    int
	Disconnected int
	Failed       int
}

// Sweep visits every known room once. Failures are logged per room and do not stop the sweep.
func (s *Service) Sweep(ctx context.Context) (Report, error) {
	var rep Report

	codes, err := s.store.Codes(ctx)
	if err != nil {
		return rep, err
	}

	for _, code := range codes {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++

		if err := s.sweepRoom(ctx, code, &rep); err != nil {
			rep.Failed++
			slog.ErrorContext(ctx, "sweeper: sweep room failed", "room", code, "error", err)
		}
	}

	if rep.Purged > 0 || rep.Forgotten > 0 || rep.Disconnected > 0 || rep.Failed > 0 {
		slog.InfoContext(ctx, "sweeper: sweep done",
			"scanned", rep.Scanned,
			"purged", rep.Purged,
			"forgotten", rep.Forgotten,
			"disconnected", rep.Disconnected,
			"failed", rep.Failed,
		)
	}

	return rep, nil
}

func (s *Service) sweepRoom(ctx context.Context, code string, rep *Report) error {
	r, err := s.store.Get(ctx, code)
	if errors.Is(err, errors.CodeNotFound) {
		rep.Forgotten++
		return s.store.Forget(ctx, code)
	}
	if err != nil {
		return err
	}

	if r.Status == domain.RoomActive {
		n, err := s.rooms.ReapIdle(ctx, code)
		rep.Disconnected += n
		return err
	}

	reason := s.purgeReason(r)
	if reason == "" {
		return nil
	}

	purged := false
	_, err = s.store.Update(ctx, code, func(tx *store.Tx) error {
		purged = s.purgeReason(tx.Room) == reason
		if purged {
			tx.Delete()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !purged {
		return nil
	}

	rep.Purged++
	slog.InfoContext(ctx, "sweeper: room purged", "room", code, "status", r.Status, "reason", reason)
	s.bus.Publish(ctx, domain.EventRoomPurged{RoomCode: code, Status: r.Status, Reason: reason})

	return nil
}

func (s *Service) purgeReason(r *domain.Room) string {
	now := s.now()

	switch r.Status {
	case domain.RoomCancelled:
		return ReasonCancelled
	case domain.RoomWaiting:
		if r.Expired(now) {
			return ReasonExpired
		}
	case domain.RoomCompleted:
		if !now.Before(r.EndedAt.Add(s.retention)) {
			return ReasonCompleted
		}
	}
	return ""
}
