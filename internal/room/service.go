package room

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
	"github.com/victornm/etrivia/internal/event"
	"github.com/victornm/etrivia/internal/ratelimit"
	"github.com/victornm/etrivia/internal/store"
)

const (
	defaultRoomTTL   = 24 * time.Hour
	defaultIdleAfter = 90 * time.Second
	maxCodeAttempts  = 10
)

// Limiter throttles room creation per host.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Hit, error)
	Undo(ctx context.Context, h ratelimit.Hit) error
}

type Config struct {
	Store    *store.Store
	Limiter  Limiter
	EventBus *event.Bus
	// RoomTTL is how long a waiting room stays joinable.
	RoomTTL time.Duration
	// IdleAfter is how long a playing participant may go without polling before being marked disconnected.
	IdleAfter time.Duration
	Now       func() time.Time
	NewCode   func() string
}

type Service struct {
	store     *store.Store
	limiter   Limiter
	bus       *event.Bus
	roomTTL   time.Duration
	idleAfter time.Duration
	now       func() time.Time
	newCode   func() string
}

func NewService(c Config) *Service {
	s := &Service{
		store:     c.Store,
		limiter:   c.Limiter,
		bus:       c.EventBus,
		roomTTL:   c.RoomTTL,
		idleAfter: c.IdleAfter,
		now:       c.Now,
		newCode:   c.NewCode,
	}

	if s.roomTTL <= 0 {
		s.roomTTL = defaultRoomTTL
	}
	if s.idleAfter <= 0 {
		s.idleAfter = defaultIdleAfter
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newCode == nil {
		s.newCode = RandomCode
	}

	return s
}

// RandomCode samples a room code uniformly from the code alphabet.
func RandomCode() string {
	b := make([]byte, domain.CodeLength)
	for i := range b {
		b[i] = domain.CodeAlphabet[rand.IntN(len(domain.CodeAlphabet))]
	}
	return string(b)
}

type CreateRoomRequest struct {
	Host     domain.User
	Capacity *int
	Settings domain.SettingsPatch
}

func (r CreateRoomRequest) validate() (domain.Settings, int, error) {
	capacity := domain.DefaultCapacity
	if r.Capacity != nil {
		capacity = *r.Capacity
	}

	var v errors.Violations
	if strings.TrimSpace(r.Host.ID) == "" {
		v.Add("user_id", "must not be empty")
	}
	if err := domain.ValidateCapacity(capacity); err != nil {
		v = append(v, errors.Convert(err).Details...)
	}

	settings, err := domain.DefaultSettings().Apply(r.Settings)
	if err != nil {
		v = append(v, errors.Convert(err).Details...)
	}

	return settings, capacity, v.Err()
}

// CreateRoom opens a waiting room with the caller as host and first participant.
func (s *Service) CreateRoom(ctx context.Context, req CreateRoomRequest) (*domain.Room, error) {
	settings, capacity, err := req.validate()
	if err != nil {
		return nil, err
	}

	hit, err := s.limiter.Allow(ctx, "create_room:"+req.Host.ID)
	if err != nil {
		return nil, err
	}

	r, err := s.createRoom(ctx, req.Host, settings, capacity)
	if err != nil {
		if err := s.limiter.Undo(context.WithoutCancel(ctx), hit); err != nil {
			slog.WarnContext(ctx, "room: release rate limit slot failed", "host", req.Host.ID, "error", err)
		}
		return nil, err
	}

	slog.InfoContext(ctx, "room: created", "room", r.Code, "host", r.HostID)
	s.bus.Publish(ctx, domain.EventRoomCreated{Room: *r})
	return r, nil
}

func (s *Service) createRoom(ctx context.Context, host domain.User, settings domain.Settings, capacity int) (*domain.Room, error) {
	now := s.now()
	r := &domain.Room{
		HostID:    host.ID,
		Capacity:  capacity,
		Status:    domain.RoomWaiting,
		Settings:  settings,
		CreatedAt: now,
		ExpiresAt: now.Add(s.roomTTL),
	}
	r.AddParticipant(newParticipant(host, now))

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		r.Code = s.newCode()

		err := s.store.Create(ctx, r)
		if stderrors.Is(err, store.ErrCodeTaken) {
			slog.DebugContext(ctx, "room: code collision", "code", r.Code, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("room: create: %w", err)
		}
		return r, nil
	}

	return nil, errors.Internal(fmt.Errorf("room: no free code after %d attempts", maxCodeAttempts))
}

type JoinRoomRequest struct {
	RoomCode string
	User     domain.User
}

// JoinRoom adds the caller to a waiting room.
func (s *Service) JoinRoom(ctx context.Context, req JoinRoomRequest) (*domain.Room, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	var joined domain.Participant
	r, err := s.store.Update(ctx, code, func(tx *store.Tx) error {
		r, now := tx.Room, s.now()

		switch {
		case r.Status != domain.RoomWaiting:
			return errors.StaleState("room %s is not accepting players: status=%s", code, r.Status)
		case r.Expired(now):
			return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("room %s has expired", code))
		case r.Participant(req.User.ID) != nil:
			return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("already joined room %s", code))
		case r.Full():
			return errors.New(errors.CodeResourceExhausted,
				errors.WithReason(errors.ReasonRoomFull),
				errors.WithMessagef("room %s is full", code))
		}

		joined = newParticipant(req.User, now)
		r.AddParticipant(joined)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, domain.EventRoomJoined{RoomCode: code, Participant: joined})
	return r, nil
}

type LeaveRoomRequest struct {
	RoomCode string
	UserID   string
}

type LeaveRoomResponse struct {
	Room *domain.Room
	// Purged is set when the last participant left and the room was deleted.
	Purged bool
	// Cancelled is set when the host left a running game.
	Cancelled bool
}

// LeaveRoom removes the caller. A host leaving a running game cancels it, otherwise the host role moves to
// the earliest joined participant. The room is purged once empty.
func (s *Service) LeaveRoom(ctx context.Context, req LeaveRoomRequest) (*LeaveRoomResponse, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	var (
		resp    LeaveRoomResponse
		left    domain.Participant
		newHost string
		ended   *domain.EventGameEnded
	)
	r, err := s.store.Update(ctx, code, func(tx *store.Tx) error {
		r, now := tx.Room, s.now()
		resp, newHost, ended = LeaveRoomResponse{}, "", nil

		wasHost := r.IsHost(req.UserID)
		p, ok := r.RemoveParticipant(req.UserID)
		if !ok {
			return notParticipant(code)
		}
		left = p

		if r.Status == domain.RoomActive && (wasHost || r.Occupancy == 0) {
			if err := r.Cancel(now); err != nil {
				return err
			}
			answers, err := tx.Answers(-1)
			if err != nil {
				return err
			}
			resp.Cancelled = true

			// The archived standings still include the participant who left.
			snapshot := *r
			gone := left
			gone.Status = domain.ParticipantFinished
			snapshot.Participants = append(slices.Clone(r.Participants), gone)
			ended = &domain.EventGameEnded{Room: snapshot, Answers: answers}
		}

		if r.Occupancy == 0 {
			tx.Delete()
			resp.Purged = true
			return nil
		}

		if wasHost {
			h, _ := r.TransferHost()
			newHost = h.UserID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp.Room = r
	slog.InfoContext(ctx, "room: participant left",
		"room", code,
		"user", req.UserID,
		"new_host", newHost,
		"cancelled", resp.Cancelled,
		"purged", resp.Purged,
	)

	s.bus.Publish(ctx, domain.EventRoomLeft{RoomCode: code, Participant: left, NewHostID: newHost})
	if ended != nil {
		s.bus.Publish(ctx, *ended)
	}
	if resp.Purged {
		s.bus.Publish(ctx, domain.EventRoomPurged{RoomCode: code, Status: r.Status, Reason: "empty"})
	}

	return &resp, nil
}

type UpdateSettingsRequest struct {
	RoomCode string
	UserID   string
	Patch    domain.SettingsPatch
}

// UpdateSettings applies a partial settings change. Only the host may change settings, and only before
// the game starts.
func (s *Service) UpdateSettings(ctx context.Context, req UpdateSettingsRequest) (*domain.Room, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	return s.store.Update(ctx, code, func(tx *store.Tx) error {
		r := tx.Room

		if !r.IsHost(req.UserID) {
			return notHost(code)
		}
		if r.Status != domain.RoomWaiting {
			return errors.StaleState("settings of room %s are locked: status=%s", code, r.Status)
		}

		settings, err := r.Settings.Apply(req.Patch)
		if err != nil {
			return err
		}
		r.Settings = settings
		return nil
	})
}

type SetReadyRequest struct {
	RoomCode string
	UserID   string
	Ready    bool
}

// SetReady toggles the caller between joined and ready while the room waits for the host to start.
func (s *Service) SetReady(ctx context.Context, req SetReadyRequest) (*domain.Room, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	return s.store.Update(ctx, code, func(tx *store.Tx) error {
		r := tx.Room

		if r.Status != domain.RoomWaiting {
			return errors.StaleState("room %s is not waiting: status=%s", code, r.Status)
		}

		p := r.Participant(req.UserID)
		if p == nil {
			return notParticipant(code)
		}

		to := domain.ParticipantJoined
		if req.Ready {
			to = domain.ParticipantReady
		}
		return p.SetStatus(to)
	})
}

type HeartbeatRequest struct {
	RoomCode string
	UserID   string
}

// Heartbeat records that the caller is still polling and returns the latest room. A disconnected
// participant of a running game is restored to playing.
func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) (*domain.Room, error) {
	code, err := domain.ParseCode(req.RoomCode)
	if err != nil {
		return nil, err
	}

	r, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	p := r.Participant(req.UserID)
	if p == nil {
		return nil, notParticipant(code)
	}

	if err := s.store.Touch(ctx, code, p.ID, s.now()); err != nil {
		return nil, err
	}

	if r.Status != domain.RoomActive || p.Status != domain.ParticipantDisconnected {
		return r, nil
	}

	return s.store.Update(ctx, code, func(tx *store.Tx) error {
		r := tx.Room
		if r.Status != domain.RoomActive {
			return nil
		}

		p := r.Participant(req.UserID)
		if p == nil || p.Status != domain.ParticipantDisconnected {
			return nil
		}

		slog.InfoContext(ctx, "room: participant reconnected", "room", code, "participant", p.ID)
		return p.SetStatus(domain.ParticipantPlaying)
	})
}

// ReapIdle marks playing participants that stopped polling as disconnected and returns how many were marked.
func (s *Service) ReapIdle(ctx context.Context, code string) (int, error) {
	r, err := s.store.Get(ctx, code)
	if err != nil {
		return 0, err
	}
	if r.Status != domain.RoomActive {
		return 0, nil
	}

	seen, err := s.store.LastSeen(ctx, code)
	if err != nil {
		return 0, err
	}

	now := s.now()
	idle := func(r *domain.Room, p domain.Participant) bool {
		last := p.JoinedAt
		if r.Session != nil && r.Session.StartedAt.After(last) {
			last = r.Session.StartedAt
		}
		if t, ok := seen[p.ID]; ok && t.After(last) {
			last = t
		}
		return p.Status == domain.ParticipantPlaying && now.Sub(last) >= s.idleAfter
	}

	candidates := 0
	for _, p := range r.Participants {
		if idle(r, p) {
			candidates++
		}
	}
	if candidates == 0 {
		return 0, nil
	}

	var reaped []string
	_, err = s.store.Update(ctx, code, func(tx *store.Tx) error {
		r := tx.Room
		reaped = reaped[:0]
		if r.Status != domain.RoomActive {
			return nil
		}

		for i := range r.Participants {
			p := &r.Participants[i]
			if !idle(r, *p) {
				continue
			}
			if err := p.SetStatus(domain.ParticipantDisconnected); err != nil {
				return err
			}
			reaped = append(reaped, p.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(reaped) > 0 {
		slog.InfoContext(ctx, "room: participants disconnected", "room", code, "participants", reaped)
	}

	return len(reaped), nil
}

func newParticipant(u domain.User, now time.Time) domain.Participant {
	name := strings.TrimSpace(u.Name)
	if name == "" {
		name = u.ID
	}

	return domain.Participant{
		ID:       uuid.Must(uuid.NewV7()).String(),
		UserID:   u.ID,
		Name:     name,
		Status:   domain.ParticipantJoined,
		JoinedAt: now,
	}
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
