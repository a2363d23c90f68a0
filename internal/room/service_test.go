package room_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
	"github.com/victornm/etrivia/internal/event"
	"github.com/victornm/etrivia/internal/ratelimit"
	"github.com/victornm/etrivia/internal/room"
	"github.com/victornm/etrivia/internal/store"
)

func TestService_CreateRoom(t *testing.T) {
	type (
		inputs struct {
			req room.CreateRoomRequest
		}

		outputs struct {
			room *domain.Room
			err  error
		}
	)

	alice := domain.User{ID: "u1", Name: "alice"}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, f *fixture, out outputs)
	}{
		"defaults": {
			arrange: func() inputs {
				return inputs{req: room.CreateRoomRequest{Host: alice}}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.NoError(t, out.err)
				r := out.room
				assert.True(t, domain.ValidCode(r.Code))
				assert.Equal(t, "u1", r.HostID)
				assert.Equal(t, domain.DefaultCapacity, r.Capacity)
				assert.Equal(t, 1, r.Occupancy)
				assert.Equal(t, domain.RoomWaiting, r.Status)
				assert.Equal(t, domain.DefaultSettings(), r.Settings)
				assert.Equal(t, f.clock.Now().Add(24*time.Hour), r.ExpiresAt)

				require.Len(t, r.Participants, 1)
				assert.Equal(t, domain.ParticipantJoined, r.Participants[0].Status)
				assert.Equal(t, 0, r.Participants[0].Score)

				got, err := f.store.Get(context.Background(), r.Code)
				require.NoError(t, err)
				assert.Equal(t, r.Code, got.Code)
			},
		},

		"custom capacity and settings": {
			arrange: func() inputs {
				return inputs{req: room.CreateRoomRequest{
					Host:     alice,
					Capacity: ptr(4),
					Settings: domain.SettingsPatch{QuestionCount: ptr(5), Difficulty: ptr(domain.DifficultyHard)},
				}}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, 4, out.room.Capacity)
				assert.Equal(t, 5, out.room.Settings.QuestionCount)
				assert.Equal(t, domain.DifficultyHard, out.room.Settings.Difficulty)
			},
		},

		"every invalid field is reported": {
			arrange: func() inputs {
				return inputs{req: room.CreateRoomRequest{
					Host:     alice,
					Capacity: ptr(21),
					Settings: domain.SettingsPatch{QuestionCount: ptr(4), TimePerQuestion: ptr(61)},
				}}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeInvalidArgument))

				var fields []string
				for _, d := range errors.Convert(out.err).Details {
					fields = append(fields, d.Field)
				}
				assert.ElementsMatch(t, []string{"capacity", "question_count", "time_per_question"}, fields)

				codes, err := f.store.Codes(context.Background())
				require.NoError(t, err)
				assert.Empty(t, codes)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeFixture(t)
			in := tt.arrange()

			r, err := f.svc.CreateRoom(context.Background(), in.req)
			tt.assert(t, f, outputs{room: r, err: err})
		})
	}
}

func TestService_CreateRoom_RateLimited(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()
	host := domain.User{ID: "u1", Name: "alice"}

	for i := range 5 {
		f.clock.Add(time.Minute)
		_, err := f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: host})
		require.NoError(t, err, "room %d", i+1)
	}

	_, err := f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: host})
	assert.True(t, errors.HasReason(err, errors.ReasonRateLimited))
	assert.True(t, errors.Convert(err).Retryable())

	_, err = f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: domain.User{ID: "u2"}})
	assert.NoError(t, err, "other hosts are not affected")

	f.clock.Add(time.Hour)
	_, err = f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: host})
	assert.NoError(t, err, "window rolled over")
}

func TestService_CreateRoom_CodeCollision(t *testing.T) {
	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	var i int
	f := makeFixture(t, func(c *room.Config) {
		c.NewCode = func() string {
			code := codes[min(i, len(codes)-1)]
			i++
			return code
		}
	})
	ctx := context.Background()

	r1, err := f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: domain.User{ID: "u1"}})
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", r1.Code)

	r2, err := f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: domain.User{ID: "u2"}})
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", r2.Code)

	// every further attempt collides
	_, err = f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: domain.User{ID: "u3"}})
	assert.True(t, errors.Is(err, errors.CodeInternal))
	assert.Equal(t, 3+10, i)
}

func TestService_CreateRoom_FailureReleasesRateLimitSlot(t *testing.T) {
	collide := true
	var n int
	f := makeFixture(t, func(c *room.Config) {
		c.NewCode = func() string {
			if collide {
				return "AAAAAA"
			}
			n++
			return strings.Repeat(string(domain.CodeAlphabet[n]), domain.CodeLength)
		}
	})
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &domain.Room{Code: "AAAAAA", HostID: "someone", Status: domain.RoomWaiting}))

	host := domain.User{ID: "u1", Name: "alice"}
	for range 6 {
		_, err := f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: host})
		require.True(t, errors.Is(err, errors.CodeInternal), "got %v", err)
	}

	collide = false
	for i := range 5 {
		_, err := f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: host})
		require.NoError(t, err, "room %d", i+1)
	}

	_, err := f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: host})
	assert.True(t, errors.HasReason(err, errors.ReasonRateLimited))
}

func TestService_JoinRoom(t *testing.T) {
	type outputs struct {
		room *domain.Room
		err  error
	}

	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture) room.JoinRoomRequest
		assert  func(t *testing.T, f *fixture, out outputs)
	}{
		"code is normalized": {
			arrange: func(t *testing.T, f *fixture) room.JoinRoomRequest {
				r := f.createRoom(t, "u1")
				return room.JoinRoomRequest{RoomCode: "  " + strings.ToLower(r.Code) + " ", User: domain.User{ID: "u2", Name: "bob"}}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, 2, out.room.Occupancy)
				assert.Equal(t, "bob", out.room.Participants[1].Name)
				assert.Equal(t, domain.ParticipantJoined, out.room.Participants[1].Status)
			},
		},

		"malformed code": {
			arrange: func(t *testing.T, f *fixture) room.JoinRoomRequest {
				return room.JoinRoomRequest{RoomCode: "ABC0O1", User: domain.User{ID: "u2"}}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				assert.True(t, errors.Is(out.err, errors.CodeInvalidArgument))
			},
		},

		"unknown room": {
			arrange: func(t *testing.T, f *fixture) room.JoinRoomRequest {
				return room.JoinRoomRequest{RoomCode: "ZZZZZZ", User: domain.User{ID: "u2"}}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				assert.True(t, errors.Is(out.err, errors.CodeNotFound))
			},
		},

		"already joined": {
			arrange: func(t *testing.T, f *fixture) room.JoinRoomRequest {
				r := f.createRoom(t, "u1")
				return room.JoinRoomRequest{RoomCode: r.Code, User: domain.User{ID: "u1"}}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				assert.True(t, errors.Is(out.err, errors.CodeFailedPrecondition))
			},
		},

		"expired": {
			arrange: func(t *testing.T, f *fixture) room.JoinRoomRequest {
				r := f.createRoom(t, "u1")
				f.clock.Add(25 * time.Hour)
				return room.JoinRoomRequest{RoomCode: r.Code, User: domain.User{ID: "u2"}}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				assert.True(t, errors.Is(out.err, errors.CodeFailedPrecondition))
			},
		},

		"full": {
			arrange: func(t *testing.T, f *fixture) room.JoinRoomRequest {
				r, err := f.svc.CreateRoom(context.Background(), room.CreateRoomRequest{Host: domain.User{ID: "u1"}, Capacity: ptr(2)})
				require.NoError(t, err)
				f.join(t, r.Code, "u2")
				return room.JoinRoomRequest{RoomCode: r.Code, User: domain.User{ID: "u3"}}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				assert.True(t, errors.Is(out.err, errors.CodeResourceExhausted))
				assert.True(t, errors.HasReason(out.err, errors.ReasonRoomFull))
				assert.False(t, errors.Convert(out.err).Retryable())
			},
		},

		"game already started": {
			arrange: func(t *testing.T, f *fixture) room.JoinRoomRequest {
				r := f.activeRoom(t, "u1", "u2")
				return room.JoinRoomRequest{RoomCode: r.Code, User: domain.User{ID: "u3"}}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				assert.True(t, errors.HasReason(out.err, errors.ReasonStaleState))
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeFixture(t)
			req := tt.arrange(t, f)

			r, err := f.svc.JoinRoom(context.Background(), req)
			tt.assert(t, f, outputs{room: r, err: err})
		})
	}
}

func TestService_JoinRoom_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	r, err := f.svc.CreateRoom(ctx, room.CreateRoomRequest{Host: domain.User{ID: "host"}, Capacity: ptr(4)})
	require.NoError(t, err)

	const joiners = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		full    int
		unknown []error
	)
	for i := range joiners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.JoinRoom(ctx, room.JoinRoomRequest{RoomCode: r.Code, User: domain.User{ID: string(rune('a' + i))}})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.HasReason(err, errors.ReasonRoomFull):
				full++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, unknown)
	assert.Equal(t, 3, ok)
	assert.Equal(t, joiners-3, full)

	got, err := f.store.Get(ctx, r.Code)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Occupancy)
	assert.Len(t, got.Participants, 4)
}

func TestService_LeaveRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("host leaving a waiting room hands over to the earliest joined", func(t *testing.T) {
		f := makeFixture(t)
		r := f.createRoom(t, "u1")
		f.clock.Add(time.Second)
		f.join(t, r.Code, "u2")
		f.clock.Add(time.Second)
		f.join(t, r.Code, "u3")

		resp, err := f.svc.LeaveRoom(ctx, room.LeaveRoomRequest{RoomCode: r.Code, UserID: "u1"})
		require.NoError(t, err)
		assert.False(t, resp.Purged)
		assert.Equal(t, "u2", resp.Room.HostID)
		assert.Equal(t, 2, resp.Room.Occupancy)
		assert.Equal(t, domain.RoomWaiting, resp.Room.Status)
	})

	t.Run("host leaving a running game cancels it", func(t *testing.T) {
		f := makeFixture(t)
		r := f.activeRoom(t, "u1", "u2", "u3")

		resp, err := f.svc.LeaveRoom(ctx, room.LeaveRoomRequest{RoomCode: r.Code, UserID: "u1"})
		require.NoError(t, err)
		assert.True(t, resp.Cancelled)
		assert.Equal(t, domain.RoomCancelled, resp.Room.Status)
		assert.Equal(t, domain.SessionCompleted, resp.Room.Session.Status)
		for _, p := range resp.Room.Participants {
			assert.Equal(t, domain.ParticipantFinished, p.Status)
		}

		select {
		case e := <-f.ended:
			assert.Equal(t, domain.RoomCancelled, e.Room.Status)
			require.Len(t, e.Room.Participants, 3, "the departed host keeps a result")
			for _, p := range e.Room.Participants {
				assert.Equal(t, domain.ParticipantFinished, p.Status)
			}
			assert.NotNil(t, e.Room.Participant("u1"))
		case <-time.After(time.Second):
			t.Fatal("game ended event was not published")
		}
		assert.Len(t, resp.Room.Participants, 2)
	})

	t.Run("non-host leaving a running game keeps it going", func(t *testing.T) {
		f := makeFixture(t)
		r := f.activeRoom(t, "u1", "u2", "u3")

		resp, err := f.svc.LeaveRoom(ctx, room.LeaveRoomRequest{RoomCode: r.Code, UserID: "u3"})
		require.NoError(t, err)
		assert.False(t, resp.Cancelled)
		assert.Equal(t, domain.RoomActive, resp.Room.Status)
		assert.Equal(t, 2, resp.Room.Occupancy)
	})

	t.Run("last participant leaving purges the room", func(t *testing.T) {
		f := makeFixture(t)
		r := f.createRoom(t, "u1")

		resp, err := f.svc.LeaveRoom(ctx, room.LeaveRoomRequest{RoomCode: r.Code, UserID: "u1"})
		require.NoError(t, err)
		assert.True(t, resp.Purged)

		_, err = f.store.Get(ctx, r.Code)
		assert.True(t, errors.Is(err, errors.CodeNotFound))
		codes, err := f.store.Codes(ctx)
		require.NoError(t, err)
		assert.Empty(t, codes)
	})

	t.Run("stranger", func(t *testing.T) {
		f := makeFixture(t)
		r := f.createRoom(t, "u1")

		_, err := f.svc.LeaveRoom(ctx, room.LeaveRoomRequest{RoomCode: r.Code, UserID: "nobody"})
		assert.True(t, errors.HasReason(err, errors.ReasonNotParticipant))
	})
}

func TestService_UpdateSettings(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)
	r := f.createRoom(t, "u1")
	f.join(t, r.Code, "u2")

	_, err := f.svc.UpdateSettings(ctx, room.UpdateSettingsRequest{
		RoomCode: r.Code,
		UserID:   "u2",
		Patch:    domain.SettingsPatch{QuestionCount: ptr(20)},
	})
	assert.True(t, errors.HasReason(err, errors.ReasonNotHost))

	_, err = f.svc.UpdateSettings(ctx, room.UpdateSettingsRequest{
		RoomCode: r.Code,
		UserID:   "u1",
		Patch:    domain.SettingsPatch{QuestionCount: ptr(20), TimePerQuestion: ptr(5)},
	})
	require.True(t, errors.Is(err, errors.CodeInvalidArgument))
	assert.Equal(t, "time_per_question", errors.Convert(err).Details[0].Field)

	got, err := f.store.Get(ctx, r.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultQuestionCount, got.Settings.QuestionCount, "invalid patch applies nothing")

	updated, err := f.svc.UpdateSettings(ctx, room.UpdateSettingsRequest{
		RoomCode: r.Code,
		UserID:   "u1",
		Patch:    domain.SettingsPatch{QuestionCount: ptr(20), Category: ptr(18)},
	})
	require.NoError(t, err)
	assert.Equal(t, 20, updated.Settings.QuestionCount)
	assert.Equal(t, 18, *updated.Settings.Category)
	assert.Equal(t, domain.DefaultTimePerQuestion, updated.Settings.TimePerQuestion)

	active := f.activeRoom(t, "h1", "h2")
	_, err = f.svc.UpdateSettings(ctx, room.UpdateSettingsRequest{
		RoomCode: active.Code,
		UserID:   "h1",
		Patch:    domain.SettingsPatch{QuestionCount: ptr(20)},
	})
	assert.True(t, errors.HasReason(err, errors.ReasonStaleState))
}

func TestService_SetReady(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)
	r := f.createRoom(t, "u1")
	f.join(t, r.Code, "u2")

	got, err := f.svc.SetReady(ctx, room.SetReadyRequest{RoomCode: r.Code, UserID: "u2", Ready: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantReady, got.Participant("u2").Status)

	got, err = f.svc.SetReady(ctx, room.SetReadyRequest{RoomCode: r.Code, UserID: "u2", Ready: false})
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantJoined, got.Participant("u2").Status)

	_, err = f.svc.SetReady(ctx, room.SetReadyRequest{RoomCode: r.Code, UserID: "u9", Ready: true})
	assert.True(t, errors.Is(err, errors.CodePermissionDenied))
}

func TestService_HeartbeatAndReapIdle(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t, func(c *room.Config) { c.IdleAfter = time.Minute })
	r := f.activeRoom(t, "u1", "u2")

	f.clock.Add(30 * time.Second)
	_, err := f.svc.Heartbeat(ctx, room.HeartbeatRequest{RoomCode: r.Code, UserID: "u1"})
	require.NoError(t, err)

	f.clock.Add(45 * time.Second)
	n, err := f.svc.ReapIdle(ctx, r.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the participant that never polled is idle")

	got, err := f.store.Get(ctx, r.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantPlaying, got.Participant("u1").Status)
	assert.Equal(t, domain.ParticipantDisconnected, got.Participant("u2").Status)
	assert.Equal(t, 1, got.PlayingCount())

	got, err = f.svc.Heartbeat(ctx, room.HeartbeatRequest{RoomCode: r.Code, UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantPlaying, got.Participant("u2").Status, "polling again reconnects")

	_, err = f.svc.Heartbeat(ctx, room.HeartbeatRequest{RoomCode: r.Code, UserID: "stranger"})
	assert.True(t, errors.Is(err, errors.CodePermissionDenied))

	waiting := f.createRoom(t, "w1")
	f.clock.Add(time.Hour)
	n, err = f.svc.ReapIdle(ctx, waiting.Code)
	require.NoError(t, err)
	assert.Zero(t, n, "only running games are reaped")
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *room.Service
	store *store.Store
	clock *clock
	ended chan domain.EventGameEnded
}

func makeFixture(t *testing.T, opts ...func(*room.Config)) *fixture {
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	t.Cleanup(func() { rc.Close() })

	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	ended := make(chan domain.EventGameEnded, 4)
	bus.Subscribe(domain.EventNameGameEnded, func(_ context.Context, e event.Event) error {
		ended <- e.(domain.EventGameEnded)
		return nil
	})

	clk := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := store.New(store.Config{Redis: rc, Prefix: "test", MaxRetries: 64})

	c := room.Config{
		Store: st,
		Limiter: ratelimit.New(ratelimit.Config{
			Redis:  rc,
			Prefix: "test",
			Limit:  5,
			Window: time.Hour,
			Now:    clk.Now,
		}),
		EventBus: bus,
		Now:      clk.Now,
	}
	for _, opt := range opts {
		opt(&c)
	}

	return &fixture{svc: room.NewService(c), store: st, clock: clk, ended: ended}
}

func (f *fixture) createRoom(t *testing.T, host string) *domain.Room {
	r, err := f.svc.CreateRoom(context.Background(), room.CreateRoomRequest{Host: domain.User{ID: host, Name: host}})
	require.NoError(t, err)
	return r
}

func (f *fixture) join(t *testing.T, code, user string) {
	_, err := f.svc.JoinRoom(context.Background(), room.JoinRoomRequest{RoomCode: code, User: domain.User{ID: user, Name: user}})
	require.NoError(t, err)
}

// activeRoom creates a room hosted by the first user, joins the others and starts a one-question game.
func (f *fixture) activeRoom(t *testing.T, users ...string) *domain.Room {
	r := f.createRoom(t, users[0])
	for _, u := range users[1:] {
		f.clock.Add(time.Millisecond)
		f.join(t, r.Code, u)
	}

	r, err := f.store.Update(context.Background(), r.Code, func(tx *store.Tx) error {
		return tx.Room.Start(&domain.GameSession{
			ID:        "s1",
			Questions: []domain.Question{{Prompt: "2+2?", CorrectAnswer: "4", Choices: []string{"3", "4"}, Difficulty: domain.DifficultyEasy}},
		}, f.clock.Now())
	})
	require.NoError(t, err)
	return r
}

func ptr[T any](v T) *T { return &v }
