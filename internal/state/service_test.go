package state_test

import (
	"context"
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
	"github.com/victornm/etrivia/internal/game"
	"github.com/victornm/etrivia/internal/ratelimit"
	"github.com/victornm/etrivia/internal/room"
	"github.com/victornm/etrivia/internal/state"
	"github.com/victornm/etrivia/internal/store"
	"github.com/victornm/etrivia/internal/trivia"
)

func TestService_GetRoomState(t *testing.T) {
	type outputs struct {
		state *state.RoomState
		err   error
	}

	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture) state.GetRoomStateRequest
		assert  func(t *testing.T, f *fixture, out outputs)
	}{
		"waiting room": {
			arrange: func(t *testing.T, f *fixture) state.GetRoomStateRequest {
				code := f.waitingRoom(t)
				return state.GetRoomStateRequest{RoomCode: code, UserID: "u2"}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.NoError(t, out.err)
				st := out.state
				assert.Equal(t, domain.RoomWaiting, st.Room.Status)
				assert.Equal(t, "u1", st.Room.HostID)
				assert.Equal(t, f.clock.Now(), st.ServerTime)
				assert.Equal(t, int64(1500), st.PollIntervalMs)
				assert.Nil(t, st.Question)
				assert.Zero(t, st.TimeRemaining)

				require.Len(t, st.Participants, 2)
				assert.True(t, st.Participants[0].IsHost)
				assert.False(t, st.Participants[1].IsHost)
				assert.Equal(t, st.Participants[1].ID, st.ParticipantID)

				require.Len(t, st.Leaderboard, 2)
				assert.Nil(t, st.Leaderboard[0].Stats, "stats are shown once the game completes")
			},
		},

		"open question hides the answer": {
			arrange: func(t *testing.T, f *fixture) state.GetRoomStateRequest {
				code := f.activeRoom(t)
				f.clock.Add(12500 * time.Millisecond)
				f.submit(t, code, "u1", 0, "Sand")
				return state.GetRoomStateRequest{RoomCode: code, UserID: "u1"}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.NoError(t, out.err)
				st := out.state
				require.NotNil(t, st.Question)
				assert.Equal(t, 0, st.Question.Index)
				assert.Equal(t, 2, st.Question.Total)
				assert.Equal(t, "Question", st.Question.Prompt)
				assert.Equal(t, []string{"Sand", "Water"}, st.Question.Choices)
				assert.Empty(t, st.Question.CorrectAnswer)
				assert.Equal(t, "Sand", st.Question.MyChoice)
				assert.Nil(t, st.Results)
				assert.Equal(t, 18, st.TimeRemaining)
				require.NotNil(t, st.Deadline)

				assert.True(t, st.Participants[0].Answered)
				assert.False(t, st.Participants[1].Answered)
			},
		},

		"poll after the deadline closes the round": {
			arrange: func(t *testing.T, f *fixture) state.GetRoomStateRequest {
				code := f.activeRoom(t)
				f.submit(t, code, "u2", 0, "Water")
				f.clock.Add(45 * time.Second)
				return state.GetRoomStateRequest{RoomCode: code, UserID: "u1"}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.NoError(t, out.err)
				st := out.state
				assert.Equal(t, domain.SessionShowingResults, st.Question.Status)
				assert.Equal(t, "Water", st.Question.CorrectAnswer)
				assert.Zero(t, st.TimeRemaining)
				require.NotNil(t, st.NextQuestionAt)
				require.NotNil(t, st.Results)
				assert.Equal(t, "Water", st.Results.CorrectAnswer)

				assert.Equal(t, 10, st.Leaderboard[0].Score)
				assert.Equal(t, "u2", st.Leaderboard[0].Name)
				assert.Equal(t, 1, st.Leaderboard[0].Position)
				assert.Equal(t, 2, st.Leaderboard[1].Position)
			},
		},

		"completed game shows stats": {
			arrange: func(t *testing.T, f *fixture) state.GetRoomStateRequest {
				code := f.activeRoom(t)
				f.clock.Add(2 * time.Second)
				f.submit(t, code, "u1", 0, "Water")
				f.submit(t, code, "u2", 0, "Sand")
				f.clock.Add(5 * time.Second)
				_, err := f.game.Advance(context.Background(), game.AdvanceRequest{RoomCode: code, UserID: "u1", QuestionIndex: 0})
				require.NoError(t, err)
				f.clock.Add(4 * time.Second)
				f.submit(t, code, "u1", 1, "Water")
				f.submit(t, code, "u2", 1, "Water")
				return state.GetRoomStateRequest{RoomCode: code, UserID: "u2"}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.NoError(t, out.err)
				st := out.state
				assert.Equal(t, domain.RoomCompleted, st.Room.Status)
				require.NotNil(t, st.Results)

				first := st.Leaderboard[0]
				assert.Equal(t, "u1", first.Name)
				assert.Equal(t, 20, first.Score)
				require.NotNil(t, first.Stats)
				assert.Equal(t, "100.0", first.Stats.Accuracy)
				assert.Equal(t, int64(3000), *first.Stats.AvgResponseMs)

				second := st.Leaderboard[1]
				assert.Equal(t, "50.0", second.Stats.Accuracy)
				assert.Equal(t, 1, second.Stats.Incorrect)
			},
		},

		"stranger": {
			arrange: func(t *testing.T, f *fixture) state.GetRoomStateRequest {
				code := f.waitingRoom(t)
				return state.GetRoomStateRequest{RoomCode: code, UserID: "nobody"}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				assert.True(t, errors.HasReason(out.err, errors.ReasonNotParticipant))
			},
		},

		"unknown room": {
			arrange: func(t *testing.T, f *fixture) state.GetRoomStateRequest {
				return state.GetRoomStateRequest{RoomCode: "ZZZZZZ", UserID: "u1"}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				assert.True(t, errors.Is(out.err, errors.CodeNotFound))
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeFixture(t)
			req := tt.arrange(t, f)

			st, err := f.svc.GetRoomState(context.Background(), req)
			tt.assert(t, f, outputs{state: st, err: err})
		})
	}
}

func TestService_GetRoomState_RecordsHeartbeat(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()
	code := f.activeRoom(t)

	f.clock.Add(time.Second)
	st, err := f.svc.GetRoomState(ctx, state.GetRoomStateRequest{RoomCode: code, UserID: "u2"})
	require.NoError(t, err)

	seen, err := f.store.LastSeen(ctx, code)
	require.NoError(t, err)
	assert.WithinDuration(t, f.clock.Now(), seen[st.ParticipantID], 0)
}

type fakeSource struct{}

func (fakeSource) FetchQuestions(_ context.Context, req trivia.FetchRequest) ([]domain.Question, error) {
	qs := make([]domain.Question, 0, req.Amount)
	for range req.Amount {
		qs = append(qs, domain.Question{
			Prompt:        "Question",
			Difficulty:    domain.DifficultyEasy,
			CorrectAnswer: "Water",
			Choices:       []string{"Sand", "Water"},
		})
	}
	return qs, nil
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
	svc   *state.Service
	rooms *room.Service
	game  *game.Service
	store *store.Store
	clock *clock
}

func makeFixture(t *testing.T) *fixture {
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	t.Cleanup(func() { rc.Close() })

	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	f := &fixture{
		store: store.New(store.Config{Redis: rc, Prefix: "test"}),
		clock: &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.rooms = room.NewService(room.Config{
		Store:    f.store,
		Limiter:  ratelimit.New(ratelimit.Config{Redis: rc, Prefix: "test", Limit: 100, Window: time.Hour, Now: f.clock.Now}),
		EventBus: bus,
		Now:      f.clock.Now,
	})
	f.game = game.NewService(game.Config{
		Store:        f.store,
		Source:       fakeSource{},
		EventBus:     bus,
		ResultsDelay: 3 * time.Second,
		Now:          f.clock.Now,
	})
	f.svc = state.NewService(state.Config{
		Store:        f.store,
		Game:         f.game,
		Rooms:        f.rooms,
		PollInterval: 1500 * time.Millisecond,
		Now:          f.clock.Now,
	})

	return f
}

// waitingRoom creates a room hosted by u1 that u2 joined.
func (f *fixture) waitingRoom(t *testing.T) string {
	ctx := context.Background()

	r, err := f.rooms.CreateRoom(ctx, room.CreateRoomRequest{
		Host: domain.User{ID: "u1", Name: "u1"},
		Settings: domain.SettingsPatch{
			QuestionCount:   ptr(5),
			TimePerQuestion: ptr(30),
			Difficulty:      ptr(domain.DifficultyEasy),
		},
	})
	require.NoError(t, err)

	f.clock.Add(time.Millisecond)
	_, err = f.rooms.JoinRoom(ctx, room.JoinRoomRequest{RoomCode: r.Code, User: domain.User{ID: "u2", Name: "u2"}})
	require.NoError(t, err)

	return r.Code
}

// activeRoom starts a two-question game in a fresh room.
func (f *fixture) activeRoom(t *testing.T) string {
	code := f.waitingRoom(t)

	_, err := f.store.Update(context.Background(), code, func(tx *store.Tx) error {
		tx.Room.Settings.QuestionCount = 2
		return nil
	})
	require.NoError(t, err)

	_, err = f.game.StartGame(context.Background(), game.StartGameRequest{RoomCode: code, UserID: "u1"})
	require.NoError(t, err)
	return code
}

func (f *fixture) submit(t *testing.T, code, user string, index int, choice string) {
	_, err := f.game.SubmitAnswer(context.Background(), game.SubmitAnswerRequest{
		RoomCode:      code,
		UserID:        user,
		QuestionIndex: index,
		Choice:        choice,
	})
	require.NoError(t, err)
}

func ptr[T any](v T) *T { return &v }
