package store

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
)

const (
	defaultMaxRetries = 16
	seenTTL           = 25 * time.Hour
)

// ErrCodeTaken is returned by Create when another room already holds the code.
var ErrCodeTaken = stderrors.New("store: room code already taken")

type Config struct {
	Redis      redis.UniversalClient
	Prefix     string
	MaxRetries int
}

// Store keeps room aggregates in Redis. A room, its settings, participants and session live in one JSON
// document. Answers live in a hash next to it, so that the (participant, question) uniqueness is enforced
// by HSETNX. Every read-modify-write goes through Update, which uses WATCH/MULTI optimistic locking.
type Store struct {
	redis      redis.UniversalClient
	prefix     string
	maxRetries int
}

func New(c Config) *Store {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	return &Store{
		redis:      c.Redis,
		prefix:     c.Prefix,
		maxRetries: c.MaxRetries,
	}
}

// Create inserts a new room. It fails with ErrCodeTaken if the code is in use.
func (s *Store) Create(ctx context.Context, r *domain.Room) error {
	key := s.roomKey(r.Code)

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal room %s: %w", r.Code, err)
	}

	err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrCodeTaken
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.SAdd(ctx, s.roomsKey(), r.Code)
			return nil
		})
		return err
	}, key)
	if stderrors.Is(err, redis.TxFailedErr) {
		return ErrCodeTaken
	}

	return err
}

// Get loads a room by its normalized code.
func (s *Store) Get(ctx context.Context, code string) (*domain.Room, error) {
	b, err := s.redis.Get(ctx, s.roomKey(code)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, notFound(code)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get room %s: %w", code, err)
	}

	return decodeRoom(code, b)
}

// Answers lists the answers recorded for a question, or for every question when index is negative.
func (s *Store) Answers(ctx context.Context, code string, index int) ([]domain.Answer, error) {
	m, err := s.redis.HGetAll(ctx, s.answersKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list answers %s: %w", code, err)
	}

	return decodeAnswers(m, index)
}

// Codes lists every known room code.
func (s *Store) Codes(ctx context.Context) ([]string, error) {
	codes, err := s.redis.SMembers(ctx, s.roomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}

	slices.Sort(codes)
	return codes, nil
}

// Due lists the rooms whose next time-based progression step is at or before now.
func (s *Store) Due(ctx context.Context, now time.Time) ([]string, error) {
	codes, err := s.redis.ZRangeByScore(ctx, s.deadlinesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: due rooms: %w", err)
	}

	return codes, nil
}

// Forget drops the index entries of a room whose document no longer exists.
func (s *Store) Forget(ctx context.Context, code string) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, s.roomsKey(), code)
		p.ZRem(ctx, s.deadlinesKey(), code)
		p.Del(ctx, s.answersKey(code), s.seenKey(code))
		return nil
	})
	return err
}

// Touch records that a participant polled the room.
func (s *Store) Touch(ctx context.Context, code, participantID string, now time.Time) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.seenKey(code), redis.Z{Score: float64(now.UnixMilli()), Member: participantID})
		p.Expire(ctx, s.seenKey(code), seenTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: touch %s/%s: %w", code, participantID, err)
	}

	return nil
}

// LastSeen returns the last poll time of every participant that polled the room.
func (s *Store) LastSeen(ctx context.Context, code string) (map[string]time.Time, error) {
	zs, err := s.redis.ZRangeWithScores(ctx, s.seenKey(code), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: last seen %s: %w", code, err)
	}

	seen := make(map[string]time.Time, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		seen[id] = time.UnixMilli(int64(z.Score))
	}

	return seen, nil
}

// Tx is the unit of work handed to Update callbacks. Mutate Room in place, record answers with
// InsertAnswer or drop the whole room with Delete. The callback may run several times when a
// concurrent writer wins the race, so it must not leak side effects.
type Tx struct {
	Room *domain.Room

	ctx     context.Context
	tx      *redis.Tx
	s       *Store
	answers []domain.Answer
	loaded  bool
	inserts []domain.Answer
	deleted bool
}

// Answers reads answers under the transaction's watch, including the ones inserted by this Tx.
func (t *Tx) Answers(index int) ([]domain.Answer, error) {
	if !t.loaded {
		m, err := t.tx.HGetAll(t.ctx, t.s.answersKey(t.Room.Code)).Result()
		if err != nil {
			return nil, fmt.Errorf("store: list answers %s: %w", t.Room.Code, err)
		}

		all, err := decodeAnswers(m, -1)
		if err != nil {
			return nil, err
		}
		t.answers, t.loaded = all, true
	}

	var out []domain.Answer
	for _, a := range append(slices.Clone(t.answers), t.inserts...) {
		if index < 0 || a.QuestionIndex == index {
			out = append(out, a)
		}
	}

	return out, nil
}

func (t *Tx) InsertAnswer(a domain.Answer) {
	t.inserts = append(t.inserts, a)
}

// Delete purges the room with its answers, heartbeats and index entries.
func (t *Tx) Delete() {
	t.deleted = true
}

// Update runs fn against the latest version of the room and commits its changes atomically.
func (s *Store) Update(ctx context.Context, code string, fn func(tx *Tx) error) (*domain.Room, error) {
	key, akey := s.roomKey(code), s.answersKey(code)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var out *domain.Room

		err := s.redis.Watch(ctx, func(rtx *redis.Tx) error {
			before, err := rtx.Get(ctx, key).Bytes()
			if stderrors.Is(err, redis.Nil) {
				return notFound(code)
			}
			if err != nil {
				return fmt.Errorf("store: get room %s: %w", code, err)
			}

			r, err := decodeRoom(code, before)
			if err != nil {
				return err
			}

			t := &Tx{Room: r, ctx: ctx, tx: rtx, s: s}
			if err := fn(t); err != nil {
				return err
			}

			out, err = s.commit(ctx, rtx, t, before)
			return err
		}, key, akey)

		if stderrors.Is(err, redis.TxFailedErr) {
			slog.DebugContext(ctx, "store: optimistic transaction lost the race, retrying",
				"room", code,
				"attempt", attempt+1,
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		return out, nil
	}

	return nil, errors.New(errors.CodeAborted,
		errors.WithMessagef("room %s is too busy, try again", code))
}

func (s *Store) commit(ctx context.Context, rtx *redis.Tx, t *Tx, before []byte) (*domain.Room, error) {
	code := t.Room.Code

	if t.deleted {
		_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, s.roomKey(code), s.answersKey(code), s.seenKey(code))
			p.SRem(ctx, s.roomsKey(), code)
			p.ZRem(ctx, s.deadlinesKey(), code)
			return nil
		})
		return t.Room, err
	}

	if t.Room.Occupancy != len(t.Room.Participants) {
		return nil, errors.Internal(fmt.Errorf("store: room %s occupancy %d does not match %d participants",
			code, t.Room.Occupancy, len(t.Room.Participants)))
	}

	after, err := json.Marshal(t.Room)
	if err != nil {
		return nil, fmt.Errorf("store: marshal room %s: %w", code, err)
	}

	values := make([][]byte, 0, len(t.inserts))
	for _, a := range t.inserts {
		v, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("store: marshal answer: %w", err)
		}
		values = append(values, v)
	}

	var setnx []*redis.BoolCmd
	_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if !bytes.Equal(before, after) {
			p.Set(ctx, s.roomKey(code), after, 0)
		}

		if d, ok := t.Room.NextDeadline(); ok {
			p.ZAdd(ctx, s.deadlinesKey(), redis.Z{Score: float64(d.UnixMilli()), Member: code})
		} else {
			p.ZRem(ctx, s.deadlinesKey(), code)
		}

		for i, a := range t.inserts {
			setnx = append(setnx, p.HSetNX(ctx, s.answersKey(code), answerField(a.QuestionIndex, a.ParticipantID), values[i]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, c := range setnx {
		if !c.Val() {
			a := t.inserts[i]
			return nil, errors.New(errors.CodeAlreadyExists,
				errors.WithReason(errors.ReasonDuplicateAnswer),
				errors.WithMessagef("answer already submitted: room=%s participant=%s question=%d", code, a.ParticipantID, a.QuestionIndex))
		}
	}

	return t.Room, nil
}

func decodeRoom(code string, b []byte) (*domain.Room, error) {
	var r domain.Room
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("store: decode room %s: %w", code, err)
	}
	return &r, nil
}

func decodeAnswers(m map[string]string, index int) ([]domain.Answer, error) {
	out := make([]domain.Answer, 0, len(m))
	for field, v := range m {
		if index >= 0 && !strings.HasPrefix(field, strconv.Itoa(index)+":") {
			continue
		}

		var a domain.Answer
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("store: decode answer %s: %w", field, err)
		}
		out = append(out, a)
	}

	slices.SortFunc(out, func(a, b domain.Answer) int {
		if c := a.QuestionIndex - b.QuestionIndex; c != 0 {
			return c
		}
		return a.SubmittedAt.Compare(b.SubmittedAt)
	})

	return out, nil
}

func notFound(code string) error {
	return errors.New(errors.CodeNotFound, errors.WithMessagef("room not found: code=%s", code))
}

func answerField(index int, participantID string) string {
	return fmt.Sprintf("%d:%s", index, participantID)
}

// Room keys share a hash tag so that a room's keys land on the same slot.
func (s *Store) roomKey(code string) string {
	return fmt.Sprintf("%s:room:{%s}", s.prefix, code)
}

func (s *Store) answersKey(code string) string {
	return fmt.Sprintf("%s:room:{%s}:answers", s.prefix, code)
}

func (s *Store) seenKey(code string) string {
	return fmt.Sprintf("%s:room:{%s}:seen", s.prefix, code)
}

func (s *Store) roomsKey() string {
	return fmt.Sprintf("%s:rooms", s.prefix)
}

func (s *Store) deadlinesKey() string {
	return fmt.Sprintf("%s:deadlines", s.prefix)
}
