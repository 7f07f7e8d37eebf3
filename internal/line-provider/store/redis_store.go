package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

// transitionAttempts bounds how often a settlement re-reads the event after
// its stored value changed between read and swap.
const transitionAttempts = 3

// swapField replaces one hash field only if it still holds the value that was
// read. Returns 1 on swap, 0 when the value changed, -1 when the field is gone.
var swapField = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
	return -1
end
if cur ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// NewEvent is the create payload. A nil Deadline means now + MinDuration.
type NewEvent struct {
	Coefficient float64 `json:"coefficient" validate:"gt=0,lt=30"`
	Deadline    *int64  `json:"deadline,omitempty"`
}

// RedisStore keeps the event catalog as JSON values in one Redis hash,
// keyed by event id. Ids come from INCR on a separate counter key.
type RedisStore struct {
	Log         *zap.Logger
	Client      *redis.Client
	HashName    string
	MaxIDKey    string
	MinDuration time.Duration
	Now         func() time.Time

	OnOp func(op string, err error) // metrics
}

// NewRedisStore builds a store with the wall clock.
func NewRedisStore(c *redis.Client, log *zap.Logger, hashName, maxIDKey string, minDuration time.Duration) *RedisStore {
	return &RedisStore{
		Log:         log,
		Client:      c,
		HashName:    hashName,
		MaxIDKey:    maxIDKey,
		MinDuration: minDuration,
		Now:         time.Now,
	}
}

// Create assigns the next id and stores the event in state NEW.
func (s *RedisStore) Create(ctx context.Context, in NewEvent) (events.Event, error) {
	now := s.Now().Unix()
	deadline := now + int64(s.MinDuration/time.Second)
	if in.Deadline != nil {
		deadline = *in.Deadline
	}
	if err := validateNew(in.Coefficient, deadline, now); err != nil {
		return events.Event{}, err
	}

	var ev events.Event
	err := s.withConn(ctx, "create", func(tx *redis.Tx) error {
		id, err := tx.Incr(ctx, s.MaxIDKey).Result()
		if err != nil {
			return err
		}
		ev = events.Event{
			EventID:     id,
			Coefficient: in.Coefficient,
			Deadline:    deadline,
			State:       events.StateNew,
			CreateDate:  now,
			UpdateDate:  now,
		}
		return s.put(ctx, tx, ev)
	})
	if err != nil {
		return events.Event{}, err
	}
	s.Log.Info("event created", zap.Int64("event_id", ev.EventID), zap.Float64("coefficient", ev.Coefficient), zap.Int64("deadline", ev.Deadline))
	return ev, nil
}

// Get returns the event or apperr.ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id int64) (events.Event, error) {
	var ev events.Event
	err := s.withConn(ctx, "get", func(tx *redis.Tx) error {
		var err error
		ev, err = s.load(ctx, tx, id)
		return err
	})
	return ev, err
}

// List returns every stored event ordered by id.
func (s *RedisStore) List(ctx context.Context) ([]events.Event, error) {
	out := []events.Event{}
	err := s.withConn(ctx, "list", func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, s.HashName).Result()
		if err != nil {
			return err
		}
		for field, val := range raw {
			var ev events.Event
			if err := json.Unmarshal([]byte(val), &ev); err != nil {
				return fmt.Errorf("%w: event %s: %v", apperr.ErrInternal, field, err)
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

// Transition moves a NEW event to a terminal state. The new value is
// swapped in only if the event's field is unchanged since it was read, so of
// two concurrent settlements only one commits; the loser re-reads a terminal
// state and fails. Writes to other events never conflict.
func (s *RedisStore) Transition(ctx context.Context, id int64, to events.EventState) (events.Event, error) {
	if !to.IsTerminal() {
		return events.Event{}, fmt.Errorf("%w: target state %d is not terminal", apperr.ErrInvalidTransition, to)
	}

	var ev events.Event
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		swapped := false
		err := s.withConn(ctx, "transition", func(tx *redis.Tx) error {
			raw, cur, err := s.loadRaw(ctx, tx, id)
			if err != nil {
				return err
			}
			if !events.CanTransition(cur.State, to) {
				return fmt.Errorf("%w: event %d is %s", apperr.ErrInvalidTransition, id, cur.State)
			}
			cur.State = to
			cur.UpdateDate = s.Now().Unix()

			b, err := json.Marshal(cur)
			if err != nil {
				return err
			}
			res, err := swapField.Run(ctx, tx, []string{s.HashName}, field(id), raw, string(b)).Int()
			if err != nil {
				return err
			}
			switch res {
			case -1:
				return fmt.Errorf("event %d: %w", id, apperr.ErrNotFound)
			case 1:
				swapped = true
				ev = cur
			}
			return nil
		})
		if err != nil {
			return events.Event{}, err
		}
		if swapped {
			s.Log.Info("event settled", zap.Int64("event_id", id), zap.String("state", to.String()))
			return ev, nil
		}
		s.Log.Debug("event changed before swap, re-reading", zap.Int64("event_id", id), zap.Int("attempt", attempt+1))
	}
	return events.Event{}, fmt.Errorf("%w: event %d kept changing during settlement", apperr.ErrStorageUnavailable, id)
}

// Delete removes the event and reports whether it existed.
func (s *RedisStore) Delete(ctx context.Context, id int64) (bool, error) {
	var removed bool
	err := s.withConn(ctx, "delete", func(tx *redis.Tx) error {
		n, err := tx.HDel(ctx, s.HashName, field(id)).Result()
		removed = n > 0
		return err
	})
	return removed, err
}

// Ping is used by the health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

// withConn pins one pooled connection for the duration of fn and releases it
// on every exit path.
func (s *RedisStore) withConn(ctx context.Context, op string, fn func(tx *redis.Tx) error) error {
	s.Log.Debug("redis connection acquired", zap.String("op", op))
	err := s.Client.Watch(ctx, fn)
	s.Log.Debug("redis connection released", zap.String("op", op))

	err = classify(op, err)
	if s.OnOp != nil {
		s.OnOp(op, err)
	}
	return err
}

// classify keeps domain errors as they are and turns everything coming from
// the transport into ErrStorageUnavailable.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrInvalidTransition),
		errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrInternal):
		return err
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: redis %s: %v", apperr.ErrInternal, op, err)
	}
	return fmt.Errorf("%w: redis %s: %v", apperr.ErrStorageUnavailable, op, err)
}

func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, id int64) (events.Event, error) {
	_, ev, err := s.loadRaw(ctx, tx, id)
	return ev, err
}

// loadRaw also returns the stored JSON, which Transition swaps against.
func (s *RedisStore) loadRaw(ctx context.Context, tx *redis.Tx, id int64) (string, events.Event, error) {
	val, err := tx.HGet(ctx, s.HashName, field(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", events.Event{}, fmt.Errorf("event %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return "", events.Event{}, err
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(val), &ev); err != nil {
		return "", events.Event{}, fmt.Errorf("%w: event %d: %v", apperr.ErrInternal, id, err)
	}
	return val, ev, nil
}

func (s *RedisStore) put(ctx context.Context, tx *redis.Tx, ev events.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return tx.HSet(ctx, s.HashName, field(ev.EventID), b).Err()
}

func validateNew(coefficient float64, deadline, now int64) error {
	if coefficient <= 0 || coefficient >= 30 {
		return fmt.Errorf("%w: coefficient must be in (0, 30), got %v", apperr.ErrValidation, coefficient)
	}
	if deadline <= events.MinDeadlineEpoch {
		return fmt.Errorf("%w: deadline must be after %d", apperr.ErrValidation, events.MinDeadlineEpoch)
	}
	if deadline <= now {
		return fmt.Errorf("%w: deadline must be in the future", apperr.ErrValidation)
	}
	return nil
}

func field(id int64) string { return strconv.FormatInt(id, 10) }
