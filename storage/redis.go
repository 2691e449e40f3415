package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/careflow/types"
)

const (
	templatePrefix = "template:"
	instancePrefix = "instance:"
	dispatchPrefix = "dispatch:"
	cancelPrefix   = "cancel:"
	templateSetKey = "templates"
	dueSetKey      = "due"

	// casAttempts bounds optimistic retries when a watched key changes under a transaction.
	casAttempts = 16
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
//
// Templates and instances are stored as JSON strings. Waiting instances are
// indexed in a sorted set scored by wake time, so due instances can be found
// without scanning.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

var _ Storage = (*RedisStorage)(nil)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	Prefix       string // key prefix, e.g. "careflow:"
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, prefix: opts.Prefix}, nil
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (s *RedisStorage) instanceKey(id uint64) string {
	return s.key(instancePrefix, strconv.FormatUint(id, 10))
}

func (s *RedisStorage) cancelKey(id uint64) string {
	return s.key(cancelPrefix, strconv.FormatUint(id, 10))
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value stored under key.
func getFromRedis[T any](ctx context.Context, client stringGetter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveTemplate saves a template to Redis.
func (s *RedisStorage) SaveTemplate(ctx context.Context, tpl types.Template) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(tpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template %s: %w", tpl.ID, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(templatePrefix, tpl.ID), data, 0)
			pipe.SAdd(ctx, s.key(templateSetKey), tpl.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save template %s: %w", tpl.ID, err)
		}
		return nil
	})
}

// GetTemplate retrieves a template from Redis.
func (s *RedisStorage) GetTemplate(ctx context.Context, id string) (types.Template, error) {
	return getFromRedis[types.Template](ctx, s.client, s.key(templatePrefix, id), ErrTemplateNotFound)
}

// ListTemplates returns all templates ordered by ID.
func (s *RedisStorage) ListTemplates(ctx context.Context) ([]types.Template, error) {
	return withContext(ctx, func() ([]types.Template, error) {
		ids, err := s.client.SMembers(ctx, s.key(templateSetKey)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list templates: %w", err)
		}
		sort.Strings(ids)

		out := make([]types.Template, 0, len(ids))
		for _, id := range ids {
			tpl, err := s.GetTemplate(ctx, id)
			if errors.Is(err, ErrTemplateNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, tpl)
		}
		return out, nil
	})
}

// queueInstance writes inst and keeps the due index consistent with its state.
func (s *RedisStorage) queueInstance(ctx context.Context, pipe redis.Pipeliner, inst types.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
	}
	member := strconv.FormatUint(inst.ID, 10)
	pipe.Set(ctx, s.instanceKey(inst.ID), data, 0)
	if inst.State == types.StateWaiting && inst.WakeAt != nil {
		pipe.ZAdd(ctx, s.key(dueSetKey), &redis.Z{Score: float64(inst.WakeAt.UnixMilli()), Member: member})
	} else {
		pipe.ZRem(ctx, s.key(dueSetKey), member)
	}
	if inst.State.Terminal() {
		pipe.Del(ctx, s.cancelKey(inst.ID))
	}
	return nil
}

// SaveInstance saves a workflow instance to Redis.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		var qErr error
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			qErr = s.queueInstance(ctx, pipe, inst)
			return qErr
		})
		if qErr != nil {
			return qErr
		}
		if err != nil {
			return fmt.Errorf("failed to save instance %d: %w", inst.ID, err)
		}
		return nil
	})
}

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getFromRedis[types.Instance](ctx, s.client, s.instanceKey(id), ErrInstanceNotFound)
}

// ListDue returns waiting instances whose wake time has passed.
func (s *RedisStorage) ListDue(ctx context.Context, now time.Time, limit int) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
		if limit > 0 {
			by.Count = int64(limit)
		}
		members, err := s.client.ZRangeByScore(ctx, s.key(dueSetKey), by).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan due instances: %w", err)
		}
		if len(members) == 0 {
			return nil, nil
		}

		keys := make([]string, len(members))
		for i, m := range members {
			keys[i] = s.key(instancePrefix, m)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load due instances: %w", err)
		}

		out := make([]types.Instance, 0, len(values))
		var gone []interface{}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				gone = append(gone, members[i])
				continue
			}
			var inst types.Instance
			if err := json.Unmarshal([]byte(raw), &inst); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			if inst.State == types.StateWaiting {
				out = append(out, inst)
			}
		}
		if len(gone) > 0 {
			if err := s.client.ZRem(ctx, s.key(dueSetKey), gone...).Err(); err != nil {
				return nil, fmt.Errorf("failed to drop removed instances from the due set: %w", err)
			}
		}
		return out, nil
	})
}

// CompareAndSwapState transitions an instance inside a WATCH/MULTI transaction.
func (s *RedisStorage) CompareAndSwapState(ctx context.Context, id uint64, from []types.InstanceState, to types.InstanceState) (types.Instance, bool, error) {
	var (
		result  types.Instance
		swapped bool
	)
	key := s.instanceKey(id)

	txf := func(tx *redis.Tx) error {
		inst, err := getFromRedis[types.Instance](ctx, tx, key, ErrInstanceNotFound)
		if err != nil {
			return err
		}
		result, swapped = inst, false
		if !stateIn(inst.State, from) {
			return nil
		}
		applyState(&inst, to, time.Now())

		var qErr error
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			qErr = s.queueInstance(ctx, pipe, inst)
			return qErr
		})
		if qErr != nil {
			return qErr
		}
		if err != nil {
			return err
		}
		result, swapped = inst, true
		return nil
	}

	err := withContextError(ctx, func() error {
		for i := 0; i < casAttempts; i++ {
			err := s.client.Watch(ctx, txf, key)
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			return err
		}
		return fmt.Errorf("compare and swap of instance %d: %w", id, redis.TxFailedErr)
	})
	if err != nil {
		return types.Instance{}, false, err
	}
	return result, swapped, nil
}

// RecordDispatch remembers an acknowledged request key.
func (s *RedisStorage) RecordDispatch(ctx context.Context, key, outcome string) error {
	return withContextError(ctx, func() error {
		if err := s.client.Set(ctx, s.key(dispatchPrefix, key), outcome, 0).Err(); err != nil {
			return fmt.Errorf("failed to record dispatch %s: %w", key, err)
		}
		return nil
	})
}

// LookupDispatch reports whether a request key was acknowledged.
func (s *RedisStorage) LookupDispatch(ctx context.Context, key string) (string, bool, error) {
	var found bool
	outcome, err := withContext(ctx, func() (string, error) {
		v, err := s.client.Get(ctx, s.key(dispatchPrefix, key)).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		} else if err != nil {
			return "", fmt.Errorf("failed to look up dispatch %s: %w", key, err)
		}
		found = true
		return v, nil
	})
	return outcome, found, err
}

// RequestCancel sets the cancel marker of an active instance inside a
// WATCH/MULTI transaction on the instance key.
func (s *RedisStorage) RequestCancel(ctx context.Context, id uint64) (types.InstanceState, bool, error) {
	var (
		state     types.InstanceState
		requested bool
	)
	key := s.instanceKey(id)

	txf := func(tx *redis.Tx) error {
		inst, err := getFromRedis[types.Instance](ctx, tx, key, ErrInstanceNotFound)
		if err != nil {
			return err
		}
		state, requested = inst.State, false
		if inst.State != types.StateActive {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.cancelKey(id), "1", 0)
			return nil
		})
		if err != nil {
			return err
		}
		requested = true
		return nil
	}

	err := withContextError(ctx, func() error {
		for i := 0; i < casAttempts; i++ {
			err := s.client.Watch(ctx, txf, key)
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			return err
		}
		return fmt.Errorf("cancel request of instance %d: %w", id, redis.TxFailedErr)
	})
	if err != nil {
		return "", false, err
	}
	return state, requested, nil
}

// CancelRequested reports whether the cancel marker of an instance is set.
func (s *RedisStorage) CancelRequested(ctx context.Context, id uint64) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		n, err := s.client.Exists(ctx, s.cancelKey(id)).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check cancel request of instance %d: %w", id, err)
		}
		return n > 0, nil
	})
}

// ClearTerminal removes completed, failed and cancelled instances from Redis,
// together with their ledger entries and cancel markers.
func (s *RedisStorage) ClearTerminal(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		iter := s.client.Scan(ctx, 0, s.key(instancePrefix, "*"), 100).Iterator()
		var (
			stale []string
			n     int
		)
		for iter.Next(ctx) {
			key := iter.Val()
			inst, err := getFromRedis[types.Instance](ctx, s.client, key, ErrInstanceNotFound)
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			} else if err != nil {
				return 0, err
			}
			if inst.State.Terminal() {
				n++
				stale = append(stale, key, s.cancelKey(inst.ID))
				for _, k := range requestKeys(inst) {
					stale = append(stale, s.key(dispatchPrefix, k))
				}
			}
		}
		if err := iter.Err(); err != nil {
			return 0, fmt.Errorf("failed to scan instance keys: %w", err)
		}
		if len(stale) == 0 {
			return 0, nil
		}
		if err := s.client.Del(ctx, stale...).Err(); err != nil {
			return 0, fmt.Errorf("failed to delete terminal instances: %w", err)
		}
		return n, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
