package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
	cfg    config
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by Redis. The caller owns the
// redis.Client lifecycle.
func NewRedis(client *redis.Client, opts ...Option) Store {
	return &redisStore{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

// do runs one store call under the query timeout and, when configured,
// the circuit breaker. Transport errors come back marked ErrUnavailable.
func (s *redisStore) do(ctx context.Context, fn func(ctx context.Context) error) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var err error
	if s.cfg.breaker != nil {
		err = s.cfg.breaker.Do(qctx, fn)
	} else {
		err = fn(qctx)
	}
	return markUnavailable(err)
}

func (s *redisStore) GetString(ctx context.Context, key string) (string, bool, error) {
	var val string
	var found bool
	err := s.do(ctx, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return val, found, nil
}

func (s *redisStore) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.do(ctx, func(ctx context.Context) error {
		if ttl <= 0 {
			ttl = 0
		}
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

func (s *redisStore) Increment(ctx context.Context, key string) (int64, error) {
	var val int64
	err := s.do(ctx, func(ctx context.Context) error {
		v, err := s.client.Incr(ctx, key).Result()
		val = v
		return err
	})
	return val, err
}

func (s *redisStore) Decrement(ctx context.Context, key string) (int64, error) {
	var val int64
	err := s.do(ctx, func(ctx context.Context) error {
		v, err := s.client.Decr(ctx, key).Result()
		val = v
		return err
	})
	return val, err
}

func (s *redisStore) SetAdd(ctx context.Context, key, member string) (bool, error) {
	var added bool
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := s.client.SAdd(ctx, key, member).Result()
		added = n > 0
		return err
	})
	return added, err
}

func (s *redisStore) SetRemove(ctx context.Context, key, member string) (bool, error) {
	var removed bool
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := s.client.SRem(ctx, key, member).Result()
		removed = n > 0
		return err
	})
	return removed, err
}

func (s *redisStore) SetContains(ctx context.Context, key, member string) (bool, error) {
	var isMember bool
	err := s.do(ctx, func(ctx context.Context) error {
		ok, err := s.client.SIsMember(ctx, key, member).Result()
		isMember = ok
		return err
	})
	return isMember, err
}

func (s *redisStore) SetCard(ctx context.Context, key string) (int64, error) {
	var card int64
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := s.client.SCard(ctx, key).Result()
		card = n
		return err
	})
	return card, err
}

func (s *redisStore) DeleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, keys...).Err()
	})
}

func (s *redisStore) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		var keys []string
		err := s.do(ctx, func(ctx context.Context) error {
			var err error
			keys, cursor, err = s.client.Scan(ctx, cursor, pattern, s.cfg.scanCount).Result()
			return err
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

type pendingReply struct {
	reply *IntReply
	cmd   *redis.IntCmd
}

type redisBatch struct {
	store   *redisStore
	pipe    redis.Pipeliner
	pending []pendingReply
}

func (s *redisStore) Batch() Batch {
	return &redisBatch{
		store: s,
		pipe:  s.client.TxPipeline(),
	}
}

func (b *redisBatch) queue(cmd *redis.IntCmd) *IntReply {
	reply := &IntReply{}
	b.pending = append(b.pending, pendingReply{reply: reply, cmd: cmd})
	return reply
}

func (b *redisBatch) SetAdd(key, member string) *IntReply {
	return b.queue(b.pipe.SAdd(context.Background(), key, member))
}

func (b *redisBatch) SetRemove(key, member string) *IntReply {
	return b.queue(b.pipe.SRem(context.Background(), key, member))
}

func (b *redisBatch) Increment(key string) *IntReply {
	return b.queue(b.pipe.Incr(context.Background(), key))
}

func (b *redisBatch) Decrement(key string) *IntReply {
	return b.queue(b.pipe.Decr(context.Background(), key))
}

func (b *redisBatch) Delete(keys ...string) *IntReply {
	return b.queue(b.pipe.Del(context.Background(), keys...))
}

// Exec runs the queued commands as one MULTI/EXEC transaction and fills
// in the reply handles.
func (b *redisBatch) Exec(ctx context.Context) error {
	err := b.store.do(ctx, func(ctx context.Context) error {
		_, err := b.pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return err
	}
	for _, p := range b.pending {
		p.reply.val = p.cmd.Val()
	}
	return nil
}
