package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"whatsapp-engagement/pkg/logger"
	"whatsapp-engagement/pkg/utils"
)

// RedisStore keeps each session as a JSON string under session:{<phone>} with a
// native TTL, so expiry needs no sweep. Upserts for a phone are serialized with
// a lock key that is refreshed while the mutator runs; the write only lands if
// the lock is still ours.
type RedisStore struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock func() time.Time

	lockTTL   time.Duration
	lockRetry time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		ttl:       withTTLDefault(ttl),
		clock:     time.Now,
		lockTTL:   15 * time.Second,
		lockRetry: 20 * time.Millisecond,
	}
}

// ErrLockLost means the phone lock lapsed before the session was written.
var ErrLockLost = errors.New("session: lock lost")

// Both keys share a hash tag so the guarded write stays on one cluster slot.
func sessionKey(phone string) string { return "session:{" + phone + "}" }
func lockKey(phone string) string    { return "session-lock:{" + phone + "}" }

var setIfOwnerScript = redis.NewScript(`
-- KEYS[1] = session key, KEYS[2] = lock key
-- ARGV[1] = owner token, ARGV[2] = payload, ARGV[3] = ttl_ms
if redis.call('GET', KEYS[2]) ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (s *RedisStore) Get(ctx context.Context, phone string) (Session, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Session{}, ErrInvalidArgument
	}
	return s.load(ctx, phone)
}

func (s *RedisStore) load(ctx context.Context, phone string) (Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(phone)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("redis get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	if !sess.State.Valid() {
		return Session{}, fmt.Errorf("%w: stored %q", ErrInvalidState, sess.State)
	}
	return sess, nil
}

func (s *RedisStore) Upsert(ctx context.Context, phone string, fn Mutator) (Session, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Session{}, ErrInvalidArgument
	}

	token := uuid.NewString()
	if err := s.acquire(ctx, phone, token); err != nil {
		return Session{}, err
	}
	defer func() {
		// Release on a fresh context so a cancelled request still frees the lock.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = utils.ReleaseLock(relCtx, s.rdb, lockKey(phone), token)
	}()
	stop := keepLock(ctx, s.lockTTL/3, func(ctx context.Context) (bool, error) {
		return utils.RefreshLock(ctx, s.rdb, lockKey(phone), token, s.lockTTL)
	})
	defer stop()

	now := s.clock().UTC()
	cur, err := s.load(ctx, phone)
	switch {
	case errors.Is(err, ErrNotFound):
		cur = New(phone, now)
	case err != nil:
		return Session{}, err
	case cur.Expired(now, s.ttl):
		cur = New(phone, now)
	}

	next, err := apply(cur, fn, now)
	if err != nil {
		return Session{}, err
	}

	payload, err := json.Marshal(next)
	if err != nil {
		return Session{}, err
	}
	ok, err := setIfOwnerScript.Run(ctx, s.rdb, []string{sessionKey(phone), lockKey(phone)}, token, payload, s.ttl.Milliseconds()).Int()
	if err != nil {
		return Session{}, fmt.Errorf("redis set session: %w", err)
	}
	if ok != 1 {
		return Session{}, ErrLockLost
	}
	return next, nil
}

// keepLock calls refresh every interval until the returned stop func runs or
// refresh reports the lock is gone.
func keepLock(ctx context.Context, interval time.Duration, refresh func(context.Context) (bool, error)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				held, err := refresh(ctx)
				if err != nil {
					if ctx.Err() == nil {
						logger.From(ctx).Warn("refresh session lock failed", "err", err)
					}
					continue
				}
				if !held {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *RedisStore) acquire(ctx context.Context, phone, token string) error {
	for {
		ok, err := utils.AcquireLock(ctx, s.rdb, lockKey(phone), token, s.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			return nil
		}
		t := time.NewTimer(s.lockRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// SweepExpired returns 0: keys expire natively after the TTL, and every Upsert
// refreshes that TTL while holding the phone lock.
func (s *RedisStore) SweepExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// Close is a no-op; the redis client is owned by the process.
func (s *RedisStore) Close() error { return nil }
