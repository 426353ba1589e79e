package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/pkg/logger"
)

// RedisStoreConfig 描述 Redis 会话存储的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// LockTTL bounds how long a crashed holder can block a user. A live
	// holder renews it every LockTTL/3.
	LockTTL time.Duration
	// RetryInterval is the wait between lock attempts.
	RetryInterval time.Duration
}

// releaseScript deletes the lock only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the lock carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisStore 将会话保存为 JSON，并使用 SET NX PX 实现跨实例的用户级锁。
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	lockTTL  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore 连接 Redis 并创建会话存储。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient 基于已有客户端创建会话存储。
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "merlin:session:"
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &RedisStore{client: client, prefix: prefix, lockTTL: ttl, interval: interval, logger: logger.Named("session")}
}

func (r *RedisStore) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

func (r *RedisStore) lockKey(userID int64) string {
	return r.key(userID) + ":lock"
}

// GetOrCreate 实现 Store 接口。
func (r *RedisStore) GetOrCreate(ctx context.Context, userID int64) (*Session, error) {
	raw, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		s := New(userID)
		if err := r.Save(ctx, s); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
	}
	if s.Collected == nil {
		s.Collected = make(map[string]string)
	}
	return &s, nil
}

// Save 实现 Store 接口。
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return xerrors.New(xerrors.CodeValidationFailed, "session 不能为空")
	}
	if !s.State.Valid() {
		return xerrors.New(xerrors.CodeValidationFailed, "非法的会话状态: "+string(s.State))
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.UserID), raw, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// Reset 实现 Store 接口。
func (r *RedisStore) Reset(ctx context.Context, userID int64) error {
	return r.Save(ctx, New(userID))
}

// Lock 通过 SET NX PX 获取锁，释放时校验令牌，避免误删他人持有的锁。
func (r *RedisStore) Lock(ctx context.Context, userID int64) (func(), error) {
	key := r.lockKey(userID)
	token := uuid.NewString()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取会话锁失败")
		}
		if ok {
			return r.hold(userID, key, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeBusy, ctx.Err(), "等待会话锁超时")
		case <-ticker.C:
		}
	}
}

// hold keeps an acquired lock alive until the returned unlock runs.
func (r *RedisStore) hold(userID int64, key, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.keepAlive(stop, userID, func(ctx context.Context) (bool, error) {
			n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.lockTTL.Milliseconds()).Int()
			return n == 1, err
		})
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// the caller's ctx may already be cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Int()
			switch {
			case err != nil:
				r.logger.Warn("释放会话锁失败", slog.Int64("user_id", userID), slog.Any("error", err))
			case n == 0:
				r.logger.Warn("会话锁在释放前已过期", slog.Int64("user_id", userID))
			}
		})
	}
}

// keepAlive extends the lock every third of its TTL until stop is closed
// or extend reports the lock is no longer ours.
func (r *RedisStore) keepAlive(stop <-chan struct{}, userID int64, extend func(context.Context) (bool, error)) {
	every := r.lockTTL / 3
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		held, err := extend(ctx)
		cancel()
		if err != nil {
			r.logger.Warn("续期会话锁失败", slog.Int64("user_id", userID), slog.Any("error", err))
			continue
		}
		if !held {
			r.logger.Warn("会话锁已丢失，停止续期", slog.Int64("user_id", userID))
			return
		}
	}
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
