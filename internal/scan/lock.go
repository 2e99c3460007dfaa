package scan

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YKarmar/JobFunnel/internal/apperr"
)

var errInProgress = apperr.New(apperr.KindScanInProgress, "a scan is already running for this session; wait and retry")

// 每个key最多一个持有者
// TryLock 不等待，已被占用时返回 ScanInProgress
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// 进程内扫描锁
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, errInProgress
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// 只有token匹配时才删除锁，过期的持有者不能释放新锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// 基于Redis的扫描锁，多实例共享
// 租约在 ttl 后过期；Redis 不可用时退回进程内锁
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	local  *MemoryLocker
	logger *zap.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, local: NewMemoryLocker(), logger: logger}
}

func scanLockKey(key string) string { return "jobfunnel:scanlock:" + key }

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	rkey := scanLockKey(key)

	ok, err := l.rdb.SetNX(ctx, rkey, token, l.ttl).Result()
	if err != nil {
		l.logger.Warn("Redis scan lock unavailable, using local lock",
			zap.String("key", rkey),
			zap.Error(err),
		)
		return l.local.TryLock(ctx, key)
	}
	if !ok {
		return nil, errInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 扫描的 context 可能已取消，照常释放
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.rdb, []string{rkey}, token).Err(); err != nil {
				l.logger.Warn("release scan lock", zap.String("key", rkey), zap.Error(err))
			}
		})
	}, nil
}
