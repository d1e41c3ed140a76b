// internal/service/throttle/redis_window.go
package throttle

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"bastion/internal/pkg/redis"
	"bastion/internal/service/telemetry"
)

const admitScriptName = "throttle_admit"

// admitScript 在 Redis 侧原子地完成"自增并读取窗口起点"。
// 首个请求建立窗口：计数键和起点键带同样的 PX 过期，过期即窗口翻转。
const admitScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[1])
end
return count
`

// RedisWindow 是固定窗口限流器的 Redis 实现，多个 worker 共享同一个窗口。
type RedisWindow struct {
	client    *redis.Client
	limit     int64
	windowDur time.Duration
	publisher telemetry.Publisher

	now func() time.Time
}

// NewRedisWindow 创建一个基于 Redis 的限流器，创建时加载 Lua 脚本。
func NewRedisWindow(client *redis.Client, maxRPS int, windowDur time.Duration, publisher telemetry.Publisher) (*RedisWindow, error) {
	if err := client.LoadScriptFromContent(admitScriptName, admitScript); err != nil {
		return nil, errors.Wrap(err, "load throttle script")
	}
	if publisher == nil {
		publisher = telemetry.Noop{}
	}
	return &RedisWindow{
		client:    client,
		limit:     windowLimit(maxRPS, windowDur),
		windowDur: windowDur,
		publisher: publisher,
		now:       time.Now,
	}, nil
}

func countKey(endpointKey string) string { return "throttle:count:{" + endpointKey + "}" }
func startKey(endpointKey string) string { return "throttle:start:{" + endpointKey + "}" }

// Admit 在当前窗口上自增计数并判定是否放行。
func (r *RedisWindow) Admit(ctx context.Context, endpointKey string) (bool, error) {
	now := r.now()
	keys := []string{countKey(endpointKey), startKey(endpointKey)}
	args := []interface{}{r.windowDur.Milliseconds(), now.UnixMilli()}

	result, err := r.client.RunScript(ctx, admitScriptName, keys, args...)
	if err != nil {
		return false, errors.Wrap(err, "run throttle script")
	}
	count, ok := result.(int64)
	if !ok {
		return false, errors.Errorf("unexpected result type from throttle script: %T", result)
	}

	admitted := count <= r.limit
	if !admitted {
		r.publisher.Publish(ctx, telemetry.Event{
			Type: telemetry.EventThrottleRejected,
			Key:  endpointKey,
			Detail: map[string]string{
				"request_count": strconv.FormatInt(count, 10),
				"limit":         strconv.FormatInt(r.limit, 10),
			},
			At: now,
		})
	}
	return admitted, nil
}

// State 返回当前窗口的计数和起点。窗口尚未建立时返回零值。
func (r *RedisWindow) State(ctx context.Context, endpointKey string) (WindowState, error) {
	rdb := r.client.GetClient()

	count, err := rdb.Get(ctx, countKey(endpointKey)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return WindowState{}, nil
		}
		return WindowState{}, errors.Wrap(err, "read window count")
	}

	startMs, err := rdb.Get(ctx, startKey(endpointKey)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return WindowState{}, errors.Wrap(err, "read window start")
	}

	state := WindowState{RequestCount: count}
	if startMs > 0 {
		state.WindowStart = time.UnixMilli(startMs)
	}
	return state, nil
}
