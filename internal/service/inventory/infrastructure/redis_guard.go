// internal/service/inventory/infrastructure/redis_guard.go
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"bastion/internal/pkg/redis"
	"bastion/internal/service/inventory"
)

const registerScriptName = "holder_register"

// registerScript 原子地完成"不存在才占位"。占位带过期时间兜底，
// 正常路径由预约终态时的 Remove 清理。
// 返回 1 表示占位成功，0 表示该持有者已有在途预约。
const registerScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`

// RedisHolderGuard 是 HolderGuard 的 Redis 实现，多 worker 共享去重视图。
type RedisHolderGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisHolderGuard 创建一个基于 Redis 的持有者去重闸门。
// ttl 应不小于预约的最大时长，保证占位不会先于预约本身消失。
func NewRedisHolderGuard(client *redis.Client, ttl time.Duration) (*RedisHolderGuard, error) {
	if err := client.LoadScriptFromContent(registerScriptName, registerScript); err != nil {
		return nil, errors.Wrap(err, "load holder guard script")
	}
	return &RedisHolderGuard{client: client, ttl: ttl}, nil
}

func holderKey(productID, holderID string) string {
	return fmt.Sprintf("reservation:holder:{%s}:%s", productID, holderID)
}

func (g *RedisHolderGuard) Register(ctx context.Context, productID, holderID string) error {
	result, err := g.client.RunScript(ctx, registerScriptName,
		[]string{holderKey(productID, holderID)}, holderID, g.ttl.Milliseconds())
	if err != nil {
		return errors.Wrap(err, "run holder guard script")
	}
	code, ok := result.(int64)
	if !ok {
		return errors.Errorf("unexpected result type from holder guard script: %T", result)
	}
	if code == 0 {
		return inventory.ErrDuplicateReservation
	}
	return nil
}

func (g *RedisHolderGuard) Remove(ctx context.Context, productID, holderID string) error {
	if err := g.client.GetClient().Del(ctx, holderKey(productID, holderID)).Err(); err != nil {
		return errors.Wrap(err, "remove holder registration")
	}
	return nil
}
