// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// Nil 转发 go-redis 的 key 不存在哨兵错误，调用方无需直接依赖 go-redis。
const Nil = goredis.Nil

// Client 封装了 go-redis 客户端，并维护一组按名字注册的 Lua 脚本。
// 业务方通过 RunScript 按名字执行脚本，脚本内容在初始化阶段注册。
type Client struct {
	rdb goredis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// NewClient 创建一个 Redis 客户端。
// addrs 为逗号分隔的地址列表；多于一个地址时使用集群模式。
func NewClient(addrs string) (*Client, error) {
	list := strings.Split(addrs, ",")
	var rdb goredis.UniversalClient
	if len(list) > 1 {
		rdb = goredis.NewClusterClient(&goredis.ClusterOptions{Addrs: list})
	} else {
		rdb = goredis.NewClient(&goredis.Options{Addr: list[0]})
	}

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addrs, err)
	}

	return &Client{
		rdb:     rdb,
		scripts: make(map[string]*goredis.Script),
	}, nil
}

// LoadScriptFromContent 按名字注册一段 Lua 脚本。
func (c *Client) LoadScriptFromContent(name, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("script %q is empty", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = goredis.NewScript(content)
	return nil
}

// RunScript 执行一段已注册的脚本。
// go-redis 的 Script.Run 会优先使用 EVALSHA，脚本未加载时自动回退 EVAL。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q is not registered", name)
	}
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// GetClient 暴露底层客户端，供需要 pipeline 等原生能力的调用方使用。
func (c *Client) GetClient() goredis.UniversalClient {
	return c.rdb
}

// Close 关闭底层连接。
func (c *Client) Close() error {
	return c.rdb.Close()
}
