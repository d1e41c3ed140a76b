// internal/service/inventory/keylock.go
package inventory

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrLockTimeout 表示在限定时间内没有等到锁。可重试。
var ErrLockTimeout = errors.New("timed out waiting for product lock")

// KeyLocker 是持久化协作方提供的"按 key 互斥"原语的抽象。
// 授锁顺序必须是 FIFO 的：同一个 key 上先到先得，避免高争抢下活锁。
// 不同 key 之间互不阻塞。
type KeyLocker interface {
	// Lock 阻塞直到拿到 key 的独占锁或 ctx 结束。
	// 成功时返回对应的解锁函数。
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalKeyLock 是进程内的 FIFO 按键锁。
// 每个 key 维护一个有序等待队列，解锁时唤醒队首等待者。
type LocalKeyLock struct {
	mu     sync.Mutex
	queues map[string]*lockQueue
}

type lockQueue struct {
	held    bool
	waiters []chan struct{}
}

func NewLocalKeyLock() *LocalKeyLock {
	return &LocalKeyLock{queues: make(map[string]*lockQueue)}
}

func (l *LocalKeyLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	q := l.queues[key]
	if q == nil {
		q = &lockQueue{}
		l.queues[key] = q
	}
	if !q.held {
		q.held = true
		l.mu.Unlock()
		return func() { l.release(key) }, nil
	}
	ticket := make(chan struct{})
	q.waiters = append(q.waiters, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return func() { l.release(key) }, nil
	case <-ctx.Done():
		l.mu.Lock()
		removed := false
		for i, w := range q.waiters {
			if w == ticket {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				removed = true
				break
			}
		}
		l.mu.Unlock()
		if !removed {
			// 取消和授锁赛跑：锁已经是我们的了，立刻转交给下一位
			l.release(key)
		}
		return nil, errors.Wrap(ErrLockTimeout, ctx.Err().Error())
	}
}

func (l *LocalKeyLock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queues[key]
	if q == nil {
		return
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next) // 锁所有权移交给队首
		return
	}
	q.held = false
	delete(l.queues, key)
}
