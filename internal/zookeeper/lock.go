// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const lockRoot = "/bastion/locks"

// KeyLock 用 ZooKeeper 的临时顺序节点实现跨进程的按 key 互斥。
// 等待队列按节点序号排队，先到先得；持有者崩溃时临时节点随会话消失，
// 锁自动释放给下一个等待者。
type KeyLock struct {
	conn *Conn
}

// NewKeyLock 创建一个分布式 key 锁，并确保锁的根路径存在。
func NewKeyLock(conn *Conn) (*KeyLock, error) {
	if err := conn.EnsurePath(lockRoot); err != nil {
		return nil, errors.Wrap(err, "ensure lock root")
	}
	return &KeyLock{conn: conn}, nil
}

// Lock 获取 key 对应的锁，等待受 ctx 约束。
// 成功时返回释放函数；等待被取消或超时返回 ctx 的错误。
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	keyPath := lockRoot + "/" + sanitize(key)
	if err := l.conn.EnsurePath(keyPath); err != nil {
		return nil, err
	}

	nodePath, err := l.conn.CreateProtectedEphemeralSequential(keyPath+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, errors.Wrap(err, "create sequential lock node")
	}

	abandon := func() {
		_ = l.conn.Delete(nodePath, -1)
	}

	myName := strings.TrimPrefix(nodePath, keyPath+"/")
	for {
		children, _, err := l.conn.Children(keyPath)
		if err != nil {
			abandon()
			return nil, errors.Wrap(err, "list lock queue")
		}
		// 保护前缀里带着 GUID，必须按序号排，不能按字符串排
		sort.Slice(children, func(i, j int) bool {
			return sequenceOf(children[i]) < sequenceOf(children[j])
		})

		if children[0] == myName {
			release := func() {
				_ = l.conn.Delete(nodePath, -1)
			}
			return release, nil
		}

		prev := ""
		for i, child := range children {
			if child == myName {
				prev = children[i-1]
				break
			}
		}
		if prev == "" {
			abandon()
			return nil, errors.New("lock node vanished from queue")
		}

		exists, _, eventChan, err := l.conn.ExistsW(keyPath + "/" + prev)
		if err != nil {
			abandon()
			return nil, errors.Wrap(err, "watch previous lock node")
		}
		if !exists {
			// 前驱在设置 watch 前刚好释放了，重新竞争
			continue
		}

		select {
		case event := <-eventChan:
			if event.Type == zk.EventNodeDeleted {
				continue
			}
			// 其他事件（如会话变化）也重新走一遍判定
		case <-ctx.Done():
			abandon()
			return nil, ctx.Err()
		}
	}
}

// sequenceOf 取临时顺序节点名末尾的 10 位序号。
func sequenceOf(name string) int64 {
	idx := strings.LastIndex(name, "-")
	if idx < 0 || idx+1 >= len(name) {
		return -1
	}
	seq, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return -1
	}
	return seq
}

// sanitize 把业务 key 变成合法的单级节点名。
func sanitize(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}
