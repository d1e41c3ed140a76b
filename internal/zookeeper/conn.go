// internal/zookeeper/conn.go
package zookeeper

import (
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"bastion/internal/pkg/logger"
)

// Conn 封装 ZooKeeper 连接，锁实现通过它访问集群。
type Conn struct {
	*zk.Conn
}

// Connect 建立到 ZooKeeper 集群的连接。servers 为逗号分隔的地址列表。
func Connect(servers string, sessionTimeout time.Duration) (*Conn, error) {
	list := strings.Split(servers, ",")
	conn, _, err := zk.Connect(list, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrapf(err, "connect zookeeper at %s", servers)
	}
	logger.Logger.Info().Str("servers", servers).Msg("zookeeper connected")
	return &Conn{Conn: conn}, nil
}

// EnsurePath 递归创建一条持久化路径，节点已存在时不算错误。
func (c *Conn) EnsurePath(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		_, err := c.Create(current, []byte(""), 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return errors.Wrapf(err, "create node %s", current)
		}
	}
	return nil
}
