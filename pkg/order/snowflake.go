// 文件: pkg/order/snowflake.go
// 雪花算法 ID 生成器
// 使用开源库: github.com/bwmarrin/snowflake

package order

import (
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator 订单 ID 生成器
type IDGenerator interface {
	NextID() int64
}

var (
	node     *snowflake.Node
	initOnce sync.Once
)

// InitSnowflake 初始化雪花算法
// nodeID: 节点ID (0-1023)
func InitSnowflake(nodeID int64) error {
	var err error
	initOnce.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// GenerateOrderID 生成订单ID
func GenerateOrderID() int64 {
	if node == nil {
		// 未初始化则使用默认节点0
		InitSnowflake(0)
	}
	return node.Generate().Int64()
}

// SnowflakeGenerator 基于全局雪花节点
type SnowflakeGenerator struct{}

func (SnowflakeGenerator) NextID() int64 { return GenerateOrderID() }

// SequenceGenerator 自增序列，回放/测试时保证 ID 可预期
type SequenceGenerator struct {
	next atomic.Int64
}

func NewSequenceGenerator(start int64) *SequenceGenerator {
	g := &SequenceGenerator{}
	g.next.Store(start)
	return g
}

func (g *SequenceGenerator) NextID() int64 { return g.next.Add(1) - 1 }
