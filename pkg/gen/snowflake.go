package gen

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"taskpilot/pkg/config"
)

var Module = fx.Module("gen",
	fx.Provide(NewSnowflakeNode),
)

// IDGenerator hands out roughly time-ordered unique string ids.
type IDGenerator interface {
	NextID() string
}

type SnowflakeNode struct {
	node *snowflake.Node
}

func NewSnowflakeNode(cfg *config.Config) (IDGenerator, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	return &SnowflakeNode{node: node}, nil
}

// MustNode builds a generator for tests and tools with a fixed node id.
func MustNode(id int64) IDGenerator {
	node, err := snowflake.NewNode(id)
	if err != nil {
		panic(err)
	}
	return &SnowflakeNode{node: node}
}

func (s *SnowflakeNode) NextID() string {
	return s.node.Generate().String()
}
