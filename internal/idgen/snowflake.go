package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator produces unique, time-ordered handles
type Generator struct {
	node *snowflake.Node
}

// New creates a generator for one datacenter/worker pair.
// DatacenterID and WorkerID use 5 bits each (0-31).
func New(datacenterID, workerID int64) (*Generator, error) {
	if datacenterID < 0 || datacenterID > 31 || workerID < 0 || workerID > 31 {
		return nil, fmt.Errorf("datacenter and worker ids must be within 0-31, got %d/%d", datacenterID, workerID)
	}
	node, err := snowflake.NewNode((datacenterID << 5) | workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &Generator{node: node}, nil
}

func (g *Generator) nextID() int64 {
	return g.node.Generate().Int64()
}

// NextHandle returns the next id encoded as base62
func (g *Generator) NextHandle() string {
	return EncodeBase62(g.nextID())
}
