package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	node    *snowflake.Node
	initErr error
	once    sync.Once
)

// Init sets the snowflake node for this process. Calls after the first are no-ops.
func Init(nodeID int64) error {
	once.Do(func() {
		node, initErr = snowflake.NewNode(nodeID)
	})
	return initErr
}

// New returns a random entity id.
func New() string {
	return uuid.New().String()
}

// Seq returns a time-ordered int64, unique per node. Falls back to node 0 when Init was never called.
func Seq() int64 {
	if err := Init(0); err != nil {
		panic("id: snowflake node: " + err.Error())
	}
	return node.Generate().Int64()
}
