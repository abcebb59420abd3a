package engine

import (
	"fmt"

	"github.com/vireflow/vire/pkg/wiring"
)

// MaxHandles is the number of handles a packed routing index can address.
const MaxHandles = 1 << (8 - wiring.InputPortBits)

// Config holds the fixed per-deployment budgets of an engine.
type Config struct {
	// MaxElements bounds the number of registered elements and the handle
	// range of the busy mask.
	MaxElements int `yaml:"max_elements" json:"max_elements" validate:"min=1,max=32"`

	// RoutingSegmentSize is the size in bytes of a routing table segment.
	// It bounds the number of routing rows a graph may use.
	RoutingSegmentSize int `yaml:"routing_segment_size" json:"routing_segment_size" validate:"min=6,max=65535"`

	// TokenPoolSize is the number of token capture slots.
	TokenPoolSize int `yaml:"token_pool_size" json:"token_pool_size" validate:"min=1"`

	// TaskQueueSize bounds the built-in task queue.
	TaskQueueSize int `yaml:"task_queue_size" json:"task_queue_size" validate:"min=1"`

	// RAMMirror keeps a copy of the routing table in memory.
	RAMMirror bool `yaml:"ram_mirror" json:"ram_mirror"`

	// InboxSize bounds the number of requests waiting for the run loop.
	InboxSize int `yaml:"inbox_size" json:"inbox_size" validate:"min=1"`
}

// DefaultConfig returns the default engine budgets.
func DefaultConfig() Config {
	return Config{
		MaxElements:        16,
		RoutingSegmentSize: 256,
		TokenPoolSize:      32,
		TaskQueueSize:      16,
		RAMMirror:          true,
		InboxSize:          16,
	}
}

// Validate checks the budgets are usable.
func (c Config) Validate() error {
	if c.MaxElements < 1 || c.MaxElements > MaxHandles {
		return fmt.Errorf("max_elements must be between 1 and %d, got %d", MaxHandles, c.MaxElements)
	}
	if c.RoutingSegmentSize < 2*wiring.RoutingRowSize {
		return fmt.Errorf("routing_segment_size must hold at least one group, got %d", c.RoutingSegmentSize)
	}
	if c.TokenPoolSize < 1 {
		return fmt.Errorf("token_pool_size must be positive, got %d", c.TokenPoolSize)
	}
	if c.TaskQueueSize < 1 {
		return fmt.Errorf("task_queue_size must be positive, got %d", c.TaskQueueSize)
	}
	if c.InboxSize < 1 {
		return fmt.Errorf("inbox_size must be positive, got %d", c.InboxSize)
	}
	return nil
}

// RoutingRows returns the routing row budget.
func (c Config) RoutingRows() int {
	return c.RoutingSegmentSize / wiring.RoutingRowSize
}

// ElementsSegmentSize returns the size of an elements table segment.
func (c Config) ElementsSegmentSize() int {
	return wiring.ElementsTableHeader + c.MaxElements*wiring.ElementRowSize
}
