package mcp

import (
	"sync/atomic"
	"time"
)

// IDGenerator issues strictly increasing request ids. It is safe for concurrent use.
type IDGenerator struct {
	last atomic.Int64
}

// NewIDGenerator starts issuing at seed+1.
func NewIDGenerator(seed int64) *IDGenerator {
	g := &IDGenerator{}
	g.last.Store(seed)
	return g
}

// NewClockIDGenerator seeds the counter from the millisecond clock so ids from
// consecutive runs against the same service do not repeat.
func NewClockIDGenerator() *IDGenerator {
	return NewIDGenerator(time.Now().UnixMilli())
}

func (g *IDGenerator) Next() int64 {
	return g.last.Add(1)
}
