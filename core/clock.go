package core

import (
	"sync"
	"time"
)

// ChainContext supplies the execution time and block height of an operation.
type ChainContext interface {
	Now() time.Time
	BlockNumber() uint64
}

// WallClock derives block heights from wall time at a fixed block interval after genesis.
type WallClock struct {
	Genesis       time.Time
	BlockInterval time.Duration
}

func (c WallClock) Now() time.Time {
	return time.Now()
}

func (c WallClock) BlockNumber() uint64 {
	elapsed := time.Since(c.Genesis)
	if elapsed <= 0 || c.BlockInterval <= 0 {
		return 0
	}
	return uint64(elapsed / c.BlockInterval)
}

// ManualClock only moves when told to. Every Advance mines one block.
type ManualClock struct {
	mu    sync.Mutex
	now   time.Time
	block uint64
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, block: 1}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) BlockNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.block++
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.block++
	}
	c.now = t
}

func unixNow(chain ChainContext) uint64 {
	ts := chain.Now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}
