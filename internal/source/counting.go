package source

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/whiskeyjimb/pinstall/internal/install"
)

// Counting wraps a Source and counts Fetch calls, in total and per
// name@version.
type Counting struct {
	Source install.Source

	total atomic.Int64
	mu    sync.Mutex
	byKey map[install.Key]int
}

// NewCounting wraps src.
func NewCounting(src install.Source) *Counting {
	return &Counting{Source: src, byKey: make(map[install.Key]int)}
}

func (c *Counting) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	c.total.Add(1)
	c.mu.Lock()
	if c.byKey == nil {
		c.byKey = make(map[install.Key]int)
	}
	c.byKey[install.Descriptor{Name: name, Version: version}.Key()]++
	c.mu.Unlock()
	return c.Source.Fetch(ctx, name, version)
}

// Calls returns the number of Fetch calls so far.
func (c *Counting) Calls() int64 { return c.total.Load() }

// CallsFor returns how often name@version was fetched.
func (c *Counting) CallsFor(name, version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byKey[install.Descriptor{Name: name, Version: version}.Key()]
}
