// Package sequence hands out globally unique event sequence numbers
// backed by a distributed counter. Generators lease blocks of ids so
// the common path never touches the grid; a crashed process abandons
// the rest of its block, which leaves gaps but never repeats an id.
package sequence

import (
	"context"
	"fmt"
	"sync"

	"github.com/eventra/eventra/pkg/grid"
)

// DefaultBlockSize is the number of ids leased per counter round trip.
const DefaultBlockSize = 100

// Config controls block leasing.
type Config struct {
	// BlockSize is the number of ids reserved per lease. Zero means
	// DefaultBlockSize.
	BlockSize uint64
}

// DefaultConfig returns the default generator configuration.
func DefaultConfig() Config {
	return Config{BlockSize: DefaultBlockSize}
}

// Generator produces monotonically increasing sequence numbers. Ids
// are unique across every generator sharing the same counter. Safe for
// concurrent use.
type Generator struct {
	counter grid.Counter
	block   uint64

	mu    sync.Mutex
	next  uint64
	limit uint64
}

// NewGenerator creates a generator leasing from the given counter.
func NewGenerator(counter grid.Counter, cfg Config) *Generator {
	block := cfg.BlockSize
	if block == 0 {
		block = DefaultBlockSize
	}
	return &Generator{counter: counter, block: block}
}

// Next returns the next sequence number, leasing a fresh block from
// the counter when the current one is exhausted.
func (g *Generator) Next(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.next >= g.limit {
		if err := g.lease(ctx); err != nil {
			return 0, err
		}
	}
	id := g.next
	g.next++
	return id, nil
}

// Remaining returns how many ids are left in the current block.
func (g *Generator) Remaining() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit - g.next
}

func (g *Generator) lease(ctx context.Context) error {
	upper, err := g.counter.AddAndGet(ctx, int64(g.block))
	if err != nil {
		return fmt.Errorf("sequence: lease block from %s: %w", g.counter.Name(), err)
	}
	if upper <= 0 {
		return fmt.Errorf("sequence: counter %s returned non-positive bound %d", g.counter.Name(), upper)
	}
	// The lease covers (upper-block, upper].
	g.limit = uint64(upper) + 1
	g.next = g.limit - g.block
	return nil
}
