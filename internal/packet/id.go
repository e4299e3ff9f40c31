package packet

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

const idSequenceBits = 20

// IDGenerator hands out process-local, strictly increasing packet ids composed
// of a millisecond timestamp and a per-millisecond sequence. Rows get their id
// before they are inserted so messages can reference the packet right away.
type IDGenerator struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	lastMs int64
	seq    int64
}

func NewIDGenerator(clock clockwork.Clock) *IDGenerator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IDGenerator{clock: clock}
}

func (g *IDGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.clock.Now().UnixMilli()
	switch {
	case ms > g.lastMs:
		g.lastMs = ms
		g.seq = 0
	default:
		// Same millisecond, or the clock went backwards.
		g.seq++
		if g.seq >= 1<<idSequenceBits {
			g.lastMs++
			g.seq = 0
		}
	}
	return g.lastMs<<idSequenceBits | g.seq
}
