package stimulus

import "github.com/paclab/soundloc/internal/audio"

// Cycle is an endless, restartable iterator over a fixed block list.
// It is owned by a single producer and is not safe for concurrent use.
type Cycle struct {
	blocks []audio.Block
	pos    int
}

func NewCycle(blocks []audio.Block) *Cycle {
	return &Cycle{blocks: blocks}
}

// Next returns the next block, wrapping at the end of the list.
func (c *Cycle) Next() audio.Block {
	if len(c.blocks) == 0 {
		return nil
	}
	b := c.blocks[c.pos]
	c.pos++
	if c.pos == len(c.blocks) {
		c.pos = 0
	}
	return b
}

// Len is the number of blocks in one period of the cycle.
func (c *Cycle) Len() int {
	return len(c.blocks)
}

// Restart rewinds the iterator to the first block.
func (c *Cycle) Restart() {
	c.pos = 0
}
