// Package audio holds the stereo block type shared by the synthesizer,
// the stimulus builder and the block queue.
package audio

// Block is one audio period: BlockSize frames of [left, right] float32 samples.
// Blocks handed to the queue are immutable.
type Block [][2]float32

// Silence returns a zeroed block of n frames.
func Silence(n int) Block {
	return make(Block, n)
}

// ChannelSilent reports whether column ch is identically zero.
func (b Block) ChannelSilent(ch int) bool {
	for _, frame := range b {
		if frame[ch] != 0 {
			return false
		}
	}
	return true
}

// Frames returns the number of frames in the block.
func (b Block) Frames() int {
	return len(b)
}
