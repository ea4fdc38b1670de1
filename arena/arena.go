// Package arena implements a fixed-size pool of reusable byte buffers.
//
// The session's receive loop runs on a hot path: one read per incoming
// datagram, for as long as the node is bootstrapped into the DHT. Handing
// each read a fresh make([]byte, N) would put constant pressure on the
// garbage collector for buffers that live only as long as a single
// handleDatagram call. Arena preallocates numBlocks buffers once and hands
// them out via Pop/Push instead, so steady-state receive traffic allocates
// nothing.
package arena

// Arena is a channel-backed free list of byte slices. The zero value is not
// usable; construct one with NewArena.
type Arena chan []byte

// NewArena preallocates numBlocks buffers of blockSize bytes each and
// returns an Arena ready to serve them via Pop.
func NewArena(blockSize int, numBlocks int) Arena {
	blocks := make(Arena, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks <- make([]byte, blockSize)
	}
	return blocks
}

// Pop removes a buffer from the arena, blocking until one is available. The
// returned slice is at its full capacity but its contents are leftover from
// whatever previously used it: the caller must only trust bytes it knows
// were written this round, typically by reslicing to the count returned from
// a Read or similar.
func (a Arena) Pop() (x []byte) {
	return <-a
}

// Push returns a buffer to the arena so a later Pop can reuse it. The slice
// is restored to its full capacity before being queued, discarding whatever
// length the caller had reslice it to.
func (a Arena) Push(x []byte) {
	x = x[:cap(x)]
	a <- x
}
