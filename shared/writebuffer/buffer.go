// Package writebuffer implements an append-only chunked byte queue used as
// a nonblocking send backlog. It is not safe for concurrent use: each
// caller (the Service's main channel, or one subchannel worker) owns
// exactly one Buffer.
package writebuffer

// ChunkSize is the size of each backing block. Chosen to match a typical
// socket send buffer so a single Flush call rarely needs more than one
// syscall per chunk.
const ChunkSize = 32 * 1024

type chunk struct {
	data     []byte
	consumed int
}

func (c *chunk) pending() []byte {
	return c.data[c.consumed:]
}

func (c *chunk) empty() bool {
	return c.consumed >= len(c.data)
}

// Buffer is a FIFO queue of byte chunks.
type Buffer struct {
	chunks []*chunk
}

// Enqueue appends buf to the backlog, splitting it across new ChunkSize
// blocks as needed. The tail block is topped up before a new one is
// allocated.
func (b *Buffer) Enqueue(buf []byte) {
	for len(buf) > 0 {
		var tail *chunk
		if n := len(b.chunks); n > 0 {
			tail = b.chunks[n-1]
		}

		if tail == nil || len(tail.data) >= ChunkSize {
			tail = &chunk{data: make([]byte, 0, ChunkSize)}
			b.chunks = append(b.chunks, tail)
		}

		room := ChunkSize - len(tail.data)
		n := min(room, len(buf))
		tail.data = append(tail.data, buf[:n]...)
		buf = buf[n:]
	}
}

// GetPendingData returns the head block's unconsumed contiguous range, or
// nil if the backlog is empty. The returned slice aliases Buffer-owned
// memory and is only valid until the next Dequeue/Enqueue call.
func (b *Buffer) GetPendingData() []byte {
	if len(b.chunks) == 0 {
		return nil
	}
	return b.chunks[0].pending()
}

// HasPendingData reports in O(1) whether any bytes remain queued.
func (b *Buffer) HasPendingData() bool {
	return len(b.chunks) > 0
}

// Dequeue advances past n bytes, spanning one or more blocks, releasing any
// block fully consumed in the process. n must not exceed the total number
// of bytes currently pending; callers are expected to pass exactly the
// number of bytes a writer confirmed as sent.
func (b *Buffer) Dequeue(n int) {
	for n > 0 && len(b.chunks) > 0 {
		head := b.chunks[0]
		avail := len(head.pending())
		take := min(avail, n)
		head.consumed += take
		n -= take

		if head.empty() {
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
		}
	}
}
