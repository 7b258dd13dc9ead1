package writebuffer_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lxc/childhelper/shared/writebuffer"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	var b writebuffer.Buffer
	require.False(t, b.HasPendingData())

	b.Enqueue([]byte("hello "))
	b.Enqueue([]byte("world"))
	require.True(t, b.HasPendingData())

	var got []byte
	for b.HasPendingData() {
		chunk := b.GetPendingData()
		got = append(got, chunk...)
		b.Dequeue(len(chunk))
	}

	require.Equal(t, "hello world", string(got))
	require.False(t, b.HasPendingData())
}

func TestEnqueueSpansMultipleChunks(t *testing.T) {
	var b writebuffer.Buffer
	big := bytes.Repeat([]byte{0x5a}, writebuffer.ChunkSize*3+17)
	b.Enqueue(big)

	var got []byte
	for b.HasPendingData() {
		chunk := b.GetPendingData()
		require.LessOrEqual(t, len(chunk), writebuffer.ChunkSize)
		got = append(got, chunk...)
		b.Dequeue(len(chunk))
	}

	require.Equal(t, big, got)
}

func TestDequeuePartialBlock(t *testing.T) {
	var b writebuffer.Buffer
	b.Enqueue([]byte("0123456789"))

	b.Dequeue(3)
	require.Equal(t, "3456789", string(b.GetPendingData()))

	b.Dequeue(7)
	require.False(t, b.HasPendingData())
}
