package tunnel

import "github.com/relaymesh/connectproxy/internal/runtime/asyncio"

// bufferSize is the fixed per-direction capacity the original allocates
// with BUFFER_SIZE; one full buffer's worth of unread bytes must be
// drained before more can be read, applying natural backpressure to a slow
// peer.
const bufferSize = 8192

// directionalBuffer is the read/write cursor pair over one fixed-size
// buffer used for one direction of one tunnel, a direct port of struct
// tunnel_buffer's start/read_ptr/write_ptr trio.
//
//	data[:readPos]        already forwarded to the opposite side
//	data[readPos:writePos] pending bytes, not yet written out
//	data[writePos:]        free space available for the next read
type directionalBuffer struct {
	data     []byte
	readPos  int
	writePos int
}

func newDirectionalBuffer(pool *asyncio.BytePool) *directionalBuffer {
	raw := pool.Get(bufferSize)
	return &directionalBuffer{data: raw[:bufferSize]}
}

func (b *directionalBuffer) release(pool *asyncio.BytePool) {
	pool.Put(b.data[:0])
}

// pending reports the bytes still waiting to be written to the opposite
// side.
func (b *directionalBuffer) pending() []byte {
	return b.data[b.readPos:b.writePos]
}

// hasPending reports whether any bytes are queued for writing.
func (b *directionalBuffer) hasPending() bool {
	return b.readPos < b.writePos
}

// free is the space available for the next read call.
func (b *directionalBuffer) free() []byte {
	return b.data[b.writePos:]
}

// advanceWrite records n freshly-read bytes as pending.
func (b *directionalBuffer) advanceWrite(n int) {
	b.writePos += n
}

// advanceRead records n bytes as having been written out, compacting the
// buffer back to empty once everything has drained (mirroring the
// original resetting read_ptr/write_ptr to start once buf->read_ptr >=
// buf->write_ptr).
func (b *directionalBuffer) advanceRead(n int) {
	b.readPos += n
	if b.readPos >= b.writePos {
		b.readPos = 0
		b.writePos = 0
	}
}

// seedFromLeftover primes the buffer with bytes already read during
// CONNECT parsing that belong to the tunneled stream, e.g. a client that
// pipelined its first TLS record right after the CONNECT request.
func (b *directionalBuffer) seedFromLeftover(leftover []byte) {
	n := copy(b.data, leftover)
	b.writePos = n
}
