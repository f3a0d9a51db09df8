package tunnel

import (
	"testing"

	"github.com/relaymesh/connectproxy/internal/runtime/asyncio"
)

func TestDirectionalBuffer_WriteReadCycle(t *testing.T) {
	pool := asyncio.TunnelBufferPool()
	buf := newDirectionalBuffer(pool)
	defer buf.release(pool)

	if len(buf.data) != bufferSize {
		t.Fatalf("buffer size = %d, want %d", len(buf.data), bufferSize)
	}

	n := copy(buf.free(), "hello")
	buf.advanceWrite(n)
	if !buf.hasPending() {
		t.Fatal("expected pending bytes after advanceWrite")
	}
	if string(buf.pending()) != "hello" {
		t.Fatalf("pending() = %q", buf.pending())
	}

	buf.advanceRead(3)
	if string(buf.pending()) != "lo" {
		t.Fatalf("pending() after partial read = %q", buf.pending())
	}

	buf.advanceRead(2)
	if buf.hasPending() {
		t.Fatal("expected buffer to report empty once fully drained")
	}
	if buf.readPos != 0 || buf.writePos != 0 {
		t.Fatalf("buffer did not reset cursors to 0 after draining: read=%d write=%d", buf.readPos, buf.writePos)
	}
}

func TestDirectionalBuffer_SeedFromLeftover(t *testing.T) {
	pool := asyncio.TunnelBufferPool()
	buf := newDirectionalBuffer(pool)
	defer buf.release(pool)

	buf.seedFromLeftover([]byte("tls-record"))
	if string(buf.pending()) != "tls-record" {
		t.Fatalf("pending() = %q", buf.pending())
	}
}

func TestDirectionalBuffer_FreeShrinksAsDataFills(t *testing.T) {
	pool := asyncio.TunnelBufferPool()
	buf := newDirectionalBuffer(pool)
	defer buf.release(pool)

	buf.advanceWrite(100)
	if got := len(buf.free()); got != bufferSize-100 {
		t.Fatalf("free() length = %d, want %d", got, bufferSize-100)
	}
}
