package buffer

import (
	"bytes"
	"testing"
)

func TestAppendConsumeRoundTrip(t *testing.T) {
	b := New()
	var want []byte
	chunks := [][]byte{
		[]byte("hello "),
		[]byte("world, "),
		bytes.Repeat([]byte("x"), 4096), // forces a grow
		[]byte("!"),
	}
	for _, c := range chunks {
		b.Append(c)
		want = append(want, c...)
	}

	if got := b.Peek(); !bytes.Equal(got, want) {
		t.Fatalf("readable mismatch: got %d bytes, want %d bytes", len(got), len(want))
	}

	const k = 10
	b.Consume(k)
	want = want[k:]
	if got := b.Peek(); !bytes.Equal(got, want) {
		t.Fatalf("after consume(%d): got %d bytes, want %d bytes", k, len(got), len(want))
	}
}

func TestPrependRequiresRoom(t *testing.T) {
	b := New()
	b.Append([]byte("payload"))
	if err := b.Prepend([]byte("1234")); err != nil {
		t.Fatalf("Prepend within default area: %v", err)
	}
	if got := b.Peek(); !bytes.Equal(got, []byte("1234payload")) {
		t.Fatalf("got %q", got)
	}
	if err := b.Prepend(bytes.Repeat([]byte("y"), DefaultPrependSize)); err == nil {
		t.Fatal("expected ErrPrependTooSmall once prepend area is exhausted")
	}
}

func TestFindCRLFAndEOL(t *testing.T) {
	b := New()
	b.AppendString("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if i := b.FindCRLF(); i != 14 {
		t.Fatalf("FindCRLF = %d, want 14", i)
	}
	if i := b.FindEOL(); i != 15 {
		t.Fatalf("FindEOL = %d, want 15", i)
	}
}

func TestShrinkPreservesReadable(t *testing.T) {
	b := New()
	b.Append(bytes.Repeat([]byte("z"), 8192))
	b.Consume(8190)
	b.Shrink(0)
	if got := b.Peek(); !bytes.Equal(got, []byte("zz")) {
		t.Fatalf("got %q after shrink", got)
	}
	if b.WritableBytes() != 0 {
		t.Fatalf("WritableBytes = %d, want 0 after Shrink(0)", b.WritableBytes())
	}
}

func TestConsumeAllResetsCursors(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	b.ConsumeAll()
	if b.ReadableBytes() != 0 {
		t.Fatalf("ReadableBytes = %d, want 0", b.ReadableBytes())
	}
	if b.PrependableBytes() != DefaultPrependSize {
		t.Fatalf("PrependableBytes = %d, want %d", b.PrependableBytes(), DefaultPrependSize)
	}
}
