package duplex

import (
	"bytes"
	"errors"
	"testing"
)

func flatten(vec [][]byte) []byte {
	var out []byte
	for _, v := range vec {
		out = append(out, v...)
	}
	return out
}

func TestRingPushPeekPull(t *testing.T) {
	r := NewRing(1024)

	if r.Peek() != nil {
		t.Fatal("empty ring should peek nil")
	}
	if err := r.Push([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if err := r.Push([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if got := flatten(r.Peek()); string(got) != "hello world" {
		t.Fatalf("peek = %q", got)
	}

	r.Pull(6)
	if got := flatten(r.Peek()); string(got) != "world" {
		t.Fatalf("after pull = %q", got)
	}
	if r.Len() != 5 {
		t.Fatalf("len = %d, want 5", r.Len())
	}
}

func TestRingWrapsAround(t *testing.T) {
	r := NewRing(minRingSize)
	first := bytes.Repeat([]byte{'a'}, minRingSize-100)
	if err := r.Push(first); err != nil {
		t.Fatal(err)
	}
	r.Pull(minRingSize - 200) // 100 'a' remain near the end

	tail := bytes.Repeat([]byte{'b'}, 300)
	if err := r.Push(tail); err != nil {
		t.Fatal(err)
	}

	vec := r.Peek()
	if len(vec) != 2 {
		t.Fatalf("expected wrapped ring to peek 2 slices, got %d", len(vec))
	}
	want := append(bytes.Repeat([]byte{'a'}, 100), tail...)
	if got := flatten(vec); !bytes.Equal(got, want) {
		t.Fatalf("wrapped contents mismatch (len %d vs %d)", len(got), len(want))
	}
}

func TestRingGrowPreservesOrder(t *testing.T) {
	r := NewRing(1 << 20)
	var want []byte
	for i := range 200 {
		chunk := bytes.Repeat([]byte{byte(i)}, 97)
		if err := r.Push(chunk); err != nil {
			t.Fatal(err)
		}
		want = append(want, chunk...)
		if i%3 == 0 {
			r.Pull(50)
			want = want[50:]
		}
	}
	if got := flatten(r.Peek()); !bytes.Equal(got, want) {
		t.Fatal("contents diverged after growth")
	}
}

func TestRingOverflowIsAllOrNothing(t *testing.T) {
	r := NewRing(10)
	if err := r.Push([]byte("12345678")); err != nil {
		t.Fatal(err)
	}
	err := r.Push([]byte("abc"))
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if r.Len() != 8 {
		t.Fatalf("failed push must not change the ring, len = %d", r.Len())
	}
	if err := r.Push([]byte("ab")); err != nil {
		t.Fatalf("exact fit should succeed: %v", err)
	}
	if r.Free() != 0 {
		t.Fatalf("free = %d, want 0", r.Free())
	}
}
