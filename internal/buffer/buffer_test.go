package buffer_test

import (
	"slices"
	"testing"

	"github.com/mickamy/revy/internal/buffer"
)

func TestBuffer_Latest(t *testing.T) {
	t.Parallel()

	b := buffer.NewBuffer[string]()
	if _, ok := b.Latest("code"); ok {
		t.Fatalf("Latest on empty buffer reported an entry")
	}
	b.Add("code", "a")
	b.Add("amount", "b")
	b.Add("code", "c")

	got, ok := b.Latest("code")
	if !ok || got != "c" {
		t.Fatalf("Latest(code) = %q, %t, want %q, true", got, ok, "c")
	}
	if got := b.Entries(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("Entries() = %#v", got)
	}
}

func TestBuffer_DrainClearsIndex(t *testing.T) {
	t.Parallel()

	b := buffer.NewBuffer[int]()
	b.Add("id", 1)
	if got := b.Drain(); !slices.Equal(got, []int{1}) {
		t.Fatalf("Drain() = %#v", got)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() after Drain = %d", b.Len())
	}
	if _, ok := b.Latest("id"); ok {
		t.Fatalf("index survived Drain")
	}
}

func TestBuffer_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	type entry struct{ v string }
	b := buffer.NewBuffer[*entry]()
	b.Add("code", &entry{v: "a"})

	c := b.Clone(func(e *entry) *entry { cp := *e; return &cp })
	orig, _ := b.Latest("code")
	orig.v = "mutated"
	b.Add("code", &entry{v: "b"})

	got, ok := c.Latest("code")
	if !ok || got.v != "a" {
		t.Fatalf("clone Latest(code) = %+v, %t", got, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("clone Len() = %d, want 1", c.Len())
	}
}
