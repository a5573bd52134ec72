package flow

import (
	"context"
	"testing"
)

func feedAndClose(t *testing.T, items []int) *Reader[int] {
	t.Helper()
	p := NewPipe[int](len(items)+1, QueueBlock, 1, "feed")
	w := p.Writer()
	for _, v := range items {
		if err := w.Write(context.Background(), v); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	w.Close()
	return p.Reader(0)
}

func drainOutput(t *testing.T, fold func(w *Writer[int]) error) []int {
	t.Helper()
	out := NewPipe[int](64, QueueBlock, 1, "merge-out")
	writer := out.Writer()
	done := make(chan error, 1)
	go func() {
		err := fold(writer)
		writer.Close()
		done <- err
	}()

	var got []int
	reader := out.Reader(0)
	for {
		item, err := reader.Next(context.Background())
		if err != nil {
			break
		}
		got = append(got, item)
	}
	if err := <-done; err != nil {
		t.Fatalf("fold() error = %v", err)
	}
	return got
}

func TestInterleaveMerge_RoundRobinsAcrossInputs(t *testing.T) {
	a := feedAndClose(t, []int{1, 3, 5})
	b := feedAndClose(t, []int{2, 4})
	m := NewInterleaveMerge[int]()

	got := drainOutput(t, func(w *Writer[int]) error {
		return m.Fold(context.Background(), []*Reader[int]{a, b}, w)
	})

	want := []int{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPrioritizedMerge_DrainsEachInputInConnectionOrder(t *testing.T) {
	a := feedAndClose(t, []int{1, 2})
	b := feedAndClose(t, []int{3, 4})
	m := NewPrioritizedMerge[int]()

	got := drainOutput(t, func(w *Writer[int]) error {
		return m.Fold(context.Background(), []*Reader[int]{a, b}, w)
	})

	want := []int{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestInterleaveMerge_SkipsExhaustedInputs(t *testing.T) {
	a := feedAndClose(t, []int{1})
	b := feedAndClose(t, []int{2, 3, 4})
	m := NewInterleaveMerge[int]()

	got := drainOutput(t, func(w *Writer[int]) error {
		return m.Fold(context.Background(), []*Reader[int]{a, b}, w)
	})
	if len(got) != 4 {
		t.Fatalf("got %v, want 4 items total", got)
	}
}
