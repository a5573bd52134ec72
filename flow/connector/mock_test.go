package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/nodestream/flow"
)

func TestMockSource_EmitsEveryItemThenCloses(t *testing.T) {
	src := &MockSource[int]{Items: []int{1, 2, 3}}
	p := flow.NewPipe[int](8, flow.QueueBlock, 1, "src")

	if err := src.Emit(context.Background(), p.Writer()); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	p.Writer().Close()

	reader := p.Reader(0)
	var got []int
	for {
		item, err := reader.Next(context.Background())
		if err != nil {
			break
		}
		got = append(got, item)
	}
	if len(got) != 3 {
		t.Fatalf("got %d items, want 3", len(got))
	}
	if emitted := src.Emitted(); len(emitted) != 3 {
		t.Fatalf("Emitted() returned %d items, want 3", len(emitted))
	}
}

func TestMockSource_FailsAtConfiguredIndex(t *testing.T) {
	wantErr := errors.New("boom")
	src := &MockSource[int]{Items: []int{1, 2, 3}, Err: wantErr, FailAt: 1}
	p := flow.NewPipe[int](8, flow.QueueBlock, 1, "src")

	err := src.Emit(context.Background(), p.Writer())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Emit() error = %v, want %v", err, wantErr)
	}
	if emitted := src.Emitted(); len(emitted) != 1 {
		t.Fatalf("Emitted() returned %d items, want exactly 1 (only index 0)", len(emitted))
	}
}

func TestMockSource_CallCountTracksRetries(t *testing.T) {
	src := &MockSource[int]{Items: []int{1}}
	p := flow.NewPipe[int](8, flow.QueueBlock, 1, "src")

	if err := src.Emit(context.Background(), p.Writer()); err != nil {
		t.Fatalf("first Emit() error = %v", err)
	}
	if err := src.Emit(context.Background(), p.Writer()); err != nil {
		t.Fatalf("second Emit() error = %v", err)
	}
	if got := src.CallCount(); got != 2 {
		t.Fatalf("CallCount() = %d, want 2", got)
	}
}

func TestMockSource_RespectsCancellation(t *testing.T) {
	src := &MockSource[int]{Items: []int{1, 2, 3}}
	p := flow.NewPipe[int](1, flow.QueueBlock, 1, "src")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The pipe is never drained, so a blocking Write would hang forever on
	// an un-cancelled context; Emit must observe the already-cancelled ctx.
	err := src.Emit(ctx, p.Writer())
	if err == nil {
		t.Fatal("Emit() with an already-cancelled context should return an error")
	}
}

func TestMockSink_RecordsEveryItem(t *testing.T) {
	p := flow.NewPipe[int](8, flow.QueueBlock, 1, "sink")
	writer := p.Writer()
	for _, v := range []int{1, 2, 3} {
		if err := writer.Write(context.Background(), v); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	writer.Close()

	sink := &MockSink[int]{}
	if err := sink.Drain(context.Background(), p.Reader(0)); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	got := sink.Received()
	if len(got) != 3 {
		t.Fatalf("Received() returned %d items, want 3", len(got))
	}
	for i, v := range got {
		if v != i+1 {
			t.Errorf("Received()[%d] = %d, want %d", i, v, i+1)
		}
	}
}

func TestMockSink_FailsAfterConfiguredCount(t *testing.T) {
	wantErr := errors.New("sink boom")
	p := flow.NewPipe[int](8, flow.QueueBlock, 1, "sink")
	writer := p.Writer()
	for _, v := range []int{1, 2, 3} {
		if err := writer.Write(context.Background(), v); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	writer.Close()

	sink := &MockSink[int]{Err: wantErr, FailAfter: 2}
	err := sink.Drain(context.Background(), p.Reader(0))
	if !errors.Is(err, wantErr) {
		t.Fatalf("Drain() error = %v, want %v", err, wantErr)
	}
	if got := sink.Received(); len(got) != 2 {
		t.Fatalf("Received() returned %d items, want exactly 2 before failing", len(got))
	}
}
