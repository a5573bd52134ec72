package flow

import (
	"context"
	"errors"
	"io"
)

// NewInterleaveMerge returns a Merge that round-robins across its inputs,
// skipping any that have already reached io.EOF, until every input is
// exhausted.
func NewInterleaveMerge[T any]() Merge[T] {
	return MergeFunc[T](func(ctx context.Context, ins []*Reader[T], w *Writer[T]) error {
		done := make([]bool, len(ins))
		remaining := len(ins)
		for remaining > 0 {
			for i, in := range ins {
				if done[i] {
					continue
				}
				item, err := in.Next(ctx)
				if err != nil {
					if isEOF(err) {
						done[i] = true
						remaining--
						continue
					}
					return err
				}
				if err := w.Write(ctx, item); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// NewPrioritizedMerge returns a Merge that drains each input to completion
// strictly in connection order before moving to the next, so earlier-
// connected inputs always take priority over later ones.
func NewPrioritizedMerge[T any]() Merge[T] {
	return MergeFunc[T](func(ctx context.Context, ins []*Reader[T], w *Writer[T]) error {
		for _, in := range ins {
			for {
				item, err := in.Next(ctx)
				if err != nil {
					if isEOF(err) {
						break
					}
					return err
				}
				if err := w.Write(ctx, item); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
