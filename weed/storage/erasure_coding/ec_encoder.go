package erasure_coding

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// MultiWriter writes the shards of a block to one writer per disk.
// A nil writer is skipped; a writer that failed once is dropped for
// the remaining blocks.
type MultiWriter struct {
	writers     []io.Writer
	writeQuorum int
	errs        []error
}

func NewMultiWriter(writers []io.Writer, writeQuorum int) *MultiWriter {
	return &MultiWriter{
		writers:     writers,
		writeQuorum: writeQuorum,
		errs:        make([]error, len(writers)),
	}
}

func (w *MultiWriter) Write(shards [][]byte) error {
	if len(shards) != len(w.writers) {
		return fmt.Errorf("%w: %d shards for %d writers", ErrInvalidArgument, len(shards), len(w.writers))
	}

	var g errgroup.Group
	for i, writer := range w.writers {
		if writer == nil || w.errs[i] != nil {
			continue
		}
		i, writer := i, writer
		g.Go(func() error {
			n, err := writer.Write(shards[i])
			if err == nil && n != len(shards[i]) {
				err = io.ErrShortWrite
			}
			if err != nil {
				w.errs[i] = fmt.Errorf("write shard %d: %w", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	var firstErr error
	for i, writer := range w.writers {
		if writer == nil {
			continue
		}
		if w.errs[i] == nil {
			succeeded++
		} else if firstErr == nil {
			firstErr = w.errs[i]
		}
	}
	if succeeded < w.writeQuorum {
		return fmt.Errorf("%w: %d succeeded, need %d: %v", ErrWriteQuorum, succeeded, w.writeQuorum, firstErr)
	}
	return nil
}

// Errs returns the first error recorded for each writer.
func (w *MultiWriter) Errs() []error {
	return w.errs
}

// Encode reads totalLength bytes from src block by block and writes the
// encoded shards. It returns the number of logical bytes consumed.
func (e *Erasure) Encode(ctx context.Context, src io.Reader, writers []io.Writer, totalLength int64, writeQuorum int) (int64, error) {
	if len(writers) != e.TotalShards() {
		return 0, fmt.Errorf("%w: %d writers for %d shards", ErrInvalidArgument, len(writers), e.TotalShards())
	}
	mw := NewMultiWriter(writers, writeQuorum)
	buf := make([]byte, e.BlockSize)
	var total int64
	for total < totalLength {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		want := int64(e.BlockSize)
		if totalLength-total < want {
			want = totalLength - total
		}
		n, err := io.ReadFull(src, buf[:want])
		if err != nil {
			return total, fmt.Errorf("read block at %d: %w", total, err)
		}
		shards, err := e.EncodeData(buf[:n])
		if err != nil {
			return total, err
		}
		if err = mw.Write(shards); err != nil {
			return total, err
		}
		total += int64(n)
	}
	return total, nil
}
