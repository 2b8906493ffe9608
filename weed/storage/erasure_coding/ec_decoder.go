package erasure_coding

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// ParallelReader reads one shard-block per call from every available shard
// reader concurrently. A nil reader is a disk that is missing or being healed.
type ParallelReader struct {
	readers   []io.ReaderAt
	erasure   *Erasure
	offset    int64 // offset of the next shard-block inside each shard file
	remaining int64 // logical object bytes not read yet
}

func NewParallelReader(readers []io.ReaderAt, e *Erasure, offset, totalLength int64) *ParallelReader {
	return &ParallelReader{
		readers:   readers,
		erasure:   e,
		offset:    offset,
		remaining: totalLength,
	}
}

// Read returns the shards of the next block together with a per-reader error.
// A failed read only marks that shard unavailable for this block.
func (p *ParallelReader) Read(ctx context.Context) ([][]byte, []error) {
	blockLength := int64(p.erasure.BlockSize)
	if p.remaining < blockLength {
		blockLength = p.remaining
	}
	shardLength := ceilFrac(blockLength, int64(p.erasure.DataShards))

	shards := make([][]byte, len(p.readers))
	errs := make([]error, len(p.readers))

	var g errgroup.Group
	for i, r := range p.readers {
		if r == nil {
			errs[i] = ErrShardNotFound
			continue
		}
		i, r := i, r
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			buf := make([]byte, shardLength)
			n, err := r.ReadAt(buf, p.offset)
			if err != nil && !(errors.Is(err, io.EOF) && int64(n) == shardLength) {
				errs[i] = fmt.Errorf("read shard %d at %d: %w", i, p.offset, err)
				return nil
			}
			shards[i] = buf
			return nil
		})
	}
	_ = g.Wait()

	p.offset += shardLength
	p.remaining -= blockLength
	return shards, errs
}

// Decode reads the whole object of totalLength bytes from its shards and
// writes the data to w. Up to ParityShards readers may be nil or failing.
func (e *Erasure) Decode(ctx context.Context, w io.Writer, readers []io.ReaderAt, totalLength int64) (int64, error) {
	if len(readers) != e.TotalShards() {
		return 0, fmt.Errorf("%w: %d readers for %d+%d shards", ErrInvalidArgument, len(readers), e.DataShards, e.ParityShards)
	}
	reader := NewParallelReader(readers, e, 0, totalLength)
	var written int64
	for block := int64(0); block < e.BlockCount(totalLength); block++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		blockLength := min(int64(e.BlockSize), totalLength-written)
		shards, errs := reader.Read(ctx)

		available := 0
		missingData := false
		for i, err := range errs {
			if err == nil {
				available++
			} else if i < e.DataShards {
				missingData = true
			}
		}
		if available < e.DataShards {
			return written, &InsufficientShardsError{Need: e.DataShards, Have: available, Errs: errs}
		}
		if missingData {
			if err := e.DecodeData(shards); err != nil {
				return written, fmt.Errorf("block %d: %w", block, err)
			}
		}

		remaining := blockLength
		for _, shard := range shards[:e.DataShards] {
			chunk := shard
			if int64(len(chunk)) > remaining {
				chunk = chunk[:remaining]
			}
			n, err := w.Write(chunk)
			written += int64(n)
			remaining -= int64(n)
			if err != nil {
				return written, err
			}
			if remaining == 0 {
				break
			}
		}
	}
	return written, nil
}
