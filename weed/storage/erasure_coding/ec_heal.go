package erasure_coding

import (
	"context"
	"fmt"
	"io"

	"github.com/golang/glog"
)

// Heal rebuilds the shards of an object of totalLength bytes and writes them
// to every non-nil writer. readers holds one slot per disk, nil for disks that
// are missing or are themselves the heal targets.
//
// The write quorum is the number of non-nil writers: a heal must reach every
// disk it targets. Cancellation is only observed between blocks.
func (e *Erasure) Heal(ctx context.Context, writers []io.Writer, readers []io.ReaderAt, totalLength int64) error {
	glog.V(4).Infof("erasure heal, writers len: %d, readers len: %d, total_length: %d", len(writers), len(readers), totalLength)

	if len(writers) != e.TotalShards() {
		return fmt.Errorf("%w: %d writers for %d+%d shards", ErrInvalidArgument, len(writers), e.DataShards, e.ParityShards)
	}
	if len(readers) != e.TotalShards() {
		return fmt.Errorf("%w: %d readers for %d+%d shards", ErrInvalidArgument, len(readers), e.DataShards, e.ParityShards)
	}
	if totalLength < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidArgument, totalLength)
	}

	reader := NewParallelReader(readers, e, 0, totalLength)
	mw := NewMultiWriter(writers, healWriteQuorum(writers))

	endBlock := e.BlockCount(totalLength)
	for block := int64(0); block < endBlock; block++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		shards, errs := reader.Read(ctx)

		availableShards := 0
		for _, err := range errs {
			if err == nil {
				availableShards++
			}
		}
		if availableShards < e.DataShards {
			return &InsufficientShardsError{Need: e.DataShards, Have: availableShards, Errs: errs}
		}

		if e.ParityShards > 0 {
			if err := e.DecodeData(shards); err != nil {
				return fmt.Errorf("block %d: %w", block, err)
			}
		}

		if err := mw.Write(shards); err != nil {
			return fmt.Errorf("block %d: %w", block, err)
		}
	}

	return nil
}

// healWriteQuorum is max(1, number of disks being healed).
func healWriteQuorum(writers []io.Writer) int {
	available := 0
	for _, w := range writers {
		if w != nil {
			available++
		}
	}
	if available < 1 {
		return 1
	}
	return available
}
