package erasure_coding

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

const (
	DataShardsCount             = 10
	ParityShardsCount           = 4
	TotalShardsCount            = DataShardsCount + ParityShardsCount
	ErasureCodingSmallBlockSize = 1024 * 1024 // 1MB
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrWriteQuorum     = errors.New("write quorum not met")
	ErrShardNotFound   = errors.New("shard reader not available")
)

// InsufficientShardsError is returned when a block cannot be reconstructed
// because fewer than DataShards shards could be read.
type InsufficientShardsError struct {
	Need int
	Have int
	Errs []error
}

func (e *InsufficientShardsError) Error() string {
	return fmt.Sprintf("can not reconstruct data: not enough available shards (need %d, have %d) %v", e.Need, e.Have, e.Errs)
}

// Erasure describes the layout of one erasure-coded object: how many data and
// parity shards a block is split into and how large a logical block is.
type Erasure struct {
	DataShards   int
	ParityShards int
	BlockSize    int

	encoder reedsolomon.Encoder
}

func NewErasure(dataShards, parityShards, blockSize int) (*Erasure, error) {
	if dataShards <= 0 || parityShards < 0 || blockSize <= 0 {
		return nil, fmt.Errorf("%w: data=%d parity=%d blockSize=%d", ErrInvalidArgument, dataShards, parityShards, blockSize)
	}
	e := &Erasure{
		DataShards:   dataShards,
		ParityShards: parityShards,
		BlockSize:    blockSize,
	}
	if parityShards > 0 {
		enc, err := reedsolomon.New(dataShards, parityShards)
		if err != nil {
			return nil, fmt.Errorf("failed to create encoder: %v", err)
		}
		e.encoder = enc
	}
	return e, nil
}

func (e *Erasure) TotalShards() int {
	return e.DataShards + e.ParityShards
}

// ShardSize is the size of one shard of a full block.
func (e *Erasure) ShardSize() int64 {
	return ceilFrac(int64(e.BlockSize), int64(e.DataShards))
}

// ShardFileSize is the size of every shard file of an object of totalLength bytes.
func (e *Erasure) ShardFileSize(totalLength int64) int64 {
	if totalLength <= 0 {
		return 0
	}
	numBlocks := totalLength / int64(e.BlockSize)
	lastBlockSize := totalLength % int64(e.BlockSize)
	return numBlocks*e.ShardSize() + ceilFrac(lastBlockSize, int64(e.DataShards))
}

// BlockCount returns ceil(totalLength / BlockSize).
func (e *Erasure) BlockCount(totalLength int64) int64 {
	if totalLength <= 0 {
		return 0
	}
	return ceilFrac(totalLength, int64(e.BlockSize))
}

// EncodeData splits one block into data shards and computes the parity shards.
func (e *Erasure) EncodeData(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return make([][]byte, e.TotalShards()), nil
	}
	shardSize := ceilFrac(int64(len(data)), int64(e.DataShards))
	shards := make([][]byte, e.TotalShards())
	padded := make([]byte, shardSize*int64(e.TotalShards()))
	copy(padded, data)
	for i := range shards {
		shards[i] = padded[int64(i)*shardSize : int64(i+1)*shardSize]
	}
	if e.encoder != nil {
		if err := e.encoder.Encode(shards); err != nil {
			return nil, fmt.Errorf("encode: %v", err)
		}
	}
	return shards, nil
}

// DecodeData reconstructs every missing (nil) shard in place, data and parity.
func (e *Erasure) DecodeData(shards [][]byte) error {
	if len(shards) != e.TotalShards() {
		return fmt.Errorf("%w: got %d shards, want %d", ErrInvalidArgument, len(shards), e.TotalShards())
	}
	if e.encoder == nil {
		return nil
	}
	if err := e.encoder.Reconstruct(shards); err != nil {
		return fmt.Errorf("reconstruct: %v", err)
	}
	return nil
}

func ceilFrac(numerator, denominator int64) int64 {
	if denominator == 0 {
		return 0
	}
	return (numerator + denominator - 1) / denominator
}
