package erasure_coding

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBlockSize = 1000
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

// encodeObject encodes data into one in-memory shard file per disk.
func encodeObject(t *testing.T, e *Erasure, data []byte) [][]byte {
	t.Helper()
	buffers := make([]*bytes.Buffer, e.TotalShards())
	writers := make([]io.Writer, e.TotalShards())
	for i := range buffers {
		buffers[i] = new(bytes.Buffer)
		writers[i] = buffers[i]
	}
	n, err := e.Encode(context.Background(), bytes.NewReader(data), writers, int64(len(data)), e.TotalShards())
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)

	files := make([][]byte, e.TotalShards())
	for i, b := range buffers {
		files[i] = b.Bytes()
		assert.Equal(t, e.ShardFileSize(int64(len(data))), int64(len(files[i])), "shard %d size", i)
	}
	return files
}

func TestNewErasureRejectsBadLayout(t *testing.T) {
	_, err := NewErasure(0, 2, testBlockSize)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewErasure(4, -1, testBlockSize)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewErasure(4, 2, 0)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestShardFileSize(t *testing.T) {
	e, err := NewErasure(4, 2, testBlockSize)
	require.NoError(t, err)

	assert.Equal(t, int64(250), e.ShardSize())
	assert.Equal(t, int64(0), e.ShardFileSize(0))
	assert.Equal(t, int64(250), e.ShardFileSize(1000))
	// 2 full blocks plus a 5 byte tail, padded to 2 bytes per shard
	assert.Equal(t, int64(502), e.ShardFileSize(2005))
	assert.Equal(t, int64(3), e.BlockCount(2005))
	assert.Equal(t, int64(0), e.BlockCount(0))
}

func TestEncodeDataAndDecodeData(t *testing.T) {
	e, err := NewErasure(4, 2, testBlockSize)
	require.NoError(t, err)

	data := randomBytes(t, testBlockSize)
	shards, err := e.EncodeData(data)
	require.NoError(t, err)
	require.Len(t, shards, 6)

	original := make([][]byte, len(shards))
	for i := range shards {
		original[i] = append([]byte(nil), shards[i]...)
	}

	shards[0] = nil
	shards[5] = nil
	require.NoError(t, e.DecodeData(shards))
	assert.Equal(t, original, shards)

	assert.True(t, errors.Is(e.DecodeData(shards[:3]), ErrInvalidArgument))
}

func TestParallelReaderMarksFailedShardsPerBlock(t *testing.T) {
	e, err := NewErasure(2, 1, 10)
	require.NoError(t, err)

	data := randomBytes(t, 25)
	files := encodeObject(t, e, data)

	readers := []io.ReaderAt{
		bytes.NewReader(files[0]),
		nil,
		&failingReaderAt{ReaderAt: bytes.NewReader(files[2]), failAt: 0},
	}
	pr := NewParallelReader(readers, e, 0, int64(len(data)))

	shards, errs := pr.Read(context.Background())
	assert.NoError(t, errs[0])
	assert.True(t, errors.Is(errs[1], ErrShardNotFound))
	assert.Error(t, errs[2])
	assert.Nil(t, shards[2])

	// the failing reader only failed for the first block
	_, errs = pr.Read(context.Background())
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[2])
}

type failingReaderAt struct {
	io.ReaderAt
	failAt int64
}

func (f *failingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off == f.failAt {
		return 0, errors.New("bad sector")
	}
	return f.ReaderAt.ReadAt(p, off)
}

func TestMultiWriterQuorum(t *testing.T) {
	ok1, ok2 := new(bytes.Buffer), new(bytes.Buffer)
	bad := &failingWriter{}

	mw := NewMultiWriter([]io.Writer{ok1, nil, bad, ok2}, 2)
	err := mw.Write([][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")})
	assert.NoError(t, err)
	assert.Equal(t, "a", ok1.String())
	assert.Equal(t, "d", ok2.String())
	assert.Error(t, mw.Errs()[2])

	mw = NewMultiWriter([]io.Writer{ok1, bad}, 2)
	err = mw.Write([][]byte{[]byte("a"), []byte("c")})
	assert.True(t, errors.Is(err, ErrWriteQuorum))
}

type failingWriter struct {
	writes int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	f.writes++
	return 0, errors.New("disk full")
}

func TestDecodeRestoresObject(t *testing.T) {
	e, err := NewErasure(4, 2, testBlockSize)
	require.NoError(t, err)

	data := randomBytes(t, 3*testBlockSize+17)
	files := encodeObject(t, e, data)

	readers := make([]io.ReaderAt, len(files))
	for i := range files {
		readers[i] = bytes.NewReader(files[i])
	}
	// one data and one parity shard lost
	readers[1], readers[4] = nil, nil

	var out bytes.Buffer
	n, err := e.Decode(context.Background(), &out, readers, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())

	readers[0] = nil
	readers[2] = nil
	_, err = e.Decode(context.Background(), io.Discard, readers, int64(len(data)))
	var insufficient *InsufficientShardsError
	assert.True(t, errors.As(err, &insufficient))
}
