package kcheckpoint_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/dagstream/internal/fsutil"
	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kcheckpoint/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) kcheckpoint.Store {
		return kcheckpoint.NewMemoryStore()
	})
}

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) kcheckpoint.Store {
		s, err := kcheckpoint.OpenFileStore(t.TempDir())
		assert.NoError(t, err)
		return s
	})
}

func TestEncodeDecode(t *testing.T) {
	cp := storetest.Checkpoint("agg", 3, "payload")
	cp.SourceOffset = []byte{1, 2}

	data, err := kcheckpoint.Encode(cp)
	assert.NoError(t, err)

	got, err := kcheckpoint.Decode(data)
	assert.NoError(t, err)
	assert.Equal(t, cp.Node, got.Node)
	assert.Equal(t, cp.Epoch, got.Epoch)
	assert.Equal(t, "payload", string(got.State))
	assert.Equal(t, []byte{1, 2}, []byte(got.SourceOffset))
}

func TestDecodeCorrupt(t *testing.T) {
	data, err := kcheckpoint.Encode(storetest.Checkpoint("agg", 3, "payload"))
	assert.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	_, err = kcheckpoint.Decode(flipped)
	assert.IsError(t, err, kcheckpoint.ErrCorrupt)

	_, err = kcheckpoint.Decode(data[:len(data)/2])
	assert.IsError(t, err, kcheckpoint.ErrCorrupt)

	_, err = kcheckpoint.Decode([]byte("garbage"))
	assert.IsError(t, err, kcheckpoint.ErrCorrupt)
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := kcheckpoint.OpenFileStore(dir)
	assert.NoError(t, err)
	assert.NoError(t, s.Put(ctx, storetest.Checkpoint("source", 1, "one")))
	assert.NoError(t, s.MarkEpochCommitted(ctx, 1))
	assert.NoError(t, s.Put(ctx, storetest.Checkpoint("source", 2, "two")))
	assert.NoError(t, s.Close())

	s, err = kcheckpoint.OpenFileStore(dir)
	assert.NoError(t, err)
	defer s.Close()

	last, ok, err := s.LastCommittedEpoch(ctx)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), last)

	got, err := s.Latest(ctx, "source")
	assert.NoError(t, err)
	assert.Equal(t, "one", string(got.State))
}

func TestFileStoreLocked(t *testing.T) {
	dir := t.TempDir()

	s, err := kcheckpoint.OpenFileStore(dir)
	assert.NoError(t, err)
	defer s.Close()

	_, err = kcheckpoint.OpenFileStore(dir)
	assert.IsError(t, err, fsutil.ErrLocked)
}

func TestFileStoreCorruptMarker(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := kcheckpoint.OpenFileStore(dir)
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Put(ctx, storetest.Checkpoint("source", 1, "one")))
	assert.NoError(t, s.MarkEpochCommitted(ctx, 1))

	marker := filepath.Join(dir, "epochs", "00000000000000000001", "_COMMITTED")
	data, err := os.ReadFile(marker)
	assert.NoError(t, err)
	assert.Equal(t, "0\n1\n1\nsource ", string(data[:len("0\n1\n1\nsource ")]))

	assert.NoError(t, os.WriteFile(marker, []byte("0\n1\n2\nsource 00000000\n"), 0o644))
	_, _, err = s.LastCommittedEpoch(ctx)
	assert.IsError(t, err, kcheckpoint.ErrCorrupt)
}

func TestFileStoreCorruptCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := kcheckpoint.OpenFileStore(dir)
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Put(ctx, storetest.Checkpoint("source", 1, "one")))
	assert.NoError(t, s.MarkEpochCommitted(ctx, 1))

	path := filepath.Join(dir, "epochs", "00000000000000000001", "source.ckpt")
	assert.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o644))

	_, err = s.Latest(ctx, "source")
	assert.IsError(t, err, kcheckpoint.ErrCorrupt)
}

func TestFileStoreChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := kcheckpoint.OpenFileStore(dir)
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Put(ctx, storetest.Checkpoint("source", 1, "one")))
	assert.NoError(t, s.MarkEpochCommitted(ctx, 1))

	// A well-formed checkpoint that differs from what was committed.
	data, err := kcheckpoint.Encode(storetest.Checkpoint("source", 1, "two"))
	assert.NoError(t, err)
	path := filepath.Join(dir, "epochs", "00000000000000000001", "source.ckpt")
	assert.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = s.Get(ctx, "source", 1)
	assert.IsError(t, err, kcheckpoint.ErrCorrupt)
	_, err = s.Latest(ctx, "source")
	assert.IsError(t, err, kcheckpoint.ErrCorrupt)

	// Uncommitted epochs carry no marker.
	assert.NoError(t, s.Put(ctx, storetest.Checkpoint("source", 2, "three")))
	cp, err := s.Get(ctx, "source", 2)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), cp.Epoch)
}
