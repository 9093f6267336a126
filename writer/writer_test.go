package writer

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteSingleFileRecordsGrowingOffsets(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)

	ts := time.Unix(1700000000, 123000)
	fn0, pos0, err := w.Write([]byte("first frame"), 11, 11, ts)
	require.NoError(t, err)
	require.Equal(t, int32(0), fn0)
	require.Equal(t, int64(pcapGlobalHeaderLen), pos0)

	fn1, pos1, err := w.Write([]byte("second frame, a bit longer"), 27, 27, ts)
	require.NoError(t, err)
	require.Equal(t, int32(0), fn1)
	require.Equal(t, pos0+int64(pcapRecordHeaderLen+len("first frame")), pos1)

	require.NoError(t, w.Close())

	info, err := os.Stat(w.file.Name())
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestRotationBumpsFileNumberAndResetsOffset(t *testing.T) {
	dir := t.TempDir()
	frame := make([]byte, 100)
	w, err := New(dir, WithMaxFileBytes(int64(pcapGlobalHeaderLen+pcapRecordHeaderLen+len(frame))))
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0)
	fn0, pos0, err := w.Write(frame, uint32(len(frame)), uint32(len(frame)), ts)
	require.NoError(t, err)
	require.Equal(t, int32(0), fn0)
	require.Equal(t, int64(pcapGlobalHeaderLen), pos0)

	// This record no longer fits in file 0, so it must rotate into file 1.
	fn1, pos1, err := w.Write(frame, uint32(len(frame)), uint32(len(frame)), ts)
	require.NoError(t, err)
	require.Equal(t, int32(1), fn1)
	require.Equal(t, int64(pcapGlobalHeaderLen), pos1)

	require.NoError(t, w.Close())
}

func TestCompressedRotationProducesGzFiles(t *testing.T) {
	dir := t.TempDir()
	frame := make([]byte, 50)
	w, err := New(dir, WithCompress(true), WithMaxFileBytes(int64(pcapGlobalHeaderLen+pcapRecordHeaderLen+len(frame))))
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0)
	_, _, err = w.Write(frame, uint32(len(frame)), uint32(len(frame)), ts)
	require.NoError(t, err)
	_, _, err = w.Write(frame, uint32(len(frame)), uint32(len(frame)), ts)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Contains(t, e.Name(), ".pcap.gz")
	}
}

func TestQueueLengthAlwaysZero(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	require.Equal(t, 0, w.QueueLength())
}

func TestFlushPushesBytesWithoutClosingFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0)
	_, _, err = w.Write([]byte("queued for a scheduled flush"), 28, 28, ts)
	require.NoError(t, err)

	require.NoError(t, w.Flush())

	info, err := os.Stat(w.file.Name())
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))

	// File must still be open and further writes still possible.
	_, _, err = w.Write([]byte("more"), 4, 4, ts)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestFlushBeforeAnyWriteIsNoop(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
}
