package journal

import (
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegment(t *testing.T) {
	dir, err := ioutil.TempDir("", "segment-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	record := &Record{TransactionId: "t-1", Source: SourceQuery, Status: "PROCESSING", Payload: payload, RecordedAt: 1}

	c := Config{}
	c.Segment.MaxStoreBytes = 1024
	numEntries := 3
	c.Segment.MaxIndexBytes = entryWidth * uint64(numEntries)

	baseOffset := uint64(16)
	s, err := newSegment(dir, baseOffset, c)
	require.NoError(t, err)
	require.Equal(t, baseOffset, s.nextOffset)
	require.False(t, s.maxed())

	for i := 0; i < numEntries; i++ {
		offset, err := s.append(record)
		require.NoError(t, err)
		require.Equal(t, baseOffset+uint64(i), offset)
		require.True(t, s.contains(offset))

		got, err := s.read(offset)
		require.NoError(t, err)
		require.Equal(t, record, got)
	}
	require.False(t, s.contains(baseOffset+uint64(numEntries)))
	_, err = s.read(baseOffset + uint64(numEntries))
	require.Equal(t, ErrOffsetOutOfRange{Offset: baseOffset + uint64(numEntries)}, err)

	_, err = s.append(record)
	require.Equal(t, errSegmentFull, err)
	require.True(t, s.maxed())
	require.NoError(t, s.Close())

	// reopening loads state from the persisted files
	c.Segment.MaxStoreBytes = uint64(len(payload) * numEntries)
	c.Segment.MaxIndexBytes = 1024
	s, err = newSegment(dir, baseOffset, c)
	require.NoError(t, err)
	require.Equal(t, baseOffset+uint64(numEntries), s.nextOffset)
	require.True(t, s.maxed())
	require.NoError(t, s.Close())
}

func TestSegmentDropsEntriesForTornRecords(t *testing.T) {
	dir, err := ioutil.TempDir("", "segment-torn-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := Config{}
	c.Segment.MaxStoreBytes = 1024
	c.Segment.MaxIndexBytes = 1024

	s, err := newSegment(dir, 0, c)
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, err := s.append(&Record{TransactionId: id, Payload: payload})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	storeName := path.Join(dir, "0.store")
	fi, err := os.Stat(storeName)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(storeName, fi.Size()-1))

	s, err = newSegment(dir, 0, c)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(1), s.nextOffset)

	got, err := s.read(0)
	require.NoError(t, err)
	require.Equal(t, "a", got.TransactionId)

	// the lost offset is reused, with the index and store back in step
	off, err := s.append(&Record{TransactionId: "c", Payload: payload})
	require.NoError(t, err)
	require.Equal(t, uint64(1), off)
	got, err = s.read(1)
	require.NoError(t, err)
	require.Equal(t, "c", got.TransactionId)
}
