package journal_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"reconciler/internal/journal"
)

func record(txID string) *journal.Record {
	return &journal.Record{
		TransactionId: txID,
		Source:        journal.SourcePushCallback,
		Status:        "COMPLETED",
		Payload:       []byte(`{"Body":{}}`),
	}
}

func TestLog(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, log *journal.Log){
		"append and read a record succeeds": testAppendRead,
		"offset out of range error":         testOutOfRangeErr,
		"init with existing segments":       testInitExisting,
		"reads span segments":               testReadAcrossSegments,
		"lowest and highest offset":         testOffsets,
		"records for a transaction":         testForTransaction,
		"closed log rejects appends":        testClosed,
	} {
		t.Run(scenario, func(t *testing.T) {
			dir, err := ioutil.TempDir("", "journal-test")
			require.NoError(t, err)
			defer os.RemoveAll(dir)

			c := journal.Config{}
			c.Segment.MaxStoreBytes = 64
			log, err := journal.NewLog(dir, c)
			require.NoError(t, err)

			fn(t, log)
		})
	}
}

func testAppendRead(t *testing.T, log *journal.Log) {
	in := record("t-1")
	off, err := log.Append(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	require.NotZero(t, in.RecordedAt)

	read, err := log.Read(off)
	require.NoError(t, err)
	require.Equal(t, in, read)
}

func testOutOfRangeErr(t *testing.T, log *journal.Log) {
	read, err := log.Read(2)
	require.Nil(t, read)
	require.Equal(t, journal.ErrOffsetOutOfRange{Offset: 2}, err)
}

func testInitExisting(t *testing.T, o *journal.Log) {
	for i := 0; i < 3; i++ {
		_, err := o.Append(context.Background(), record("t-1"))
		require.NoError(t, err)
	}
	require.NoError(t, o.Close())

	n, err := journal.NewLog(o.Dir, o.Config)
	require.NoError(t, err)
	defer n.Close()

	off, err := n.Append(context.Background(), record("t-1"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), off)

	records, err := n.ForTransaction(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, records, 4)
}

func testReadAcrossSegments(t *testing.T, log *journal.Log) {
	// each record overflows the 64 byte store so every append rolls a segment
	var offsets []uint64
	for i := 0; i < 5; i++ {
		off, err := log.Append(context.Background(), record(fmt.Sprintf("t-%d", i)))
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	for i, off := range offsets {
		read, err := log.Read(off)
		require.NoError(t, err)
		require.Equal(t, off, read.Offset)
		require.Equal(t, fmt.Sprintf("t-%d", i), read.TransactionId)
	}
}

func testOffsets(t *testing.T, log *journal.Log) {
	for i := 0; i < 3; i++ {
		_, err := log.Append(context.Background(), record("t-1"))
		require.NoError(t, err)
	}

	lowest, err := log.LowestOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(0), lowest)

	highest, err := log.HighestOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(2), highest)
}

func testForTransaction(t *testing.T, log *journal.Log) {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "a", "c", "a"} {
		_, err := log.Append(ctx, record(id))
		require.NoError(t, err)
	}

	records, err := log.ForTransaction(ctx, "a")
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []uint64{0, 2, 4}, []uint64{records[0].Offset, records[1].Offset, records[2].Offset})

	records, err = log.ForTransaction(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, records)
}

func testClosed(t *testing.T, log *journal.Log) {
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())

	_, err := log.Append(context.Background(), record("t-1"))
	require.ErrorIs(t, err, journal.ErrClosed)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := journal.NewMemory()

	for _, id := range []string{"a", "b", "a"} {
		_, err := m.Append(ctx, record(id))
		require.NoError(t, err)
	}

	read, err := m.Read(1)
	require.NoError(t, err)
	require.Equal(t, "b", read.TransactionId)

	_, err = m.Read(3)
	require.Equal(t, journal.ErrOffsetOutOfRange{Offset: 3}, err)

	records, err := m.ForTransaction(ctx, "a")
	require.NoError(t, err)
	require.Len(t, records, 2)

	// callers can't alias stored records
	records[0].Status = "FAILED"
	again, err := m.ForTransaction(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", again[0].Status)
}
