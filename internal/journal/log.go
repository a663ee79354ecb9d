package journal

import (
	"context"
	"io/ioutil"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var _ Journal = (*Log)(nil)

// Log is a segmented, append-only journal on disk
type Log struct {
	mu sync.RWMutex

	Dir    string
	Config Config

	activeSegment *segment
	// oldest first
	segments []*segment
	closed   bool
}

func NewLog(dir string, c Config) (*Log, error) {
	if c.Segment.MaxStoreBytes == 0 {
		c.Segment.MaxStoreBytes = defaultMaxStoreBytes
	}
	if c.Segment.MaxIndexBytes == 0 {
		c.Segment.MaxIndexBytes = defaultMaxIndexBytes
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	l := &Log{
		Dir:    dir,
		Config: c,
	}

	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	// each segment has a .store and a .index file sharing a base offset
	seen := make(map[uint64]bool)
	var baseOffsets []uint64
	for _, file := range files {
		ext := path.Ext(file.Name())
		if ext != ".store" && ext != ".index" {
			continue
		}
		off, err := strconv.ParseUint(strings.TrimSuffix(file.Name(), ext), 10, 64)
		if err != nil || seen[off] {
			continue
		}
		seen[off] = true
		baseOffsets = append(baseOffsets, off)
	}
	sort.Slice(baseOffsets, func(i, j int) bool {
		return baseOffsets[i] < baseOffsets[j]
	})

	for _, off := range baseOffsets {
		if err = l.newSegment(off); err != nil {
			return nil, err
		}
	}
	if l.segments == nil {
		if err = l.newSegment(c.Segment.InitialOffset); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// Append writes record and returns its offset
func (l *Log) Append(_ context.Context, record *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if record.RecordedAt == 0 {
		record.RecordedAt = time.Now().UnixNano()
	}

	// a reopened journal may end on a full segment
	if l.activeSegment.maxed() {
		if err := l.newSegment(l.activeSegment.nextOffset); err != nil {
			return 0, err
		}
	}

	off, err := l.activeSegment.append(record)
	if err != nil {
		return 0, err
	}
	if l.activeSegment.maxed() {
		err = l.newSegment(off + 1)
	}

	return off, err
}

func (l *Log) Read(offset uint64) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.read(offset)
}

func (l *Log) read(offset uint64) (*Record, error) {
	for _, s := range l.segments {
		if s.contains(offset) {
			return s.read(offset)
		}
	}
	return nil, ErrOffsetOutOfRange{Offset: offset}
}

func (l *Log) LowestOffset() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.segments[0].baseOffset, nil
}

func (l *Log) HighestOffset() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	off := l.segments[len(l.segments)-1].nextOffset
	if off == 0 {
		return 0, nil
	}
	return off - 1, nil
}

// ForTransaction scans the journal for a transaction's records
func (l *Log) ForTransaction(ctx context.Context, transactionID string) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}

	var result []*Record
	for _, s := range l.segments {
		err := s.store.scan(func(record *Record) bool {
			if record.TransactionId == transactionID {
				result = append(result, record)
			}
			return ctx.Err() == nil
		})
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (l *Log) newSegment(off uint64) error {
	s, err := newSegment(l.Dir, off, l.Config)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, s)
	l.activeSegment = s

	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for _, s := range l.segments {
		if err := s.Close(); err != nil {
			return err
		}
	}

	return nil
}

// Remove closes the log and deletes its directory
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.Dir)
}
