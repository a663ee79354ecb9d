package journal

import (
	"fmt"
	"os"
	"path"
)

// segment is one store plus its index, covering offsets [baseOffset, nextOffset)
type segment struct {
	store *store
	index *index

	baseOffset uint64
	nextOffset uint64

	config Config
}

func newSegment(dir string, baseOffset uint64, c Config) (*segment, error) {
	storeFile, err := os.OpenFile(
		path.Join(dir, fmt.Sprintf("%d.store", baseOffset)),
		os.O_RDWR|os.O_CREATE|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, err
	}
	st, err := newStore(storeFile)
	if err != nil {
		storeFile.Close()
		return nil, err
	}

	indexFile, err := os.OpenFile(
		path.Join(dir, fmt.Sprintf("%d.index", baseOffset)),
		os.O_RDWR|os.O_CREATE,
		0644,
	)
	if err != nil {
		st.Close()
		return nil, err
	}
	idx, err := newIndex(indexFile, c)
	if err != nil {
		st.Close()
		indexFile.Close()
		return nil, err
	}

	// entries pointing into a torn store tail went with it
	for n := idx.entries(); n > 0; n-- {
		pos, _ := idx.position(n - 1)
		if pos < st.size {
			break
		}
		idx.shrink(n - 1)
	}

	return &segment{
		store:      st,
		index:      idx,
		baseOffset: baseOffset,
		nextOffset: baseOffset + idx.entries(),
		config:     c,
	}, nil
}

// append stamps record with the next offset and writes it
func (s *segment) append(record *Record) (uint64, error) {
	if !s.index.hasRoom() {
		return 0, errSegmentFull
	}
	record.Offset = s.nextOffset
	pos, err := s.store.append(record)
	if err != nil {
		return 0, err
	}
	if err = s.index.write(pos); err != nil {
		return 0, err
	}

	s.nextOffset++
	return record.Offset, nil
}

func (s *segment) read(offset uint64) (*Record, error) {
	if !s.contains(offset) {
		return nil, ErrOffsetOutOfRange{Offset: offset}
	}
	pos, err := s.index.position(offset - s.baseOffset)
	if err != nil {
		return nil, err
	}
	return s.store.read(pos)
}

func (s *segment) contains(offset uint64) bool {
	return s.baseOffset <= offset && offset < s.nextOffset
}

// maxed reports whether the segment must be rolled before the next append
func (s *segment) maxed() bool {
	return s.store.size >= s.config.Segment.MaxStoreBytes || !s.index.hasRoom()
}

func (s *segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}
