package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/gogo/protobuf/proto"
)

// frame header: payload length then its checksum
const (
	lenWidth    = 4
	sumWidth    = 4
	headerWidth = lenWidth + sumWidth
)

var (
	enc    = binary.BigEndian
	crcTab = crc32.MakeTable(crc32.Castagnoli)

	ErrCorrupt = errors.New("journal record failed its checksum")
)

// store holds a segment's records as checksummed frames, appended in offset order
type store struct {
	*os.File
	mu   sync.Mutex
	buf  *bufio.Writer
	size uint64
}

// newStore opens f and cuts off a frame left half written by a crash
func newStore(f *os.File) (*store, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	s := &store{File: f, size: uint64(fi.Size())}
	good, err := s.lastGoodFrame()
	if err != nil {
		return nil, err
	}
	if good < s.size {
		if err := f.Truncate(int64(good)); err != nil {
			return nil, fmt.Errorf("truncating torn record: %w", err)
		}
		s.size = good
	}
	s.buf = bufio.NewWriter(f)

	return s, nil
}

// lastGoodFrame returns where the last complete frame ends
func (s *store) lastGoodFrame() (uint64, error) {
	var pos uint64
	header := make([]byte, headerWidth)
	for pos+headerWidth <= s.size {
		if _, err := s.File.ReadAt(header, int64(pos)); err != nil {
			return 0, err
		}
		end := pos + headerWidth + uint64(enc.Uint32(header))
		if end > s.size {
			break
		}
		p := make([]byte, end-pos-headerWidth)
		if _, err := s.File.ReadAt(p, int64(pos+headerWidth)); err != nil {
			return 0, err
		}
		if crc32.Checksum(p, crcTab) != enc.Uint32(header[lenWidth:]) {
			break
		}
		pos = end
	}
	return pos, nil
}

// append writes record and returns the position its frame starts at
func (s *store) append(record *Record) (uint64, error) {
	p, err := proto.Marshal(record)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	header := make([]byte, headerWidth)
	enc.PutUint32(header, uint32(len(p)))
	enc.PutUint32(header[lenWidth:], crc32.Checksum(p, crcTab))
	if _, err := s.buf.Write(header); err != nil {
		return 0, err
	}
	if _, err := s.buf.Write(p); err != nil {
		return 0, err
	}

	pos := s.size
	s.size += headerWidth + uint64(len(p))
	return pos, nil
}

func (s *store) read(pos uint64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// pending writes must reach the file before it can be read back
	if err := s.buf.Flush(); err != nil {
		return nil, err
	}
	record, _, err := s.frame(pos)
	return record, err
}

// frame decodes the frame at pos and returns where the next one starts
func (s *store) frame(pos uint64) (*Record, uint64, error) {
	if pos+headerWidth > s.size {
		return nil, 0, io.EOF
	}
	header := make([]byte, headerWidth)
	if _, err := s.File.ReadAt(header, int64(pos)); err != nil {
		return nil, 0, err
	}
	p := make([]byte, enc.Uint32(header))
	if _, err := s.File.ReadAt(p, int64(pos+headerWidth)); err != nil {
		return nil, 0, err
	}
	if crc32.Checksum(p, crcTab) != enc.Uint32(header[lenWidth:]) {
		return nil, 0, fmt.Errorf("%w at position %d", ErrCorrupt, pos)
	}

	record := &Record{}
	if err := proto.Unmarshal(p, record); err != nil {
		return nil, 0, err
	}
	return record, pos + headerWidth + uint64(len(p)), nil
}

// scan calls fn with every record in append order until fn returns false
func (s *store) scan(fn func(*Record) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return err
	}
	for pos := uint64(0); pos < s.size; {
		record, next, err := s.frame(pos)
		if err != nil {
			return err
		}
		if !fn(record) {
			return nil
		}
		pos = next
	}
	return nil
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Close()
}
