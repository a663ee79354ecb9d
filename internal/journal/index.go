package journal

import (
	"io"
	"os"

	"github.com/tysontate/gommap"
)

// an index entry is the store position of one record; entry n holds baseOffset+n
const entryWidth uint64 = 8

// index is a memory-mapped table of store positions
type index struct {
	file *os.File
	mmap gommap.MMap
	// bytes of entries in use
	size uint64
}

func newIndex(f *os.File, c Config) (*index, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	// a partial trailing entry is dropped
	idx := &index{file: f, size: uint64(fi.Size()) / entryWidth * entryWidth}

	// the mapping can't grow, so the file is sized to its maximum while open
	if err = f.Truncate(int64(c.Segment.MaxIndexBytes)); err != nil {
		return nil, err
	}
	if idx.mmap, err = gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED); err != nil {
		return nil, err
	}

	return idx, nil
}

// entries is the number of records indexed
func (i *index) entries() uint64 {
	return i.size / entryWidth
}

// position returns the store position of the n-th entry
func (i *index) position(n uint64) (uint64, error) {
	if n >= i.entries() {
		return 0, io.EOF
	}
	at := n * entryWidth
	return enc.Uint64(i.mmap[at : at+entryWidth]), nil
}

func (i *index) write(pos uint64) error {
	if !i.hasRoom() {
		return io.EOF
	}
	enc.PutUint64(i.mmap[i.size:i.size+entryWidth], pos)
	i.size += entryWidth
	return nil
}

// shrink forgets every entry from n on
func (i *index) shrink(n uint64) {
	if n < i.entries() {
		i.size = n * entryWidth
	}
}

func (i *index) hasRoom() bool {
	return uint64(len(i.mmap)) >= i.size+entryWidth
}

func (i *index) Close() error {
	if err := i.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := i.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	// back to the bytes in use so the next open sees the real entry count
	if err := i.file.Truncate(int64(i.size)); err != nil {
		return err
	}
	return i.file.Close()
}
