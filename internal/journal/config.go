package journal

// Config sizes the on-disk journal
type Config struct {
	Segment struct {
		// offset of the first record in a fresh journal
		InitialOffset uint64
		// a segment is rolled once its store reaches this size
		MaxStoreBytes uint64
		// a segment is rolled once its index cannot take another entry
		MaxIndexBytes uint64
	}
}

const (
	defaultMaxStoreBytes = 1 << 20
	defaultMaxIndexBytes = entryWidth * 8192
)
