package journal

import (
	"context"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
)

var _ Journal = (*Memory)(nil)

// Memory is a Journal that lives only as long as the process
type Memory struct {
	mu      sync.Mutex
	records []*Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (this *Memory) Append(_ context.Context, record *Record) (uint64, error) {
	this.mu.Lock()
	defer this.mu.Unlock()

	record.Offset = uint64(len(this.records))
	if record.RecordedAt == 0 {
		record.RecordedAt = time.Now().UnixNano()
	}
	this.records = append(this.records, proto.Clone(record).(*Record))

	return record.Offset, nil
}

func (this *Memory) Read(offset uint64) (*Record, error) {
	this.mu.Lock()
	defer this.mu.Unlock()

	if offset >= uint64(len(this.records)) {
		return nil, ErrOffsetOutOfRange{Offset: offset}
	}
	return proto.Clone(this.records[offset]).(*Record), nil
}

func (this *Memory) ForTransaction(_ context.Context, transactionID string) ([]*Record, error) {
	this.mu.Lock()
	defer this.mu.Unlock()

	var result []*Record
	for _, r := range this.records {
		if r.TransactionId == transactionID {
			result = append(result, proto.Clone(r).(*Record))
		}
	}
	return result, nil
}

func (this *Memory) Close() error {
	return nil
}
