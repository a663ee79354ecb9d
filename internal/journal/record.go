package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// Sources of audit records
const (
	SourceCreate        = "create"
	SourceDispatch      = "dispatch"
	SourcePushCallback  = "push_callback"
	SourceCheckoutEvent = "checkout_event"
	SourceQuery         = "query"
	SourceVerify        = "verify"
)

// Record is one provider interaction or status change of a transaction
type Record struct {
	Offset        uint64 `protobuf:"varint,1,opt,name=offset,proto3" json:"offset,omitempty"`
	TransactionId string `protobuf:"bytes,2,opt,name=transaction_id,json=transactionId,proto3" json:"transaction_id,omitempty"`
	Source        string `protobuf:"bytes,3,opt,name=source,proto3" json:"source,omitempty"`
	// transaction status after the interaction
	Status  string `protobuf:"bytes,4,opt,name=status,proto3" json:"status,omitempty"`
	Payload []byte `protobuf:"bytes,5,opt,name=payload,proto3" json:"payload,omitempty"`
	// unix nanoseconds
	RecordedAt int64 `protobuf:"varint,6,opt,name=recorded_at,json=recordedAt,proto3" json:"recorded_at,omitempty"`
	// set when the interaction disagreed with what was already recorded
	Anomaly string `protobuf:"bytes,7,opt,name=anomaly,proto3" json:"anomaly,omitempty"`
}

func (m *Record) Reset()         { *m = Record{} }
func (m *Record) String() string { return proto.CompactTextString(m) }
func (*Record) ProtoMessage()    {}

// ErrOffsetOutOfRange is returned when reading an offset the journal doesn't hold
type ErrOffsetOutOfRange struct {
	Offset uint64
}

func (e ErrOffsetOutOfRange) Error() string {
	return fmt.Sprintf("offset out of range: %d", e.Offset)
}

var ErrClosed = errors.New("journal closed")

// a segment's index has no room for another entry
var errSegmentFull = errors.New("journal segment full")

// Journal is the append-only audit trail of provider interactions
type Journal interface {
	Append(ctx context.Context, record *Record) (uint64, error)
	// ForTransaction returns a transaction's records oldest first
	ForTransaction(ctx context.Context, transactionID string) ([]*Record, error)
	Close() error
}
