package options

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// TransactionOptions represent options that can be used to configure a Find operation
type TransactionOptions struct {
	// filters transactions that match any id in this slice
	IDs []string
	// filters transactions created by this principal
	InitiatorID string
	// filters transactions whose status matches any in this slice
	Statuses []string
	// filters transactions dispatched with this method
	Method string
	// filters transactions that have an amount in this range (inclusive)
	Amount *DecimalRange
	// filters transactions that were created in this range (inclusive)
	Timestamp *TimeRange
	// paging, newest first
	Limit  int
	Offset int
}

func NewTransactionOptions() *TransactionOptions {
	return &TransactionOptions{}
}

func (this *TransactionOptions) SetIDs(v ...string) *TransactionOptions {
	this.IDs = v
	return this
}

func (this *TransactionOptions) SetInitiator(v string) *TransactionOptions {
	this.InitiatorID = v
	return this
}

func (this *TransactionOptions) SetStatuses(v ...string) *TransactionOptions {
	this.Statuses = v
	return this
}

func (this *TransactionOptions) SetMethod(v string) *TransactionOptions {
	this.Method = v
	return this
}

func (this *TransactionOptions) SetAmountRange(v *DecimalRange) *TransactionOptions {
	this.Amount = v
	return this
}

func (this *TransactionOptions) SetTimeRange(v *TimeRange) *TransactionOptions {
	this.Timestamp = v
	return this
}

func (this *TransactionOptions) SetPage(limit, offset int) *TransactionOptions {
	this.Limit = limit
	this.Offset = offset
	return this
}

// Page returns the effective limit and offset, clamped to sane bounds
func (this *TransactionOptions) Page() (limit, offset int) {
	limit, offset = this.Limit, this.Offset
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
