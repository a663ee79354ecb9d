package daraja

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

var ErrMalformedCallback = errors.New("malformed stk callback")

// ResultCode decodes from either a JSON number or a numeric string;
// callbacks send the former, query responses the latter.
type ResultCode int

func (r *ResultCode) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("result code %q: %w", b, err)
	}
	*r = ResultCode(n)
	return nil
}

type Callback struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        *ResultCode `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// ParseCallback decodes an STK callback body. A body without a checkout request id
// or result code is malformed.
func ParseCallback(body []byte) (*StkCallback, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	stk := &cb.Body.StkCallback
	if stk.CheckoutRequestID == "" || stk.ResultCode == nil {
		return nil, ErrMalformedCallback
	}
	return stk, nil
}

// Amount returns the paid amount echoed in the callback metadata, if present
func (s *StkCallback) Amount() (decimal.Decimal, bool) {
	if s.CallbackMetadata == nil {
		return decimal.Zero, false
	}
	for _, item := range s.CallbackMetadata.Item {
		if item.Name != "Amount" || len(item.Value) == 0 {
			continue
		}
		d, err := decimal.NewFromString(string(bytes.Trim(item.Value, `"`)))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}
