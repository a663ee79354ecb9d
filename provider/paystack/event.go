package paystack

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrMalformedEvent = errors.New("malformed paystack event")

// Event is a webhook notification. Only Event, Data.Reference, Data.Amount and
// Data.Status are read.
type Event struct {
	Event string `json:"event"`
	Data  struct {
		Reference       string `json:"reference"`
		Amount          int64  `json:"amount"`
		Status          string `json:"status"`
		GatewayResponse string `json:"gateway_response"`
	} `json:"data"`
}

func ParseEvent(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.Event == "" {
		return nil, ErrMalformedEvent
	}
	return &e, nil
}

// Actionable reports whether the event can change a transaction's status
func (e *Event) Actionable() bool {
	return e.Event == EventChargeSuccess || e.Event == EventChargeFailed
}

// Paid reports whether the event confirms a successful charge
func (e *Event) Paid() bool {
	return e.Event == EventChargeSuccess && e.Data.Status == StatusSuccess
}

func (e *Event) Amount() decimal.Decimal {
	return FromMinor(e.Data.Amount)
}
