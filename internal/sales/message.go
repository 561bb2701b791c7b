package sales

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrEmptyMessage is returned for a body that decodes to nothing.
var ErrEmptyMessage = errors.New("empty sale message")

// Message is a sale event as published by the checkout services. Field names
// are matched case-insensitively on decode.
type Message struct {
	TransactionID string          `json:"transactionId"`
	GameID        int64           `json:"gameId"`
	Quantity      int             `json:"quantity"`
	SaleDateTime  time.Time       `json:"saleDateTime"`
	UserID        string          `json:"userId"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	SourceService string          `json:"sourceService,omitempty"`
}

// saleTimeLayouts are tried in order. Producers without an offset are read as UTC.
var saleTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON accepts sale timestamps with or without a UTC offset.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		SaleDateTime json.RawMessage `json:"saleDateTime"`
	}{plain: (*plain)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	raw := bytes.TrimSpace(aux.SaleDateTime)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		m.SaleDateTime = time.Time{}
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("saleDateTime: %w", err)
	}
	if s == "" {
		m.SaleDateTime = time.Time{}
		return nil
	}
	for _, layout := range saleTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			m.SaleDateTime = t
			return nil
		}
	}
	return fmt.Errorf("saleDateTime: unrecognised timestamp %q", s)
}

// ParseMessage decodes a message body.
func ParseMessage(body []byte) (*Message, error) {
	var msg *Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrEmptyMessage
	}
	return msg, nil
}
