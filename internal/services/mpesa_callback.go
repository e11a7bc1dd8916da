package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const mpesaSuccessDesc = "The service request is processed successfully."

// ResultCode is a Daraja result code. The callback sends it as a number, the query
// endpoint as a string; both decode to the same value.
type ResultCode string

func (c *ResultCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("result code is empty")
		}
		*c = ResultCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("result code is neither a number nor a string: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*c = ResultCode(strconv.FormatInt(i, 10))
		return nil
	}
	*c = ResultCode(n.String())
	return nil
}

func (c ResultCode) IsSuccess() bool {
	return c == "0"
}

// IsProcessing reports the codes Daraja uses while the payer has not answered yet.
func (c ResultCode) IsProcessing() bool {
	return c == "1037" || c == "4999"
}

type stkCallbackEnvelope struct {
	Body *struct {
		StkCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback is the body Daraja posts to the callback URL after an STK push settles.
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *ResultCode       `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// ParseSTKCallback decodes and validates a callback body. Any structural problem is
// reported as ErrInvalidCallback.
func ParseSTKCallback(raw []byte) (*STKCallback, error) {
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if envelope.Body == nil || envelope.Body.StkCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrInvalidCallback)
	}

	cb := envelope.Body.StkCallback
	cb.CheckoutRequestID = strings.TrimSpace(cb.CheckoutRequestID)
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrInvalidCallback)
	}
	if cb.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing ResultCode", ErrInvalidCallback)
	}
	return cb, nil
}

// MetadataValue returns the named metadata item as a string, or "" when absent.
func (cb STKCallback) MetadataValue(name string) string {
	if cb.CallbackMetadata == nil {
		return ""
	}
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name != name || len(item.Value) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(item.Value, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(item.Value, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

func (cb STKCallback) ReceiptNumber() string {
	return cb.MetadataValue("MpesaReceiptNumber")
}
