package services

import (
	"errors"
	"testing"
)

func TestParseSTKCallback(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantErr     bool
		wantCode    ResultCode
		wantReceipt string
	}{
		{
			name: "successful payment",
			body: `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":2000},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"TransactionDate","Value":20191219102115},{"Name":"PhoneNumber","Value":254708374149}]}}}}`,
			wantCode:    "0",
			wantReceipt: "NLJ7RT61SV",
		},
		{
			name:     "cancelled by user",
			body:     `{"Body":{"stkCallback":{"MerchantRequestID":"1","CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`,
			wantCode: "1032",
		},
		{
			name:     "string result code",
			body:     `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_3","ResultCode":"0","ResultDesc":"ok"}}}`,
			wantCode: "0",
		},
		{name: "not json", body: `ResultCode=0`, wantErr: true},
		{name: "missing body", body: `{"stkCallback":{"CheckoutRequestID":"ws_CO_4","ResultCode":0}}`, wantErr: true},
		{name: "missing checkout id", body: `{"Body":{"stkCallback":{"ResultCode":0}}}`, wantErr: true},
		{name: "missing result code", body: `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_5"}}}`, wantErr: true},
		{name: "null result code", body: `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_6","ResultCode":null}}}`, wantErr: true},
		{name: "boolean result code", body: `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_7","ResultCode":true}}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := ParseSTKCallback([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCallback) {
					t.Fatalf("expected ErrInvalidCallback, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSTKCallback returned error: %v", err)
			}
			if *cb.ResultCode != tt.wantCode {
				t.Errorf("ResultCode = %q; want %q", *cb.ResultCode, tt.wantCode)
			}
			if got := cb.ReceiptNumber(); got != tt.wantReceipt {
				t.Errorf("ReceiptNumber() = %q; want %q", got, tt.wantReceipt)
			}
		})
	}
}

func TestSTKCallbackMetadataValueNumbers(t *testing.T) {
	cb, err := ParseSTKCallback([]byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":1.5},{"Name":"PhoneNumber","Value":254708374149},{"Name":"Balance"}]}}}}`))
	if err != nil {
		t.Fatalf("ParseSTKCallback returned error: %v", err)
	}
	if got := cb.MetadataValue("Amount"); got != "1.5" {
		t.Errorf("Amount = %q", got)
	}
	if got := cb.MetadataValue("PhoneNumber"); got != "254708374149" {
		t.Errorf("PhoneNumber = %q", got)
	}
	if got := cb.MetadataValue("Balance"); got != "" {
		t.Errorf("Balance = %q; want empty", got)
	}
}
