package daraja

import (
	"strings"

	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
)

// PushRequest is the payment intent handed to the gateway client.
type PushRequest struct {
	PhoneNumber      string // MSISDN in 2547XXXXXXXX form
	Amount           int64  // Whole KES; Daraja does not accept cents
	AccountReference string
	Description      string
}

// PushAck is Daraja's synchronous acknowledgment of an STK push request.
// ResponseCode arrives as a string on the wire ("0" for success).
type PushAck struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Accepted reports whether the gateway accepted the push for processing.
func (a PushAck) Accepted() bool {
	return strings.TrimSpace(a.ResponseCode) == "0"
}

// stkPushPayload is the request body for the STK push endpoint, using
// Daraja's exact field names.
type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// errorResponse is Daraja's error body for rejected requests.
type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// CallbackEnvelope is the webhook payload Daraja posts after the customer
// confirms or declines the prompt. The nesting is fixed by the gateway.
type CallbackEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback carries the asynchronous result for one checkout request.
// ResultCode is a pointer so validation can tell an absent code apart from
// the success code 0.
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *int              `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata is present only on successful payments.
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem is a loosely typed name/value pair; Value may be a string
// (receipt number, phone) or a number (amount, transaction date).
type MetadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// Succeeded reports whether the customer completed the payment.
func (c STKCallback) Succeeded() bool {
	return c.ResultCode != nil && *c.ResultCode == 0
}

// Code returns the result code, or -1 when absent.
func (c STKCallback) Code() int {
	if c.ResultCode == nil {
		return -1
	}
	return *c.ResultCode
}

// ReceiptNumber extracts the MpesaReceiptNumber metadata item, if present.
func (c STKCallback) ReceiptNumber() string {
	if c.CallbackMetadata == nil {
		return ""
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			if s, ok := item.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// errMissingField builds the validation error used by Validate.
func errMissingField(field string) error {
	return apierrors.New(apierrors.ErrCodeValidationError, "missing required field "+field)
}

// Validate checks the envelope has the identifiers reconciliation needs.
func (c CallbackEnvelope) Validate() error {
	cb := c.Body.STKCallback
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return errMissingField("Body.stkCallback.CheckoutRequestID")
	}
	if strings.TrimSpace(cb.MerchantRequestID) == "" {
		return errMissingField("Body.stkCallback.MerchantRequestID")
	}
	if cb.ResultCode == nil {
		return errMissingField("Body.stkCallback.ResultCode")
	}
	return nil
}
