package stream

import (
	"errors"
	"fmt"
)

// Error kinds; each has its own message.
var (
	ErrAuthentication         = errors.New("stream: data failed authentication")
	ErrConnection             = errors.New("stream: error connecting")
	ErrPoll                   = errors.New("stream: error polling transport")
	ErrSendMoney              = errors.New("stream: error sending money")
	ErrTooManyRejectedPackets = errors.New("stream: too many rejected packets")
)

// PaymentError is the sender's failure: which kind, why, and how far the payment got.
type PaymentError struct {
	Kind    error
	Message string
	Cause   error
	Receipt Receipt
}

func (e *PaymentError) Error() string {
	s := fmt.Sprintf("%v: %s (sent %d, delivered %d)", e.Kind, e.Message, e.Receipt.SentAmount, e.Receipt.DeliveredAmount)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *PaymentError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}
