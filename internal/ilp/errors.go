package ilp

import (
	"encoding/binary"
	"fmt"
)

// ErrorCode is the 3-char reject code (F final, T temporary, R relative).
type ErrorCode string

const (
	F00BadRequest            ErrorCode = "F00"
	F01InvalidPacket         ErrorCode = "F01"
	F02Unreachable           ErrorCode = "F02"
	F03InvalidAmount         ErrorCode = "F03"
	F04InsufficientDstAmt    ErrorCode = "F04"
	F05WrongCondition        ErrorCode = "F05"
	F06UnexpectedPayment     ErrorCode = "F06"
	F07CannotReceive         ErrorCode = "F07"
	F08AmountTooLarge        ErrorCode = "F08"
	F09InvalidFulfillment    ErrorCode = "F09"
	F99ApplicationError      ErrorCode = "F99"
	T00InternalError         ErrorCode = "T00"
	T01PeerUnreachable       ErrorCode = "T01"
	T02PeerBusy              ErrorCode = "T02"
	T03ConnectorBusy         ErrorCode = "T03"
	T04InsufficientLiquidity ErrorCode = "T04"
	T05RateLimited           ErrorCode = "T05"
	T99ApplicationError      ErrorCode = "T99"
	R00TransferTimedOut      ErrorCode = "R00"
	R01InsufficientSrcAmt    ErrorCode = "R01"
	R02InsufficientTimeout   ErrorCode = "R02"
	R99ApplicationError      ErrorCode = "R99"
)

// ErrorClass is the first char of a code.
type ErrorClass byte

const (
	ClassFinal     ErrorClass = 'F'
	ClassTemporary ErrorClass = 'T'
	ClassRelative  ErrorClass = 'R'
)

// Class returns the code's class; 0 if malformed.
func (c ErrorCode) Class() ErrorClass {
	if len(c) != 3 {
		return 0
	}
	return ErrorClass(c[0])
}

func (c ErrorCode) valid() bool {
	if len(c) != 3 {
		return false
	}
	switch ErrorClass(c[0]) {
	case ClassFinal, ClassTemporary, ClassRelative:
	default:
		return false
	}
	for i := 1; i < 3; i++ {
		if c[i] < '0' || c[i] > '9' {
			return false
		}
	}
	return true
}

// MaxPacketAmountDetails is the F08 data: amount the peer saw and the max it accepts (16 bytes).
type MaxPacketAmountDetails struct {
	Received uint64
	Max      uint64
}

// MarshalBinary encodes 8+8 BE.
func (d MaxPacketAmountDetails) MarshalBinary() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], d.Received)
	binary.BigEndian.PutUint64(b[8:], d.Max)
	return b
}

// ParseMaxPacketAmountDetails reads F08 data; ok=false if absent/short.
func ParseMaxPacketAmountDetails(data []byte) (MaxPacketAmountDetails, bool) {
	if len(data) < 16 {
		return MaxPacketAmountDetails{}, false
	}
	return MaxPacketAmountDetails{
		Received: binary.BigEndian.Uint64(data[:8]),
		Max:      binary.BigEndian.Uint64(data[8:16]),
	}, true
}

// NewReject is shorthand for a reject with formatted message.
func NewReject(code ErrorCode, triggeredBy Address, format string, args ...any) *Reject {
	return &Reject{Code: code, TriggeredBy: triggeredBy, Message: fmt.Sprintf(format, args...)}
}
