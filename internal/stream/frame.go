package stream

import (
	"fmt"

	"dev.c0redev.ilp/internal/oer"
)

// FrameType: 1-byte frame tag inside a STREAM packet.
type FrameType uint8

const (
	TypeConnectionClose        FrameType = 0x01
	TypeConnectionNewAddress   FrameType = 0x02
	TypeConnectionAssetDetails FrameType = 0x07
	TypeStreamClose            FrameType = 0x10
	TypeStreamMoney            FrameType = 0x11
	TypeStreamMaxMoney         FrameType = 0x12
)

// ErrorCode: STREAM close reason.
type ErrorCode uint8

const (
	NoError           ErrorCode = 0x01
	InternalError     ErrorCode = 0x02
	EndpointBusy      ErrorCode = 0x03
	FlowControlError  ErrorCode = 0x04
	StreamIDError     ErrorCode = 0x05
	StreamStateError  ErrorCode = 0x06
	FrameFormatError  ErrorCode = 0x07
	ProtocolViolation ErrorCode = 0x08
	ApplicationError  ErrorCode = 0x09
)

// Frame is one control or money frame.
type Frame interface {
	Type() FrameType
	appendContents(b []byte) []byte
}

type ConnectionClose struct {
	Code    ErrorCode
	Message string
}

type ConnectionNewAddress struct {
	Address string
}

type ConnectionAssetDetails struct {
	Code  string
	Scale uint8
}

type StreamClose struct {
	StreamID uint64
	Code     ErrorCode
	Message  string
}

type StreamMoney struct {
	StreamID uint64
	Shares   uint64
}

type StreamMaxMoney struct {
	StreamID      uint64
	ReceiveMax    uint64
	TotalReceived uint64
}

func (*ConnectionClose) Type() FrameType        { return TypeConnectionClose }
func (*ConnectionNewAddress) Type() FrameType   { return TypeConnectionNewAddress }
func (*ConnectionAssetDetails) Type() FrameType { return TypeConnectionAssetDetails }
func (*StreamClose) Type() FrameType            { return TypeStreamClose }
func (*StreamMoney) Type() FrameType            { return TypeStreamMoney }
func (*StreamMaxMoney) Type() FrameType         { return TypeStreamMaxMoney }

func (f *ConnectionClose) appendContents(b []byte) []byte {
	b = append(b, byte(f.Code))
	return oer.AppendVarOctets(b, []byte(f.Message))
}

func (f *ConnectionNewAddress) appendContents(b []byte) []byte {
	return oer.AppendVarOctets(b, []byte(f.Address))
}

func (f *ConnectionAssetDetails) appendContents(b []byte) []byte {
	b = oer.AppendVarOctets(b, []byte(f.Code))
	return append(b, f.Scale)
}

func (f *StreamClose) appendContents(b []byte) []byte {
	b = oer.AppendVarUint(b, f.StreamID)
	b = append(b, byte(f.Code))
	return oer.AppendVarOctets(b, []byte(f.Message))
}

func (f *StreamMoney) appendContents(b []byte) []byte {
	b = oer.AppendVarUint(b, f.StreamID)
	return oer.AppendVarUint(b, f.Shares)
}

func (f *StreamMaxMoney) appendContents(b []byte) []byte {
	b = oer.AppendVarUint(b, f.StreamID)
	b = oer.AppendVarUint(b, f.ReceiveMax)
	return oer.AppendVarUint(b, f.TotalReceived)
}

// decodeFrame parses contents for a known type; ok=false for unknown types (skipped by caller).
// Bytes past the known fields are ignored so newer peers can extend frames.
func decodeFrame(t FrameType, contents []byte) (f Frame, ok bool, err error) {
	r := oer.NewReader(contents)
	switch t {
	case TypeConnectionClose:
		code, err := r.ReadByte()
		if err != nil {
			return nil, true, err
		}
		msg, err := r.ReadVarOctets()
		if err != nil {
			return nil, true, err
		}
		return &ConnectionClose{Code: ErrorCode(code), Message: string(msg)}, true, nil
	case TypeConnectionNewAddress:
		addr, err := r.ReadVarOctets()
		if err != nil {
			return nil, true, err
		}
		return &ConnectionNewAddress{Address: string(addr)}, true, nil
	case TypeConnectionAssetDetails:
		code, err := r.ReadVarOctets()
		if err != nil {
			return nil, true, err
		}
		scale, err := r.ReadByte()
		if err != nil {
			return nil, true, err
		}
		return &ConnectionAssetDetails{Code: string(code), Scale: scale}, true, nil
	case TypeStreamClose:
		id, err := r.ReadVarUint()
		if err != nil {
			return nil, true, err
		}
		code, err := r.ReadByte()
		if err != nil {
			return nil, true, err
		}
		msg, err := r.ReadVarOctets()
		if err != nil {
			return nil, true, err
		}
		return &StreamClose{StreamID: id, Code: ErrorCode(code), Message: string(msg)}, true, nil
	case TypeStreamMoney:
		id, err := r.ReadVarUint()
		if err != nil {
			return nil, true, err
		}
		shares, err := r.ReadVarUint()
		if err != nil {
			return nil, true, err
		}
		return &StreamMoney{StreamID: id, Shares: shares}, true, nil
	case TypeStreamMaxMoney:
		id, err := r.ReadVarUint()
		if err != nil {
			return nil, true, err
		}
		receiveMax, err := r.ReadVarUint()
		if err != nil {
			return nil, true, err
		}
		total, err := r.ReadVarUint()
		if err != nil {
			return nil, true, err
		}
		return &StreamMaxMoney{StreamID: id, ReceiveMax: receiveMax, TotalReceived: total}, true, nil
	}
	return nil, false, nil
}

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "NoError"
	case InternalError:
		return "InternalError"
	case EndpointBusy:
		return "EndpointBusy"
	case FlowControlError:
		return "FlowControlError"
	case StreamIDError:
		return "StreamIdError"
	case StreamStateError:
		return "StreamStateError"
	case FrameFormatError:
		return "FrameFormatError"
	case ProtocolViolation:
		return "ProtocolViolation"
	case ApplicationError:
		return "ApplicationError"
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}
