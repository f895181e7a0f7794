// Package btp is a bilateral ILP transport: request/response frames multiplexed by request id
// over one stream (QUIC or TCP), with token auth and optional ML-KEM-768 payload sealing.
package btp

import (
	"encoding/binary"
	"errors"
	"io"
)

var ErrInvalidFrame = errors.New("btp: invalid frame")

// FrameType: 1-byte type on wire.
type FrameType uint8

const (
	TypeAuth         FrameType = 0x01
	TypeAuthResponse FrameType = 0x02
	TypePing         FrameType = 0x03
	TypePong         FrameType = 0x04
	TypeMessage      FrameType = 0x06 // ILP prepare
	TypeResponse     FrameType = 0x07 // ILP fulfill/reject for a Message
	TypePQKey        FrameType = 0x11 // server's ML-KEM-768 encapsulation key
	TypePQCiphertext FrameType = 0x12 // client's KEM ciphertext
)

// HeaderSize: type u8, request id u32 LE, length u32 LE.
const HeaderSize = 9

// MaxPayloadSize 16MiB.
const MaxPayloadSize = 1024 * 1024 * 16

// Frame: on-wire msg (header + opt payload).
type Frame struct {
	Type      FrameType
	RequestID uint32
	Payload   []byte
}

// EncodeFrame writes header + payload to w as one write.
func EncodeFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return ErrInvalidFrame
	}
	b := make([]byte, HeaderSize, HeaderSize+len(f.Payload))
	b[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(b[1:5], f.RequestID)
	binary.LittleEndian.PutUint32(b[5:9], uint32(len(f.Payload)))
	_, err := w.Write(append(b, f.Payload...))
	return err
}

// DecodeFrame reads one frame; the payload is always freshly allocated.
func DecodeFrame(r io.Reader) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[5:9])
	if length > MaxPayloadSize {
		return nil, ErrInvalidFrame
	}
	f := &Frame{Type: FrameType(header[0]), RequestID: binary.LittleEndian.Uint32(header[1:5])}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Auth payload: flags u8, account id u64 LE, token (u32 LE len-prefixed).
type Auth struct {
	AccountID int64
	Token     string
	PQ        bool
}

const authFlagPQ = 0x01

func EncodeAuth(a *Auth) []byte {
	var flags byte
	if a.PQ {
		flags |= authFlagPQ
	}
	b := make([]byte, 13, 13+len(a.Token))
	b[0] = flags
	binary.LittleEndian.PutUint64(b[1:9], uint64(a.AccountID))
	binary.LittleEndian.PutUint32(b[9:13], uint32(len(a.Token)))
	return append(b, a.Token...)
}

func DecodeAuth(payload []byte) (*Auth, error) {
	if len(payload) < 13 {
		return nil, ErrInvalidFrame
	}
	ln := binary.LittleEndian.Uint32(payload[9:13])
	if uint32(len(payload)-13) != ln {
		return nil, ErrInvalidFrame
	}
	return &Auth{
		PQ:        payload[0]&authFlagPQ != 0,
		AccountID: int64(binary.LittleEndian.Uint64(payload[1:9])),
		Token:     string(payload[13:]),
	}, nil
}

// AuthResponse payload: ok u8, then error message (u32 LE len-prefixed) when not ok.
type AuthResponse struct {
	OK    bool
	Error string
}

func EncodeAuthResponse(res *AuthResponse) []byte {
	if res.OK {
		return []byte{1}
	}
	b := make([]byte, 5, 5+len(res.Error))
	binary.LittleEndian.PutUint32(b[1:5], uint32(len(res.Error)))
	return append(b, res.Error...)
}

func DecodeAuthResponse(payload []byte) (*AuthResponse, error) {
	if len(payload) < 1 {
		return nil, ErrInvalidFrame
	}
	res := &AuthResponse{OK: payload[0] == 1}
	if !res.OK && len(payload) >= 5 {
		ln := binary.LittleEndian.Uint32(payload[1:5])
		if uint32(len(payload)-5) < ln {
			return nil, ErrInvalidFrame
		}
		res.Error = string(payload[5 : 5+ln])
	}
	return res, nil
}
