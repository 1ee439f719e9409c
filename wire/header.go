// Package wire implements the ADB wire-protocol frame codec (§4.1) and the
// per-connection packet pool (§4.2). It has no knowledge of streams,
// services, or the handshake — only of bytes in and bytes out.
package wire

import (
	"encoding/binary"

	"github.com/dvbridge/adbd/cmn/xerr"
)

// Command identifies one of the seven ADB wire commands (§6).
type Command uint32

const (
	CmdSync Command = 0x434e5953 // "SYNC"
	CmdCnxn Command = 0x4e584e43 // "CNXN"
	CmdAuth Command = 0x48545541 // "AUTH"
	CmdOpen Command = 0x4e45504f // "OPEN"
	CmdOkay Command = 0x59414b4f // "OKAY"
	CmdClse Command = 0x45534c43 // "CLSE"
	CmdWrte Command = 0x45545257 // "WRTE"
)

func (c Command) String() string {
	switch c {
	case CmdSync:
		return "SYNC"
	case CmdCnxn:
		return "CNXN"
	case CmdAuth:
		return "AUTH"
	case CmdOpen:
		return "OPEN"
	case CmdOkay:
		return "OKAY"
	case CmdClse:
		return "CLSE"
	case CmdWrte:
		return "WRTE"
	default:
		return "????"
	}
}

// AUTH arg0 subtypes (§6).
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

// ProtocolVersion is the only wire version this daemon speaks (§1).
const ProtocolVersion uint32 = 0x01000000

// HeaderSize is the fixed on-wire header length: six little-endian u32s.
const HeaderSize = 24

// Header is the 24-byte frame header (§3). Fields keep the original names
// so the wire layout reads directly off the struct.
type Header struct {
	Command    Command
	Arg0       uint32
	Arg1       uint32
	DataLength uint32
	DataCheck  uint32
	Magic      uint32
}

// Encode writes h in its on-wire little-endian layout.
func (h Header) Encode(b []byte) {
	_ = b[HeaderSize-1] // bounds check hint
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Command))
	binary.LittleEndian.PutUint32(b[4:8], h.Arg0)
	binary.LittleEndian.PutUint32(b[8:12], h.Arg1)
	binary.LittleEndian.PutUint32(b[12:16], h.DataLength)
	binary.LittleEndian.PutUint32(b[16:20], h.DataCheck)
	binary.LittleEndian.PutUint32(b[20:24], h.Magic)
}

// DecodeHeader reads a 24-byte buffer into a Header. It does not validate
// anything; validation is the caller's job via CheckHeader*.
func DecodeHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	return Header{
		Command:    Command(binary.LittleEndian.Uint32(b[0:4])),
		Arg0:       binary.LittleEndian.Uint32(b[4:8]),
		Arg1:       binary.LittleEndian.Uint32(b[8:12]),
		DataLength: binary.LittleEndian.Uint32(b[12:16]),
		DataCheck:  binary.LittleEndian.Uint32(b[16:20]),
		Magic:      binary.LittleEndian.Uint32(b[20:24]),
	}
}

// NewHeader builds a header with Magic and DataCheck computed from cmd/
// arg0/arg1/payload, matching the outbound rule in §4.1: "set magic =
// command XOR 0xFFFFFFFF; compute data_check; no other transformation."
func NewHeader(cmd Command, arg0, arg1 uint32, payload []byte) Header {
	return Header{
		Command:    cmd,
		Arg0:       arg0,
		Arg1:       arg1,
		DataLength: uint32(len(payload)),
		DataCheck:  Checksum(payload),
		Magic:      uint32(cmd) ^ 0xFFFFFFFF,
	}
}

// Checksum is the arithmetic sum of payload bytes mod 2^32 (§3, §4.1).
// Compatibility-required; has no cryptographic value.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// CheckMagic is the header-integrity self-check common to both pre- and
// post-connect validation (I4).
func (h Header) CheckMagic() error {
	if h.Magic != uint32(h.Command)^0xFFFFFFFF {
		return xerr.NewProtocolViolation("bad magic for command %s", h.Command)
	}
	return nil
}

// CheckHeaderConnected validates a post-handshake frame (I5, B2): magic
// must check out and the payload must fit the small class.
func (h Header) CheckHeaderConnected(smallClass uint32) error {
	if err := h.CheckMagic(); err != nil {
		return err
	}
	if h.DataLength > smallClass {
		return xerr.NewProtocolViolation("oversize frame %d > small class %d", h.DataLength, smallClass)
	}
	return nil
}

// CheckHeaderHandshake validates a pre-handshake frame (I5, B1): magic must
// check out and the payload must fit the large (handshake) class.
func (h Header) CheckHeaderHandshake(largeClass uint32) error {
	if err := h.CheckMagic(); err != nil {
		return err
	}
	if h.DataLength > largeClass {
		return xerr.NewProtocolViolation("oversize handshake frame %d > large class %d", h.DataLength, largeClass)
	}
	return nil
}

// CheckData verifies the payload checksum against DataCheck (P2).
func (h Header) CheckData(payload []byte) error {
	if got := Checksum(payload); got != h.DataCheck {
		return xerr.NewProtocolViolation("checksum mismatch: got %d want %d", got, h.DataCheck)
	}
	return nil
}
