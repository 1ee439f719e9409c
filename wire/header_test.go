package wire_test

import (
	"testing"

	"github.com/dvbridge/adbd/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		cmd     wire.Command
		payload []byte
	}{
		{"cnxn-empty", wire.CmdCnxn, nil},
		{"open-name", wire.CmdOpen, []byte("shell:\x00")},
		{"wrte-binary", wire.CmdWrte, []byte{0x00, 0xff, 0x10, 0x20}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := wire.NewHeader(c.cmd, 1, 2, c.payload)
			buf := make([]byte, wire.HeaderSize)
			h.Encode(buf)
			got := wire.DecodeHeader(buf)
			if got != h {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
			}
			if err := got.CheckMagic(); err != nil {
				t.Fatalf("magic check failed: %v", err)
			}
			if err := got.CheckData(c.payload); err != nil {
				t.Fatalf("data check failed: %v", err)
			}
		})
	}
}

func TestCheckMagicRejectsCorruption(t *testing.T) {
	h := wire.NewHeader(wire.CmdOkay, 1, 2, nil)
	h.Magic ^= 0x1
	if err := h.CheckMagic(); err == nil {
		t.Fatal("expected magic check to fail on corrupted header")
	}
}

func TestCheckDataRejectsCorruption(t *testing.T) {
	h := wire.NewHeader(wire.CmdWrte, 1, 2, []byte("hello"))
	if err := h.CheckData([]byte("hellp")); err == nil {
		t.Fatal("expected checksum mismatch to be detected")
	}
}

// B1/B2: boundary behaviors on payload size limits.
func TestHeaderSizeBoundaries(t *testing.T) {
	const small, large = 40, 1024

	mk := func(dataLen uint32) wire.Header {
		return wire.Header{Command: wire.CmdWrte, Magic: uint32(wire.CmdWrte) ^ 0xFFFFFFFF, DataLength: dataLen}
	}

	if err := mk(small).CheckHeaderConnected(small); err != nil {
		t.Fatalf("payload at small class limit must be accepted: %v", err)
	}
	if err := mk(small + 1).CheckHeaderConnected(small); err == nil {
		t.Fatal("payload over small class limit must be rejected")
	}

	if err := mk(large).CheckHeaderHandshake(large); err != nil {
		t.Fatalf("payload at large class limit must be accepted: %v", err)
	}
	if err := mk(large + 1).CheckHeaderHandshake(large); err == nil {
		t.Fatal("payload over large class limit must be rejected")
	}
}

func TestChecksumSumsBytesModTwoPow32(t *testing.T) {
	payload := []byte{1, 2, 3, 255}
	if got, want := wire.Checksum(payload), uint32(1+2+3+255); got != want {
		t.Fatalf("checksum = %d, want %d", got, want)
	}
}
