package dsrv_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dvbridge/adbd/dsrv"
	"github.com/dvbridge/adbd/wire"
)

func testConfig() dsrv.Config {
	return dsrv.Config{
		FrameMax:   2,
		SmallClass: 40,
		LargeClass: 1024,
		TokenSize:  20,
		DeviceID:   "testdevice",
		Banner:     "ro.product.name=test;ro.product.model=test;ro.product.device=test;features=shell_v2;",
	}
}

func writePacket(t *testing.T, w io.Writer, h wire.Header, payload []byte) {
	t.Helper()
	buf := make([]byte, wire.HeaderSize)
	h.Encode(buf)
	if _, err := w.Write(buf); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
}

func readPacket(t *testing.T, r io.Reader) (wire.Header, []byte) {
	t.Helper()
	buf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h := wire.DecodeHeader(buf)
	data := make([]byte, h.DataLength)
	if h.DataLength > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return h, data
}

func noServices(name string, peerID uint32, host dsrv.Host) dsrv.OpenResult {
	return dsrv.OpenResult{Err: errors.New("no services wired in this test")}
}

// Scenario 1: handshake without auth.
func TestHandshakeWithoutAuth(t *testing.T) {
	server, client := net.Pipe()
	cfg := testConfig()
	conn := dsrv.NewConn(server, cfg, noServices)
	go conn.Serve()
	defer conn.Close(nil)

	writePacket(t, client, wire.NewHeader(wire.CmdCnxn, wire.ProtocolVersion, 0x40, []byte("host::features=shell_v2")), []byte("host::features=shell_v2"))

	h, data := readPacket(t, client)
	if h.Command != wire.CmdCnxn {
		t.Fatalf("expected CNXN reply, got %s", h.Command)
	}
	if h.Arg0 != wire.ProtocolVersion {
		t.Fatalf("version = %#x, want %#x", h.Arg0, wire.ProtocolVersion)
	}
	if h.Arg1 != cfg.SmallClass {
		t.Fatalf("max payload = %d, want %d", h.Arg1, cfg.SmallClass)
	}
	if !strings.HasPrefix(string(data), "device:testdevice:") {
		t.Fatalf("banner = %q, missing device prefix", data)
	}
}

type fakeVerifier struct{ acceptKeys bool }

func (f fakeVerifier) Verify(nonce, sig []byte) bool {
	return bytes.Equal(sig, append([]byte("sig:"), nonce...))
}
func (f fakeVerifier) AcceptPublicKey(pubkey []byte) bool { return f.acceptKeys }

// Scenario 2: handshake with auth, success path.
func TestHandshakeWithAuthSuccess(t *testing.T) {
	server, client := net.Pipe()
	cfg := testConfig()
	cfg.AuthEnabled = true
	cfg.Verifier = fakeVerifier{}
	conn := dsrv.NewConn(server, cfg, noServices)
	go conn.Serve()
	defer conn.Close(nil)

	writePacket(t, client, wire.NewHeader(wire.CmdCnxn, wire.ProtocolVersion, 0x40, nil), nil)

	h, nonce := readPacket(t, client)
	if h.Command != wire.CmdAuth || h.Arg0 != wire.AuthToken {
		t.Fatalf("expected AUTH TOKEN, got %s arg0=%d", h.Command, h.Arg0)
	}
	if len(nonce) != cfg.TokenSize {
		t.Fatalf("nonce length = %d, want %d", len(nonce), cfg.TokenSize)
	}

	sig := append([]byte("sig:"), nonce...)
	writePacket(t, client, wire.NewHeader(wire.CmdAuth, wire.AuthSignature, 0, sig), sig)

	h2, _ := readPacket(t, client)
	if h2.Command != wire.CmdCnxn {
		t.Fatalf("expected CNXN after successful signature, got %s", h2.Command)
	}
}

// B6: a bad signature gets a fresh nonce, not a repeat.
func TestAuthFailureRotatesNonce(t *testing.T) {
	server, client := net.Pipe()
	cfg := testConfig()
	cfg.AuthEnabled = true
	cfg.Verifier = fakeVerifier{}
	conn := dsrv.NewConn(server, cfg, noServices)
	go conn.Serve()
	defer conn.Close(nil)

	writePacket(t, client, wire.NewHeader(wire.CmdCnxn, wire.ProtocolVersion, 0x40, nil), nil)
	_, nonce1 := readPacket(t, client)

	writePacket(t, client, wire.NewHeader(wire.CmdAuth, wire.AuthSignature, 0, []byte("bogus")), []byte("bogus"))
	h, nonce2 := readPacket(t, client)
	if h.Command != wire.CmdAuth || h.Arg0 != wire.AuthToken {
		t.Fatalf("expected a fresh AUTH TOKEN after bad signature, got %s", h.Command)
	}
	if bytes.Equal(nonce1, nonce2) {
		t.Fatal("nonce must be re-randomised on retry (B6)")
	}
}

func handshakeNoAuth(t *testing.T, client net.Conn) {
	t.Helper()
	writePacket(t, client, wire.NewHeader(wire.CmdCnxn, wire.ProtocolVersion, 0x40, nil), nil)
	h, _ := readPacket(t, client)
	if h.Command != wire.CmdCnxn {
		t.Fatalf("handshake failed, got %s", h.Command)
	}
}

// Scenario 3: reboot one-shot.
func TestOpenRebootOneShot(t *testing.T) {
	var rebootTarget string
	opener := func(name string, peerID uint32, host dsrv.Host) dsrv.OpenResult {
		if strings.HasPrefix(name, "reboot:") {
			rebootTarget = strings.TrimPrefix(name, "reboot:")
			return dsrv.OpenResult{}
		}
		return dsrv.OpenResult{Err: errors.New("unknown service")}
	}

	server, client := net.Pipe()
	conn := dsrv.NewConn(server, testConfig(), opener)
	go conn.Serve()
	defer conn.Close(nil)

	handshakeNoAuth(t, client)

	payload := []byte("reboot:now\x00")
	writePacket(t, client, wire.NewHeader(wire.CmdOpen, 7, 0, payload), payload)

	h, _ := readPacket(t, client)
	if h.Command != wire.CmdOkay {
		t.Fatalf("expected OKAY, got %s", h.Command)
	}
	if h.Arg1 != 7 {
		t.Fatalf("OKAY.arg1 = %d, want 7 (echoing peer id)", h.Arg1)
	}
	if h.Arg0 == 0 {
		t.Fatal("OKAY.arg0 (new local id) must be nonzero")
	}
	if rebootTarget != "now" {
		t.Fatalf("reboot target = %q, want %q", rebootTarget, "now")
	}
}

// B3/B4: malformed OPEN args are dropped with no reply at all.
func TestOpenMalformedArgsAreSilentlyDropped(t *testing.T) {
	server, client := net.Pipe()
	conn := dsrv.NewConn(server, testConfig(), noServices)
	go conn.Serve()
	defer conn.Close(nil)

	handshakeNoAuth(t, client)

	writePacket(t, client, wire.NewHeader(wire.CmdOpen, 0, 0, []byte("sync:\x00")), []byte("sync:\x00"))   // B3: arg0==0
	writePacket(t, client, wire.NewHeader(wire.CmdOpen, 5, 9, []byte("sync:\x00")), []byte("sync:\x00")) // B4: arg1!=0

	// A subsequent CNXN replay must be the *only* reply observed.
	writePacket(t, client, wire.NewHeader(wire.CmdCnxn, wire.ProtocolVersion, 0x40, nil), nil)
	h, _ := readPacket(t, client)
	if h.Command != wire.CmdCnxn {
		t.Fatalf("expected only the CNXN replay, got %s first", h.Command)
	}
}

// B5: CLSE on an unknown stream produces no outbound frame (P7).
func TestCloseUnknownStreamIsSilentlyDropped(t *testing.T) {
	server, client := net.Pipe()
	conn := dsrv.NewConn(server, testConfig(), noServices)
	go conn.Serve()
	defer conn.Close(nil)

	handshakeNoAuth(t, client)

	writePacket(t, client, wire.NewHeader(wire.CmdClse, 99, 99, nil), nil)
	writePacket(t, client, wire.NewHeader(wire.CmdCnxn, wire.ProtocolVersion, 0x40, nil), nil)
	h, _ := readPacket(t, client)
	if h.Command != wire.CmdCnxn {
		t.Fatalf("expected only the CNXN replay, got %s first", h.Command)
	}
}

// Unknown command pre-handshake is a fatal protocol violation: the
// connection closes and the transport is torn down.
func TestUnknownCommandPreHandshakeClosesConnection(t *testing.T) {
	server, client := net.Pipe()
	conn := dsrv.NewConn(server, testConfig(), noServices)
	done := make(chan struct{})
	go func() { conn.Serve(); close(done) }()

	writePacket(t, client, wire.NewHeader(wire.CmdWrte, 1, 2, nil), nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection should have closed after a protocol violation")
	}
}
