package reverse

import (
	"fmt"

	"github.com/dvbridge/adbd/cmn/debug"
	"github.com/dvbridge/adbd/dsrv"
	"github.com/dvbridge/adbd/wire"
)

// revBridge is the reverse counterpart of tcpfwd.forwarder: the socket
// already exists (accepted by Manager.acceptLoop) before the stream does,
// so the state machine runs WAIT_OPEN_ACK -> CONNECTED instead of
// NOT_CONNECTED -> NOTIFY_CLIENT -> CONNECTED (§4.7).
type revBridge struct {
	host   dsrv.Host
	id     uint32
	peerID uint32
	sock   netConn

	connected bool
	waitAck   bool
	closed    bool
}

// netConn is the subset of net.Conn the bridge needs; kept narrow so tests
// can substitute a fake without a real listener.
type netConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// LearnPeerID fires once the peer answers our device-initiated OPEN with
// OKAY, completing WAIT_OPEN_ACK -> CONNECTED. Only then is it safe to
// start forwarding socket bytes toward a known peer id.
func (b *revBridge) LearnPeerID(peerID uint32) {
	if b.connected {
		return
	}
	b.peerID = peerID
	b.connected = true
	go b.readOne()
}

// readOne performs a single blocking socket read. As in tcpfwd.forwarder,
// the next read is only started once OnAckFrame acknowledges the previous
// WRTE (§4.6 P4/I7: read-stopped while WAIT_ACK) — a free-running reader
// goroutine would let a burst of socket data outrun the peer's acks.
func (b *revBridge) readOne() {
	buf := make([]byte, 4096)
	n, _ := b.sock.Read(buf)
	if n > 0 {
		payload := append([]byte(nil), buf[:n]...)
		b.host.Post(func() { b.onSocketData(payload) })
		return
	}
	b.host.Post(func() { b.onSocketClosed() })
}

func (b *revBridge) onSocketData(payload []byte) {
	if b.closed {
		return
	}
	debug.Assert(b.connected, "socket data before reverse bridge learned its peer id")
	b.waitAck = true
	if !b.host.SendWrte(b.id, b.peerID, payload) {
		b.host.CloseStream(b.id, b.peerID)
	}
}

func (b *revBridge) onSocketClosed() {
	if b.closed {
		return
	}
	b.host.CloseStream(b.id, b.peerID)
}

// --- dsrv.Ops ---

func (b *revBridge) OnWriteFrame(pkt *wire.Packet) (dsrv.Result, error) {
	if !b.connected {
		return dsrv.ResultErr, fmt.Errorf("write before reverse bridge connected")
	}
	if _, err := b.sock.Write(pkt.Data); err != nil {
		return dsrv.ResultErr, err
	}
	return dsrv.ResultDone, nil
}

func (b *revBridge) OnAckFrame(pkt *wire.Packet) (dsrv.Result, error) {
	if !b.waitAck {
		// The OKAY answering our OPEN: LearnPeerID already started the
		// first read, so starting another here would run two readers.
		return dsrv.ResultDone, nil
	}
	b.waitAck = false
	if !b.closed {
		go b.readOne()
	}
	return dsrv.ResultDone, nil
}

func (b *revBridge) OnKick() {}

func (b *revBridge) OnClose() {
	b.closed = true
	if b.sock != nil {
		b.sock.Close()
	}
}
