// Package tcpfwd implements the `tcp:<port>` forward service of §4.7: a
// bidirectional bridge between one ADB stream and a TCP connection to
// 127.0.0.1:<port>. Grounded on original_source/tcp_service.c's ts_*
// state machine, restated as a dsrv.Ops implementation instead of a
// libuv callback chain.
package tcpfwd

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dvbridge/adbd/cmn/debug"
	"github.com/dvbridge/adbd/cmn/nlog"
	"github.com/dvbridge/adbd/dsrv"
	"github.com/dvbridge/adbd/wire"
)

// Dialer abstracts 127.0.0.1 TCP connect, so tests can substitute a fake
// without binding real sockets.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultDialer is net.Dialer used directly as a Dialer.
var DefaultDialer Dialer = &net.Dialer{Timeout: 10 * time.Second}

type state int

const (
	stNotConnected state = iota
	stNotifyClient
	stConnected
	stWaitAck
	stErrorClose
)

// forwarder is one forward stream's state (§4.7 diagram).
type forwarder struct {
	host   dsrv.Host
	id     uint32
	peerID uint32
	sock   net.Conn

	st       state
	notified bool
	closed   bool
}

// Open starts the asynchronous connect to 127.0.0.1:port and registers the
// stream immediately (§4.5 "service construction is asynchronous"). The
// peer's OKAY is sent later, from the connect-completion callback.
func Open(name string, peerID uint32, host dsrv.Host, dialer Dialer) dsrv.OpenResult {
	port := strings.TrimPrefix(name, "tcp:")
	addr := "127.0.0.1:" + port

	f := &forwarder{host: host, peerID: peerID, st: stNotConnected}
	f.id = host.Register(peerID, f)

	if dialer == nil {
		dialer = DefaultDialer
	}
	go f.dial(dialer, addr)

	return dsrv.OpenResult{Ops: f, Registered: true, Async: true}
}

func (f *forwarder) dial(dialer Dialer, addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sock, err := dialer.DialContext(ctx, "tcp", addr)
	f.host.Post(func() {
		if err != nil {
			nlog.Warningf("tcp forward: connect %s: %v", addr, err)
			f.st = stErrorClose
			f.host.FailOpen(f.peerID) // peer sees CLSE(local-id=0, ...): "OPEN failed"
			f.host.CloseStream(f.id, f.peerID)
			return
		}
		f.sock = sock
		f.st = stNotifyClient
		f.tryNotify()
	})
}

// tryNotify is the NOT_CONNECTED -> NOTIFY_CLIENT -> CONNECTED transition
// (§4.7): retried from OnKick if the pool was saturated when first tried.
func (f *forwarder) tryNotify() {
	if f.notified || f.st != stNotifyClient {
		return
	}
	if !f.host.SendOkay(f.id, f.peerID) {
		return // resource pressure; OnKick will retry
	}
	f.notified = true
	f.st = stConnected
	go f.readOne()
}

// readOne performs a single blocking socket read and hands the result back
// to the dispatch goroutine. Unlike a free-running reader loop, the next
// read is only kicked off once OnAckFrame sees the peer's OKAY for the
// previous WRTE (§4.6 P4/I7: read-stopped while WAIT_ACK) — this is the
// stop/resume gate the socket side of the forward needs to honor the same
// backpressure the stream side already gets from the pool.
func (f *forwarder) readOne() {
	buf := make([]byte, 4096)
	n, _ := f.sock.Read(buf)
	if n > 0 {
		payload := append([]byte(nil), buf[:n]...)
		f.host.Post(func() { f.onSocketData(payload) })
		return
	}
	f.host.Post(func() { f.onSocketClosed() })
}

func (f *forwarder) onSocketData(payload []byte) {
	if f.closed {
		return
	}
	debug.Assert(f.st == stConnected, "socket data while stream not CONNECTED")
	f.st = stWaitAck
	if !f.host.SendWrte(f.id, f.peerID, payload) {
		// Dropped to resource pressure; there is no retry path for a
		// specific payload once read off the socket, so fail the stream
		// rather than silently lose bytes (R2 loses its "lossless"
		// guarantee otherwise).
		f.host.CloseStream(f.id, f.peerID)
	}
}

func (f *forwarder) onSocketClosed() {
	if f.closed {
		return
	}
	f.host.CloseStream(f.id, f.peerID)
}

// --- dsrv.Ops ---

func (f *forwarder) OnWriteFrame(pkt *wire.Packet) (dsrv.Result, error) {
	if f.sock == nil {
		return dsrv.ResultErr, fmt.Errorf("write before tcp connect completed")
	}
	if _, err := f.sock.Write(pkt.Data); err != nil {
		return dsrv.ResultErr, err
	}
	return dsrv.ResultDone, nil
}

func (f *forwarder) OnAckFrame(pkt *wire.Packet) (dsrv.Result, error) {
	// Peer OKAY'd our WRTE: re-enter CONNECTED and only now kick off the
	// next socket read (§4.7) — this is the resume half of the WAIT_ACK
	// gate readOne's doc comment describes.
	f.st = stConnected
	if !f.closed {
		go f.readOne()
	}
	return dsrv.ResultDone, nil
}

func (f *forwarder) OnKick() { f.tryNotify() }

func (f *forwarder) OnClose() {
	f.closed = true
	if f.sock != nil {
		f.sock.Close()
	}
}
