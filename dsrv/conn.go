// Package dsrv implements the connection state machine, transport pump and
// service registry (components C/D/E of §2): everything between "bytes
// arrived on a transport" and "a service's Ops callback ran." It knows the
// wire protocol and the handshake but nothing about what a service actually
// does — that is services' job, wired in through the Opener function.
package dsrv

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/dvbridge/adbd/cmn/debug"
	"github.com/dvbridge/adbd/cmn/nlog"
	"github.com/dvbridge/adbd/wire"
)

// Transport is the byte-oriented collaborator of §6: "write(packet),
// kick(), close(); emits bytes and completion events." In Go this
// degenerates to the standard streaming interface — satisfied directly by
// *net.TCPConn and by net.Pipe() ends, which is what the seed tests use.
type Transport = io.ReadWriteCloser

type connState int32

const (
	stUnconnected connState = iota
	stConnected
)

// Conn is one accepted transport connection (the "Client" of §3). All
// protocol decisions happen on the single dispatch goroutine started by
// Serve; the read and write pumps only ever hand fully-formed values across
// channels (§4.3, §5).
type Conn struct {
	transport Transport
	cfg       Config
	opener    Opener

	pool     *wire.Pool
	registry *Registry

	state         connState
	connectedFlag atomic.Bool // mirrors state for the read pump's size-class choice
	nonce         []byte

	events     chan event
	writeCh    chan *wire.Packet
	readResume chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error

	log func(format string, args ...any)
}

type eventKind int

const (
	evInbound eventKind = iota
	evKick
	evAsync
)

type event struct {
	kind eventKind
	pkt  *wire.Packet
	fn   func()
}

// NewConn builds a connection around an already-accepted transport. opener
// resolves OPEN requests to services; it is typically the Open method of a
// per-connection services.Router.
func NewConn(transport Transport, cfg Config, opener Opener) *Conn {
	debug.Assert(cfg.FrameMax > 0, "FRAME_MAX must be positive")
	c := &Conn{
		transport:  transport,
		cfg:        cfg,
		opener:     opener,
		registry:   newRegistry(),
		events:     make(chan event, 64),
		writeCh:    make(chan *wire.Packet, cfg.FrameMax+1),
		readResume: make(chan struct{}, 1),
		done:       make(chan struct{}),
		log:        nlog.Infof,
	}
	c.pool = wire.NewPool(cfg.SmallClass, cfg.LargeClass, cfg.FrameMax, c.onKick)
	return c
}

// Serve runs the connection to completion: starts the read and write
// pumps, runs the dispatch loop on the calling goroutine, and returns the
// reason the connection ended (nil on a clean peer-initiated close).
func (c *Conn) Serve() error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.readPump() }()
	go func() { defer wg.Done(); c.writePump() }()
	c.dispatchLoop()
	wg.Wait()
	return c.closeErr
}

// Close tears the connection down: closes the transport, drains the
// registry (§5 cancellation rule), and wakes every blocked goroutine. Safe
// to call more than once and from any goroutine.
func (c *Conn) Close(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.done)
		_ = c.transport.Close()
	})
}

func (c *Conn) fail(err error) { c.Close(err) }

// --- read pump (§4.3 read side) ---

func (c *Conn) readPump() {
	hdrBuf := make([]byte, wire.HeaderSize)
	for {
		preConnect := !c.connectedFlag.Load()
		pkt, ok := c.pool.Get(preConnect)
		if !ok {
			c.cfg.metrics().PoolSaturated()
			select {
			case <-c.readResume:
				continue
			case <-c.done:
				return
			}
		}
		if err := c.readOnePacket(pkt, hdrBuf); err != nil {
			pkt.Release()
			if err == io.EOF {
				err = nil // clean peer-initiated close
			}
			c.fail(err)
			return
		}
		c.cfg.metrics().FrameIn(len(pkt.Data))
		select {
		case c.events <- event{kind: evInbound, pkt: pkt}:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readOnePacket(pkt *wire.Packet, hdrBuf []byte) error {
	if _, err := io.ReadFull(c.transport, hdrBuf); err != nil {
		return err
	}
	h := wire.DecodeHeader(hdrBuf)

	var checkErr error
	if c.connectedFlag.Load() {
		checkErr = h.CheckHeaderConnected(c.cfg.SmallClass)
	} else {
		checkErr = h.CheckHeaderHandshake(c.cfg.LargeClass)
	}
	if checkErr != nil {
		return checkErr
	}

	pkt.Data = pkt.Data[:h.DataLength]
	if h.DataLength > 0 {
		if _, err := io.ReadFull(c.transport, pkt.Data); err != nil {
			return err
		}
	}
	if err := h.CheckData(pkt.Data); err != nil {
		return err
	}
	pkt.Header = h
	return nil
}

// --- write pump (§4.3 write side) ---

func (c *Conn) writePump() {
	hdrBuf := make([]byte, wire.HeaderSize)
	for {
		select {
		case pkt, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := c.writeOnePacket(pkt, hdrBuf); err != nil {
				pkt.Release()
				c.fail(err)
				return
			}
			c.cfg.metrics().FrameOut(len(pkt.Data))
			pkt.Release()
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeOnePacket(pkt *wire.Packet, hdrBuf []byte) error {
	pkt.Header.Encode(hdrBuf)
	if _, err := c.transport.Write(hdrBuf); err != nil {
		return err
	}
	if len(pkt.Data) > 0 {
		if _, err := c.transport.Write(pkt.Data); err != nil {
			return err
		}
	}
	return nil
}

// sendRaw hands a fully-built outbound packet to the write pump. Called
// only from the dispatch goroutine.
func (c *Conn) sendRaw(pkt *wire.Packet) {
	select {
	case c.writeCh <- pkt:
	case <-c.done:
		pkt.Release()
	}
}

// --- event plumbing ---

func (c *Conn) onKick() {
	select {
	case c.readResume <- struct{}{}:
	default:
	}
	select {
	case c.events <- event{kind: evKick}:
	case <-c.done:
	}
}

// Post implements Host: it schedules fn to run on the dispatch goroutine.
func (c *Conn) Post(fn func()) {
	select {
	case c.events <- event{kind: evAsync, fn: fn}:
	case <-c.done:
	}
}

func (c *Conn) dispatchLoop() {
	for {
		select {
		case ev := <-c.events:
			switch ev.kind {
			case evInbound:
				c.handlePacket(ev.pkt)
			case evKick:
				c.registry.Kick()
			case evAsync:
				ev.fn()
			}
		case <-c.done:
			c.registry.CloseAll()
			return
		}
	}
}

func (c *Conn) setConnected() {
	c.state = stConnected
	c.connectedFlag.Store(true)
}

func (c *Conn) Logf(format string, args ...any) { c.log(format, args...) }
func (c *Conn) Config() Config                  { return c.cfg }

// --- Host outbound helpers ---

func (c *Conn) SendOkay(streamID, peerID uint32) bool { return c.SendOkayPayload(streamID, peerID, nil) }

func (c *Conn) SendOkayPayload(streamID, peerID uint32, payload []byte) bool {
	pkt, ok := c.acquireOutbound()
	if !ok {
		return false // resource pressure; not an error (§7 class 5)
	}
	pkt.Header = wire.NewHeader(wire.CmdOkay, streamID, peerID, payload)
	pkt.Data = payload
	c.sendRaw(pkt)
	return true
}

func (c *Conn) SendWrte(streamID, peerID uint32, payload []byte) bool {
	pkt, ok := c.acquireOutbound()
	if !ok {
		return false
	}
	pkt.Header = wire.NewHeader(wire.CmdWrte, streamID, peerID, payload)
	pkt.Data = payload
	c.sendRaw(pkt)
	return true
}

func (c *Conn) SendClse(streamID, peerID uint32) {
	pkt, ok := c.acquireOutbound()
	if !ok {
		return
	}
	pkt.Header = wire.NewHeader(wire.CmdClse, streamID, peerID, nil)
	c.sendRaw(pkt)
}

func (c *Conn) FailOpen(peerID uint32) { c.SendClse(0, peerID) }

func (c *Conn) SendOpen(streamID uint32, payload []byte) bool {
	pkt, ok := c.acquireOutbound()
	if !ok {
		return false
	}
	pkt.Header = wire.NewHeader(wire.CmdOpen, streamID, 0, payload)
	pkt.Data = payload
	c.sendRaw(pkt)
	return true
}

func (c *Conn) Register(peerID uint32, ops Ops) uint32 {
	id := c.registry.NextID()
	c.registry.Insert(&Stream{ID: id, PeerID: peerID, Ops: ops})
	c.cfg.metrics().StreamOpened()
	return id
}

// CloseStream ends one stream the service itself decided to end: unlink,
// notify the peer, run OnClose. Named distinctly from Conn.Close (the
// connection-wide teardown) to keep the two call sites unambiguous.
func (c *Conn) CloseStream(streamID, peerID uint32) {
	s := c.registry.Lookup(streamID, 0)
	c.registry.Remove(streamID)
	c.SendClse(streamID, peerID)
	if s != nil {
		s.Ops.OnClose()
		c.cfg.metrics().StreamClosed()
	}
}
