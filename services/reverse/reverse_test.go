package reverse_test

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dvbridge/adbd/dsrv"
	"github.com/dvbridge/adbd/services/reverse"
	"github.com/dvbridge/adbd/wire"
)

type fakeHost struct {
	mu      sync.Mutex
	nextID  uint32
	opens   []string
	okays   []uint32
	wrtes   [][]byte
	closed  []uint32
	posted  chan func()
	ops     map[uint32]dsrv.Ops
}

func newFakeHost() *fakeHost {
	h := &fakeHost{posted: make(chan func(), 64), ops: make(map[uint32]dsrv.Ops)}
	go func() {
		for fn := range h.posted {
			fn()
		}
	}()
	return h
}

func (h *fakeHost) Register(peerID uint32, ops dsrv.Ops) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.ops[h.nextID] = ops
	return h.nextID
}
func (h *fakeHost) SendOkay(streamID, peerID uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.okays = append(h.okays, streamID)
	return true
}
func (h *fakeHost) SendOkayPayload(streamID, peerID uint32, payload []byte) bool {
	return h.SendOkay(streamID, peerID)
}
func (h *fakeHost) SendWrte(streamID, peerID uint32, payload []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wrtes = append(h.wrtes, append([]byte(nil), payload...))
	return true
}
func (h *fakeHost) SendClse(streamID, peerID uint32) {}
func (h *fakeHost) FailOpen(peerID uint32)           {}
func (h *fakeHost) CloseStream(streamID, peerID uint32) {
	h.mu.Lock()
	h.closed = append(h.closed, streamID)
	h.mu.Unlock()
}
func (h *fakeHost) SendOpen(streamID uint32, payload []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opens = append(h.opens, string(payload))
	return true
}
func (h *fakeHost) Post(fn func())      { h.posted <- fn }
func (h *fakeHost) Config() dsrv.Config { return dsrv.Config{} }
func (h *fakeHost) Logf(string, ...any) {}

func (h *fakeHost) snapshot() (opens []string, okays []uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.opens...), append([]uint32(nil), h.okays...)
}

func (h *fakeHost) wrteSnapshot() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.wrtes...)
}

func (h *fakeHost) opsFor(id uint32) dsrv.Ops {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ops[id]
}

func (h *fakeHost) lastID() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// TestOpenForwardAndAccept covers seed scenario 5: a reverse forward
// request binds a listener and replies with the bound local port, and an
// inbound TCP connection triggers a device-initiated OPEN toward the peer.
func TestOpenForwardAndAccept(t *testing.T) {
	m := reverse.NewManager()
	host := newFakeHost()

	res := m.Open("forward:tcp:0 tcp:8888", 3, host)
	if res.Err != nil || len(res.Inline) == 0 {
		t.Fatalf("openForward result = %+v", res)
	}
	if !strings.HasPrefix(string(res.Inline), "OKAY") {
		t.Fatalf("reply = %q, want OKAY-prefixed", res.Inline)
	}

	portStr := string(res.Inline[8:])
	conn, err := net.Dial("tcp", "127.0.0.1:"+portStr)
	if err != nil {
		t.Fatalf("dialing bound listener: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { opens, _ := host.snapshot(); return len(opens) == 1 })
	opens, _ := host.snapshot()
	if opens[0] != "tcp:8888" {
		t.Fatalf("device-initiated OPEN payload = %q, want %q", opens[0], "tcp:8888")
	}
}

// TestOpenForwardPortConflict covers R1: binding the same local port twice
// must fail without tearing down the first listener.
func TestOpenForwardPortConflict(t *testing.T) {
	m := reverse.NewManager()
	host := newFakeHost()

	first := m.Open("forward:tcp:0 tcp:1", 1, host)
	if first.Err != nil {
		t.Fatalf("first forward: %+v", first)
	}
	portStr := string(first.Inline[8:])

	second := m.Open("forward:tcp:"+portStr+" tcp:2", 2, host)
	if !strings.HasPrefix(string(second.Inline), "FAIL") {
		t.Fatalf("second forward on same port = %q, want FAIL-prefixed", second.Inline)
	}
}

// TestKillForward covers teardown: a killforward: request on a registered
// port tears the listener down and frees the port for reuse.
func TestKillForward(t *testing.T) {
	m := reverse.NewManager()
	host := newFakeHost()

	opened := m.Open("forward:tcp:0 tcp:1", 1, host)
	portStr := string(opened.Inline[8:])

	killed := m.Open("killforward:tcp:"+portStr, 1, host)
	if !strings.HasPrefix(string(killed.Inline), "OKAY") {
		t.Fatalf("killforward reply = %q, want OKAY", killed.Inline)
	}

	reopened := m.Open("forward:tcp:"+portStr+" tcp:9", 2, host)
	if reopened.Err != nil || strings.HasPrefix(string(reopened.Inline), "FAIL") {
		t.Fatalf("reopening killed port: %+v", reopened)
	}
}

// TestListForwardEmpty covers the zero-listener list-forward reply.
func TestListForwardEmpty(t *testing.T) {
	m := reverse.NewManager()
	host := newFakeHost()

	res := m.Open("list-forward", 5, host)
	if string(res.Inline) != "0000" {
		t.Fatalf("empty list-forward reply = %q, want %q", res.Inline, "0000")
	}
}

// TestKillUnknownPortFails covers the not-found branch of killforward.
func TestKillUnknownPortFails(t *testing.T) {
	m := reverse.NewManager()
	host := newFakeHost()

	res := m.Open("killforward:tcp:59999", 1, host)
	if !strings.HasPrefix(string(res.Inline), "FAIL") {
		t.Fatalf("killforward on unbound port = %q, want FAIL-prefixed", res.Inline)
	}
}

// TestReverseBridgeFloodRespectsWaitAck covers the reverse direction of
// seed scenario 6 / §4.6 P4 and I7: a burst of bytes on the accepted
// socket before the peer acks the first WRTE must not produce a second
// WRTE until that ack arrives.
func TestReverseBridgeFloodRespectsWaitAck(t *testing.T) {
	m := reverse.NewManager()
	host := newFakeHost()

	res := m.Open("forward:tcp:0 tcp:8888", 3, host)
	portStr := string(res.Inline[8:])

	conn, err := net.Dial("tcp", "127.0.0.1:"+portStr)
	if err != nil {
		t.Fatalf("dialing bound listener: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { opens, _ := host.snapshot(); return len(opens) == 1 })
	bridgeID := host.lastID()
	learner, ok := host.opsFor(bridgeID).(dsrv.PeerIDLearner)
	if !ok {
		t.Fatalf("registered reverse-bridge stream %d does not implement PeerIDLearner", bridgeID)
	}
	learner.LearnPeerID(3)

	if _, err := conn.Write([]byte("first")); err != nil {
		t.Fatalf("writing first chunk: %v", err)
	}
	waitFor(t, func() bool { return len(host.wrteSnapshot()) == 1 })

	// The bridge's next socket read only starts once OnAckFrame fires, so
	// this second chunk sits unread in the kernel receive buffer — the
	// Write itself completes immediately (TCP, unlike net.Pipe, buffers
	// instead of blocking), but no second WRTE must appear until acked.
	if _, err := conn.Write([]byte("second")); err != nil {
		t.Fatalf("writing second chunk: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(host.wrteSnapshot()); n != 1 {
		t.Fatalf("wrtes = %d, want exactly 1 outstanding before ack", n)
	}

	bridgeOps := host.opsFor(bridgeID)
	host.Post(func() { bridgeOps.OnAckFrame(&wire.Packet{}) })

	waitFor(t, func() bool { return len(host.wrteSnapshot()) == 2 })
	wrtes := host.wrteSnapshot()
	if string(wrtes[1]) != "second" {
		t.Fatalf("second WRTE payload = %q, want %q", wrtes[1], "second")
	}
}
