package wire

import (
	"sync"

	"github.com/dvbridge/adbd/cmn/debug"
)

// Packet is the apacket of §3: a decoded header plus its payload buffer,
// plus the in-memory-only WriteLen staging slot. Ownership is explicit: it
// always belongs to exactly one of {pool, read pump, dispatcher, service,
// write pump} at a time (I3). Release() is the unique ownership-transfer
// back to the pool; nothing else may call it.
type Packet struct {
	Header Header
	Data   []byte // capacity is the class size; len is set to DataLength on decode

	// WriteLen is the staging slot described in §3: zero means "no
	// service-produced payload pending"; ServiceInitAsync means "service
	// open is in progress, do not emit OKAY yet." It is never an ordinary
	// length value reused as a sentinel (Design Notes' resolved Open
	// Question) — it is its own distinct type.
	WriteLen WriteLen

	pool *Pool
}

// WriteLen is a distinct type so ServiceInitAsync can never be mistaken for
// a legitimate byte count, unlike the original C daemon's overloaded int.
type WriteLen int32

// ServiceInitAsync marks "service open in progress; defer the OKAY/CLSE
// until the connect-completion callback fires" (§3, §4.5).
const ServiceInitAsync WriteLen = -1

// Release returns the packet to its owning pool (I3). Double-release is a
// programming error and is asserted against in debug builds.
func (p *Packet) Release() {
	debug.Assert(p.pool != nil, "release of a packet with no owning pool")
	pl := p.pool
	p.pool = nil
	pl.put(p)
}

// Pool is the bounded per-connection allocator of §4.2. It hands out two
// size classes — small (ordinary post-handshake traffic) and large
// (pre-handshake banner/AUTH frames) — and caps the number of
// simultaneously live packets at FrameMax, cooperating with the read pump's
// back-pressure discipline (P5).
type Pool struct {
	mu           sync.Mutex
	smallClass   uint32
	largeClass   uint32
	frameMax     int
	inFlight     int
	deferredKick bool
	kick         func()
}

// NewPool builds a pool with the given class sizes, in-flight cap, and the
// kick callback invoked on a saturation-to-available crossing (§4.2, §4.3).
func NewPool(smallClass, largeClass uint32, frameMax int, kick func()) *Pool {
	debug.Assert(frameMax > 0, "FRAME_MAX must be positive")
	return &Pool{smallClass: smallClass, largeClass: largeClass, frameMax: frameMax, kick: kick}
}

func (p *Pool) SmallClass() uint32 { return p.smallClass }
func (p *Pool) LargeClass() uint32 { return p.largeClass }

// Get allocates a packet of the class appropriate to the connection's
// handshake state. It returns ok=false when the in-flight count has
// reached FrameMax; the caller (read pump) must stop reading until a
// subsequent release triggers a kick.
func (p *Pool) Get(preConnect bool) (pkt *Packet, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inFlight >= p.frameMax {
		p.deferredKick = true
		return nil, false
	}
	p.inFlight++

	size := p.smallClass
	if preConnect {
		size = p.largeClass
	}
	return &Packet{Data: make([]byte, 0, size), pool: p}, true
}

// put is the unique consumer of a packet's ownership (I3); only Release
// calls it.
func (p *Pool) put(_ *Packet) {
	p.mu.Lock()
	p.inFlight--
	wasSaturated := p.deferredKick
	if wasSaturated {
		p.deferredKick = false
	}
	kick := p.kick
	p.mu.Unlock()

	if wasSaturated && kick != nil {
		kick()
	}
}

// InFlight reports the current number of live (unreleased) packets; used
// by tests asserting P5.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}
