package dsrv

import (
	"github.com/dvbridge/adbd/cmn/debug"
	"github.com/dvbridge/adbd/wire"
)

// Result is a service callback's verdict (§4.6).
type Result int

const (
	// ResultDone: the dispatcher completes the frame itself (sends OKAY,
	// or resends a staged WRTE) using the same packet.
	ResultDone Result = iota
	// ResultAsync: the service took ownership of the packet; it will
	// eventually submit a reply or trigger close on its own.
	ResultAsync
	// ResultErr: the dispatcher closes the service.
	ResultErr
)

// Ops is the service contract shared by every service (§4.6): file-sync,
// shell, reboot, tcp-forward, tcp-reverse all implement it. A service may
// additionally satisfy small capability interfaces (PeerIDLearner,
// IDSetter) that the dispatcher type-asserts for.
type Ops interface {
	// OnWriteFrame handles a peer WRTE.
	OnWriteFrame(pkt *wire.Packet) (Result, error)
	// OnAckFrame handles a peer OKAY.
	OnAckFrame(pkt *wire.Packet) (Result, error)
	// OnKick is a resource-recovery hint: "try again now." Optional —
	// implementations with nothing to retry can make it a no-op.
	OnKick()
	// OnClose releases service resources. Always called exactly once,
	// however the stream ends (peer CLSE, local error, or connection
	// teardown).
	OnClose()
}

// Stream is one multiplexed channel within a connection (§3 "Service").
type Stream struct {
	ID     uint32
	PeerID uint32 // 0 until learned from the peer's first OKAY or the OPEN
	Ops    Ops
}

// Registry is the per-connection set of active streams (§4.5). It replaces
// the original's intrusive singly-linked list (§9 Design Notes) with an
// ordered map plus an insertion-order slice, giving O(1) id lookup and a
// deterministic kick iteration order; connection-local stream counts are
// small enough that this is never a measurable concern.
type Registry struct {
	byID  map[uint32]*Stream
	order []uint32
	next  uint32 // next_service_id; 0 is reserved (I1), first assignment is 1
}

func newRegistry() *Registry {
	return &Registry{byID: make(map[uint32]*Stream)}
}

// NextID allocates the next stream id. Zero is reserved as "none"; wraparound
// is fatal (§3, §4.5 "ID exhaustion"), matching invariant I1/P8.
func (r *Registry) NextID() uint32 {
	r.next++
	debug.Assert(r.next != 0, "service id counter wrapped to zero")
	if r.next == 0 {
		panic("adbd: service id counter exhausted (wrapped to zero)")
	}
	return r.next
}

// Insert adds a stream at the head of the set (§3), matching I1/I2: strictly
// positive, unique ids.
func (r *Registry) Insert(s *Stream) {
	debug.Assert(s.ID != 0, "service id must be strictly positive")
	_, exists := r.byID[s.ID]
	debug.Assert(!exists, "duplicate service id")
	r.byID[s.ID] = s
	r.order = append([]uint32{s.ID}, r.order...)
}

// Remove unlinks a stream; a garbage id (no match) is a silent no-op (B5).
func (r *Registry) Remove(id uint32) {
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Lookup implements the §4.5 match rule: "(arg1 as local_id, arg0 as
// peer_id)" with "service.id == local_id && (peer_id_from_frame == 0 ||
// service.peer_id == peer_id_from_frame)". The peer_id==0 relaxation
// handles the initial OKAY where the opener has not yet learned its peer id.
func (r *Registry) Lookup(localID, peerIDFromFrame uint32) *Stream {
	s, ok := r.byID[localID]
	if !ok {
		return nil
	}
	if peerIDFromFrame != 0 && s.PeerID != peerIDFromFrame {
		return nil
	}
	return s
}

// Kick invokes OnKick on every live stream — the resource-recovery
// notification of §4.5.
func (r *Registry) Kick() {
	for _, id := range r.order {
		if s, ok := r.byID[id]; ok {
			s.Ops.OnKick()
		}
	}
}

// CloseAll tears down every stream eagerly and synchronously (§5
// cancellation rule): used on connection close.
func (r *Registry) CloseAll() {
	ids := append([]uint32(nil), r.order...)
	for _, id := range ids {
		if s, ok := r.byID[id]; ok {
			delete(r.byID, id)
			s.Ops.OnClose()
		}
	}
	r.order = r.order[:0]
}

// Len reports the number of live streams (P3 support).
func (r *Registry) Len() int { return len(r.byID) }

// IDs returns a snapshot of live stream ids, for tests asserting P3/P8.
func (r *Registry) IDs() []uint32 {
	out := make([]uint32, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}
