package dsrv

import "github.com/dvbridge/adbd/wire"

// Verifier is the §6 "Signature verification" collaborator: it knows
// nothing about the wire protocol, only whether a signature is valid for
// the connection's current nonce, and whether a newly-presented public key
// should be accepted for future connections.
type Verifier interface {
	Verify(nonce, signature []byte) bool
	AcceptPublicKey(pubkey []byte) bool
}

// Metrics is the optional observability sink (§ AMBIENT STACK). A nil
// Metrics in Config is replaced by a no-op implementation, so services and
// Conn never nil-check it.
type Metrics interface {
	StreamOpened()
	StreamClosed()
	FrameIn(n int)
	FrameOut(n int)
	PoolSaturated()
}

type noopMetrics struct{}

func (noopMetrics) StreamOpened()  {}
func (noopMetrics) StreamClosed()  {}
func (noopMetrics) FrameIn(int)    {}
func (noopMetrics) FrameOut(int)   {}
func (noopMetrics) PoolSaturated() {}

// Config carries every per-connection knob named in spec §9.
type Config struct {
	FrameMax   int    // FRAME_MAX
	SmallClass uint32 // SMALL_CLASS_BYTES
	LargeClass uint32 // LARGE_CLASS_BYTES
	TokenSize  int    // TOKEN_SIZE

	DeviceID string // DEVICE_ID
	Banner   string // "ro.product.name=X;ro.product.model=Y;ro.product.device=Z;features=...;" — Conn prepends "device:<id>:"

	AuthEnabled    bool
	AutoAcceptKeys bool // AUTH_PUBKEY_AUTOACCEPT
	Verifier       Verifier

	Metrics Metrics
}

func (c Config) metrics() Metrics {
	if c.Metrics == nil {
		return noopMetrics{}
	}
	return c.Metrics
}

// OpenResult is what an Opener reports back for one OPEN request (§4.5).
type OpenResult struct {
	// Ops is non-nil when the request creates a registered, long-lived
	// stream (sync, shell, tcp-forward, reverse create, paginated
	// list-forward). Nil for a pure one-shot (reboot, killforward, a
	// list-forward that fits one packet).
	Ops Ops
	// Registered is true when the opener already called Host.Register
	// itself (needed its id before returning, e.g. to kick off an async
	// dial) — the dispatcher must not register Ops again.
	Registered bool
	// Inline is the payload to carry on the synchronous OKAY, when Async
	// is false. May be nil.
	Inline []byte
	// Async defers the OKAY (or CLSE) to the service itself, calling back
	// through Host.SendOkayPayload/Host.FailOpen once ready (§4.5 "service
	// construction is asynchronous").
	Async bool
	// Err rejects the OPEN outright: the dispatcher replies CLSE(0, peer_id)
	// and allocates no id (§4.5 "Anything else").
	Err error
}

// Opener resolves a service name (the OPEN payload, already NUL-stripped)
// to an OpenResult. It is supplied by the caller (cmd/adbd wires the real
// services package); dsrv itself knows nothing about service names, only
// how to route frames once a service exists. This indirection is what lets
// services depend on dsrv without dsrv depending on services.
type Opener func(name string, peerID uint32, host Host) OpenResult

// Host is everything a service needs from its owning connection. It is the
// boundary services.Ops implementations call through — never dsrv.Conn
// directly — so the dependency points one way (services -> dsrv).
type Host interface {
	// SendOkay enqueues OKAY(streamID, peerID) with no payload, allocating
	// a fresh packet from the pool (used for async-triggered replies that
	// have no inbound packet to reuse). Returns false when the pool was
	// saturated (§7 class 5, "not an error") — the caller should retry from
	// its next OnKick.
	SendOkay(streamID, peerID uint32) bool
	// SendOkayPayload is SendOkay with an inline payload.
	SendOkayPayload(streamID, peerID uint32, payload []byte) bool
	// SendWrte enqueues WRTE(streamID, peerID, payload). Same retry-on-kick
	// contract as SendOkay.
	SendWrte(streamID, peerID uint32, payload []byte) bool
	// SendClse enqueues CLSE(streamID, peerID) without touching the
	// registry (callers that already unregistered, or don't want to).
	SendClse(streamID, peerID uint32)
	// FailOpen reports an asynchronous open failure: peer sees
	// CLSE(local-id=0, peerID) — the ADB "OPEN rejected" convention (§7).
	FailOpen(peerID uint32)
	// Register allocates a new stream id, inserts it into the registry,
	// and returns the id. Used by services that open streams proactively
	// (the reverse listener's accept-driven OPEN toward the peer).
	Register(peerID uint32, ops Ops) uint32
	// CloseStream tears down a stream the service itself decided to end,
	// sending CLSE(streamID, peerID) and invoking ops.OnClose via the
	// registry's normal path.
	CloseStream(streamID, peerID uint32)
	// SendOpen emits a device-initiated OPEN(streamID, 0, payload) toward
	// the peer — the §4.7 reverse-listener "inverting the usual direction"
	// case. The peer id is learned later, from the peer's returning OKAY.
	SendOpen(streamID uint32, payload []byte) bool
	// Post schedules fn to run on the connection's single dispatch
	// goroutine. Every callback into a Stream's Ops, and every Host
	// method above, must happen from within such an fn (or from the
	// dispatch loop itself) — never directly from an arbitrary goroutine.
	Post(fn func())
	Config() Config
	Logf(format string, args ...any)
}

var _ Host = (*Conn)(nil)

// PeerIDLearner is an optional Ops capability (§3 "Service may expose
// additional capability hooks"): implemented by services that open a
// stream before knowing their peer id (the reverse listener's
// accept-driven OPEN). The dispatcher calls LearnPeerID exactly once, the
// first time an OKAY teaches the stream its peer id.
type PeerIDLearner interface {
	LearnPeerID(peerID uint32)
}

// IDSetter is an optional Ops capability for services that need their own
// assigned stream id after the fact — registered synchronously by the
// dispatcher (§4.5 "assigned id = next_service_id++"), which happens after
// the Opener has already returned the Ops value. The paginated
// list-forward service is the one user of this (its peer id is known
// immediately from OPEN.arg0, but its id only after registration).
type IDSetter interface {
	SetID(id uint32)
}

// acquireOutbound gets a fresh small-class packet for an async-triggered
// send (no inbound packet available to reuse). Pool exhaustion here is
// P5/resource-pressure, not a protocol error: the packet is simply dropped
// and the caller should retry on the next kick — mirroring §4.2's "not an
// error" resource-pressure class for outbound reuse of the same flow.
func (c *Conn) acquireOutbound() (*wire.Packet, bool) {
	return c.pool.Get(false)
}
