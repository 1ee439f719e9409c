package dsrv

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/dvbridge/adbd/cmn/nlog"
	"github.com/dvbridge/adbd/cmn/xerr"
	"github.com/dvbridge/adbd/wire"
)

// handlePacket is the sole entry point for inbound frames, always running
// on the dispatch goroutine (§4.4, §5). It owns pkt until it either reuses
// it for a reply (transferring ownership to the write pump) or releases it
// back to the pool.
func (c *Conn) handlePacket(pkt *wire.Packet) {
	if c.state == stUnconnected {
		c.handleUnconnected(pkt)
		return
	}
	c.handleConnected(pkt)
}

// --- UNCONNECTED (§4.4) ---

func (c *Conn) handleUnconnected(pkt *wire.Packet) {
	switch pkt.Header.Command {
	case wire.CmdCnxn:
		c.onCnxn(pkt)
	case wire.CmdAuth:
		c.onAuthUnconnected(pkt)
	default:
		pkt.Release()
		c.fail(xerr.NewProtocolViolation("command %s illegal before handshake", pkt.Header.Command))
	}
}

func (c *Conn) onCnxn(pkt *wire.Packet) {
	if !c.cfg.AuthEnabled {
		c.replyCnxn(pkt)
		c.setConnected()
		return
	}
	c.issueAuthToken(pkt)
}

func (c *Conn) onAuthUnconnected(pkt *wire.Packet) {
	switch pkt.Header.Arg0 {
	case wire.AuthToken:
		pkt.Release() // peer echo, ignored (§4.4)
	case wire.AuthSignature:
		c.onAuthSignature(pkt)
	case wire.AuthRSAPublicKey:
		c.onAuthPublicKey(pkt)
	default:
		pkt.Release()
		c.fail(xerr.NewProtocolViolation("unknown AUTH subtype %d", pkt.Header.Arg0))
	}
}

func (c *Conn) onAuthSignature(pkt *wire.Packet) {
	v := c.cfg.Verifier
	if v != nil && c.nonce != nil && v.Verify(c.nonce, pkt.Data) {
		c.replyCnxn(pkt)
		c.setConnected()
		return
	}
	// Total failure: resend AUTH TOKEN with a fresh nonce (B6), stay UNCONNECTED.
	c.issueAuthToken(pkt)
}

func (c *Conn) onAuthPublicKey(pkt *wire.Packet) {
	v := c.cfg.Verifier
	accept := c.cfg.AutoAcceptKeys || (v != nil && v.AcceptPublicKey(pkt.Data))
	if !accept {
		c.issueAuthToken(pkt)
		return
	}
	c.replyCnxn(pkt)
	c.setConnected()
}

func (c *Conn) issueAuthToken(pkt *wire.Packet) {
	nonce := make([]byte, c.cfg.TokenSize)
	if _, err := rand.Read(nonce); err != nil {
		pkt.Release()
		c.fail(xerr.Wrap(err, "generating auth nonce"))
		return
	}
	c.nonce = nonce
	pkt.Header = wire.NewHeader(wire.CmdAuth, wire.AuthToken, 0, nonce)
	pkt.Data = nonce
	c.sendRaw(pkt)
}

func (c *Conn) replyCnxn(pkt *wire.Packet) {
	banner := []byte(fmt.Sprintf("device:%s:%s", c.cfg.DeviceID, c.cfg.Banner))
	pkt.Header = wire.NewHeader(wire.CmdCnxn, wire.ProtocolVersion, c.cfg.SmallClass, banner)
	pkt.Data = banner
	c.sendRaw(pkt)
}

// --- CONNECTED (§4.4, §4.5, §4.6) ---

func (c *Conn) handleConnected(pkt *wire.Packet) {
	switch pkt.Header.Command {
	case wire.CmdCnxn:
		c.replyCnxn(pkt) // replay (§4.4 "CONNECTED | CNXN | Replay")
	case wire.CmdOpen:
		c.onOpen(pkt)
	case wire.CmdOkay:
		c.onOkay(pkt)
	case wire.CmdWrte:
		c.onWrte(pkt)
	case wire.CmdClse:
		c.onClse(pkt)
	default:
		pkt.Release()
		c.fail(xerr.NewProtocolViolation("unknown command %s while connected", pkt.Header.Command))
	}
}

func (c *Conn) onOpen(pkt *wire.Packet) {
	peerID := pkt.Header.Arg0
	if peerID == 0 || pkt.Header.Arg1 != 0 { // B3, B4
		pkt.Release()
		return
	}
	name := nulTerminatedName(pkt.Data)

	res := c.opener(name, peerID, c)
	if res.Err != nil {
		c.Logf("open %q failed: %v", name, res.Err)
		pkt.Header = wire.NewHeader(wire.CmdClse, 0, peerID, nil)
		c.sendRaw(pkt)
		return
	}

	if res.Async {
		// The OKAY (or CLSE) is deferred to the service's own connect-
		// completion callback; nothing more to do with this packet.
		pkt.Release()
		if res.Ops != nil && !res.Registered {
			c.Register(peerID, res.Ops)
		}
		return
	}

	var id uint32
	if res.Ops != nil && res.Registered {
		// The opener registered its stream itself; reply with that id.
		for sid, s := range c.registry.byID {
			if s.Ops == res.Ops {
				id = sid
				break
			}
		}
	} else if res.Ops != nil {
		id = c.Register(peerID, res.Ops)
		if setter, ok := res.Ops.(IDSetter); ok {
			setter.SetID(id)
		}
	} else {
		// One-shot with no registration still needs a nonzero local id to
		// satisfy OKAY's local-id != 0 requirement (§9 resolved Open Question).
		id = c.registry.NextID()
	}
	pkt.Header = wire.NewHeader(wire.CmdOkay, id, peerID, res.Inline)
	pkt.Data = res.Inline
	c.sendRaw(pkt)
}

func nulTerminatedName(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}

func (c *Conn) onOkay(pkt *wire.Packet) {
	localID, peerFromFrame := pkt.Header.Arg1, pkt.Header.Arg0
	s := c.registry.Lookup(localID, peerFromFrame)
	if s == nil {
		pkt.Release() // B7-equivalent: garbage OKAY, silently dropped
		return
	}
	if s.PeerID == 0 && peerFromFrame != 0 {
		s.PeerID = peerFromFrame // first OKAY teaches the opener its peer id
		if learner, ok := s.Ops.(PeerIDLearner); ok {
			learner.LearnPeerID(peerFromFrame)
		}
	}

	result, err := s.Ops.OnAckFrame(pkt)
	switch result {
	case ResultDone:
		if pkt.WriteLen > 0 {
			payload := pkt.Data[:pkt.WriteLen]
			pkt.Header = wire.NewHeader(wire.CmdWrte, s.ID, s.PeerID, payload)
			pkt.Data = payload
			pkt.WriteLen = 0
			c.sendRaw(pkt)
			return
		}
		pkt.Release()
	case ResultAsync:
		// service retained pkt
	case ResultErr:
		pkt.Release()
		c.closeServiceLocally(s, err)
	}
}

func (c *Conn) onWrte(pkt *wire.Packet) {
	localID, peerFromFrame := pkt.Header.Arg1, pkt.Header.Arg0
	s := c.registry.Lookup(localID, peerFromFrame)
	if s == nil {
		pkt.Release()
		return
	}

	result, err := s.Ops.OnWriteFrame(pkt)
	switch result {
	case ResultDone:
		if pkt.WriteLen > 0 {
			// The service staged reply bytes in pkt.Data itself (§3
			// write_len convention) — e.g. the file-sync service answering
			// STAT/LIST/RECV with a WRTE instead of a bare OKAY.
			payload := pkt.Data[:pkt.WriteLen]
			pkt.Header = wire.NewHeader(wire.CmdWrte, s.ID, s.PeerID, payload)
			pkt.Data = payload
			pkt.WriteLen = 0
			c.sendRaw(pkt)
			return
		}
		pkt.Header = wire.NewHeader(wire.CmdOkay, s.ID, s.PeerID, nil)
		pkt.Data = nil
		c.sendRaw(pkt)
	case ResultAsync:
		// service retained pkt; it will call Host.SendOkay itself.
	case ResultErr:
		pkt.Release()
		c.closeServiceLocally(s, err)
	}
}

func (c *Conn) onClse(pkt *wire.Packet) {
	localID, peerFromFrame := pkt.Header.Arg1, pkt.Header.Arg0
	s := c.registry.Lookup(localID, peerFromFrame)
	pkt.Release()
	if s == nil {
		return // B5: garbage CLSE, silently dropped
	}
	c.registry.Remove(s.ID)
	s.Ops.OnClose()
	c.cfg.metrics().StreamClosed()
}

// closeServiceLocally implements §7 class 4 (service-runtime failure): the
// registry unlinks the stream, notifies the peer, and runs OnClose.
func (c *Conn) closeServiceLocally(s *Stream, err error) {
	if err != nil {
		nlog.Warningf("stream %d: %v", s.ID, err)
	}
	c.registry.Remove(s.ID)
	c.SendClse(s.ID, s.PeerID)
	s.Ops.OnClose()
	c.cfg.metrics().StreamClosed()
}
