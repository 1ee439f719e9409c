package services

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/dvbridge/adbd/dsrv"
	"github.com/dvbridge/adbd/wire"
)

// Sync message ids (original_source/file_sync_service.c's MKID('S','T','A','T')
// family): little-endian four-character codes, identical encoding to the
// outer wire.Command values but scoped to the file-sync sub-protocol.
const (
	syncIDStat = "STAT"
	syncIDList = "LIST"
	syncIDUlnk = "ULNK"
	syncIDSend = "SEND"
	syncIDRecv = "RECV"
	syncIDDent = "DENT"
	syncIDDone = "DONE"
	syncIDData = "DATA"
	syncIDOkay = "OKAY"
	syncIDFail = "FAIL"
	syncIDQuit = "QUIT"
)

// syncDataMax bounds one DATA chunk (original's CONFIG_ADBD_PAYLOAD_SIZE);
// cmdRecv lowers it to the negotiated small class minus the 8-byte DATA
// header when that is smaller, so a DATA reply always fits one WRTE.
const syncDataMax = 64 * 1024

// FS is the file-sync service's syscall collaborator. Its choreography
// (error recovery mid-transfer, symlink handling, permission mapping) is a
// declared non-goal; this interface only fixes the shape callers must
// satisfy, with DefaultFS giving a plain os-package implementation.
type FS interface {
	Stat(name string) (mode uint32, size uint32, mtime uint32, err error)
	ReadDir(name string) ([]os.DirEntry, error)
	Lstat(name string) (mode uint32, size uint32, mtime uint32, err error)
	Open(name string, mode uint32) (io.WriteCloser, error)
	OpenRead(name string) (io.ReadCloser, error)
	Remove(name string) error
}

// osFS is the default FS, backed directly by the os package.
type osFS struct{}

// DefaultFS is a plain, unsandboxed filesystem FS.
var DefaultFS FS = osFS{}

func (osFS) Stat(name string) (uint32, uint32, uint32, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return 0, 0, 0, err
	}
	return statFields(fi)
}

func (osFS) Lstat(name string) (uint32, uint32, uint32, error) {
	fi, err := os.Lstat(name)
	if err != nil {
		return 0, 0, 0, err
	}
	return statFields(fi)
}

func statFields(fi os.FileInfo) (uint32, uint32, uint32, error) {
	return uint32(fi.Mode()), uint32(fi.Size()), uint32(fi.ModTime().Unix()), nil
}

func (osFS) ReadDir(name string) ([]os.DirEntry, error) { return os.ReadDir(name) }

func (osFS) Open(name string, mode uint32) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode&0o777))
}

func (osFS) OpenRead(name string) (io.ReadCloser, error) { return os.Open(name) }

func (osFS) Remove(name string) error { return os.Remove(name) }

// syncState is the file-sync service's per-stream phase (original's
// AFS_STATE_* enum, reduced to the Go states this package actually drives).
type syncState int

const (
	syncWaitCmd syncState = iota
	syncRecvData
	syncListDir
)

// syncStream implements dsrv.Ops for one `sync:` connection.
type syncStream struct {
	host   dsrv.Host
	id     uint32
	peerID uint32
	fs     FS

	state    syncState
	recvDst  io.WriteCloser
	listDir  []os.DirEntry
	listIdx  int
	listBase string
}

// openSync registers the file-sync stream (§4.5, synchronous: sync: never
// defers its OKAY).
func openSync(peerID uint32, host dsrv.Host, fs FS) dsrv.OpenResult {
	if fs == nil {
		fs = DefaultFS
	}
	s := &syncStream{host: host, peerID: peerID, fs: fs, state: syncWaitCmd}
	return dsrv.OpenResult{Ops: s}
}

func (s *syncStream) OnWriteFrame(pkt *wire.Packet) (dsrv.Result, error) {
	if s.state == syncRecvData {
		return s.continueRecv(pkt)
	}
	return s.dispatchCommand(pkt)
}

// OnAckFrame drains one more directory entry per peer ack while a LIST is
// in progress (§4.7's paginated-reply convention, the same ack-driven
// draining services/reverse uses for an oversized list-forward reply);
// otherwise there is nothing to say back to a bare OKAY.
func (s *syncStream) OnAckFrame(pkt *wire.Packet) (dsrv.Result, error) {
	if s.state == syncListDir {
		return s.nextListEntry(pkt)
	}
	return dsrv.ResultDone, nil
}

func (s *syncStream) OnKick() {}

func (s *syncStream) OnClose() {
	if s.recvDst != nil {
		s.recvDst.Close()
		s.recvDst = nil
	}
}

// dispatchCommand reads one 8-byte sync request header (id + length) and
// acts on it, writing the reply into pkt.Data via wire.WriteLen staging —
// the Go analogue of the original's p->write_len reuse.
func (s *syncStream) dispatchCommand(pkt *wire.Packet) (dsrv.Result, error) {
	if len(pkt.Data) < 8 {
		return s.failReply(pkt, "malformed sync request")
	}
	id := string(pkt.Data[:4])
	arg := binary.LittleEndian.Uint32(pkt.Data[4:8])
	name := string(pkt.Data[8 : 8+min32(arg, uint32(len(pkt.Data)-8))])

	switch id {
	case syncIDStat:
		return s.cmdStat(pkt, name)
	case syncIDList:
		return s.cmdList(pkt, name)
	case syncIDSend:
		return s.cmdSend(pkt, name)
	case syncIDRecv:
		return s.cmdRecv(pkt, name)
	case syncIDUlnk:
		return s.cmdUlnk(pkt, name)
	case syncIDQuit:
		return dsrv.ResultErr, nil
	default:
		return s.failReply(pkt, "unknown sync request %q", id)
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// stage records a prepared reply in the §3 write_len convention: the
// dispatcher sends it as a WRTE instead of a bare OKAY ack for this frame.
func stage(pkt *wire.Packet, reply []byte) (dsrv.Result, error) {
	pkt.Data = reply
	pkt.WriteLen = wire.WriteLen(len(reply))
	return dsrv.ResultDone, nil
}

func (s *syncStream) cmdStat(pkt *wire.Packet, name string) (dsrv.Result, error) {
	mode, size, mtime, err := s.fs.Stat(name)
	if err != nil {
		mode, size, mtime = 0, 0, 0
	}
	return stage(pkt, encodeDent(syncIDStat, mode, size, mtime, ""))
}

func (s *syncStream) cmdList(pkt *wire.Packet, name string) (dsrv.Result, error) {
	entries, err := s.fs.ReadDir(name)
	if err != nil {
		return stage(pkt, encodeDent(syncIDDone, 0, 0, 0, ""))
	}
	s.listDir = entries
	s.listIdx = 0
	s.listBase = name
	s.state = syncListDir
	return s.nextListEntry(pkt)
}

func (s *syncStream) nextListEntry(pkt *wire.Packet) (dsrv.Result, error) {
	if s.listIdx >= len(s.listDir) {
		s.state = syncWaitCmd
		s.listDir = nil
		return stage(pkt, encodeDent(syncIDDone, 0, 0, 0, ""))
	}
	de := s.listDir[s.listIdx]
	s.listIdx++
	mode, size, mtime, err := s.fs.Lstat(path.Join(s.listBase, de.Name()))
	if err != nil {
		mode, size, mtime = 0, 0, 0
	}
	return stage(pkt, encodeDent(syncIDDent, mode, size, mtime, de.Name()))
}

func (s *syncStream) cmdSend(pkt *wire.Packet, nameAndMode string) (dsrv.Result, error) {
	name, mode := splitSendSpec(nameAndMode)
	w, err := s.fs.Open(name, mode)
	if err != nil {
		return s.failReply(pkt, "cannot create %q: %v", name, err)
	}
	s.recvDst = w
	s.state = syncRecvData
	return dsrv.ResultDone, nil
}

// continueRecv handles the DATA/DONE frames that follow a SEND (§ non-goal
// on syscall choreography; the wire framing itself is fully handled here).
// Each DATA chunk gets a bare OKAY ack (ordinary flow control); only DONE
// carries a sync-level reply.
func (s *syncStream) continueRecv(pkt *wire.Packet) (dsrv.Result, error) {
	if len(pkt.Data) < 4 {
		return s.failReply(pkt, "malformed sync data frame")
	}
	id := string(pkt.Data[:4])
	if id == syncIDDone {
		s.state = syncWaitCmd
		if s.recvDst != nil {
			s.recvDst.Close()
			s.recvDst = nil
		}
		return stage(pkt, []byte(syncIDOkay))
	}
	if id != syncIDData || len(pkt.Data) < 8 {
		return s.failReply(pkt, "expected DATA, got %q", id)
	}
	n := binary.LittleEndian.Uint32(pkt.Data[4:8])
	payload := pkt.Data[8:min32(8+n, uint32(len(pkt.Data)))]
	if s.recvDst != nil {
		if _, err := s.recvDst.Write(payload); err != nil {
			s.state = syncWaitCmd
			return s.failReply(pkt, "write failed: %v", err)
		}
	}
	return dsrv.ResultDone, nil // plain OKAY ack; no sync-level reply per chunk
}

func (s *syncStream) cmdRecv(pkt *wire.Packet, name string) (dsrv.Result, error) {
	r, err := s.fs.OpenRead(name)
	if err != nil {
		return s.failReply(pkt, "cannot open %q: %v", name, err)
	}
	defer r.Close()
	limit := syncDataMax
	if sc := int(s.host.Config().SmallClass) - 8; sc > 0 && sc < limit {
		limit = sc
	}
	buf := make([]byte, limit)
	n, _ := r.Read(buf)
	return stage(pkt, encodeData(buf[:n]))
}

func (s *syncStream) cmdUlnk(pkt *wire.Packet, name string) (dsrv.Result, error) {
	if err := s.fs.Remove(name); err != nil {
		return s.failReply(pkt, "cannot unlink %q: %v", name, err)
	}
	return stage(pkt, []byte(syncIDOkay))
}

func (s *syncStream) failReply(pkt *wire.Packet, format string, args ...any) (dsrv.Result, error) {
	return stage(pkt, encodeFail(format, args...))
}

func splitSendSpec(spec string) (name string, mode uint32) {
	for i := len(spec) - 1; i >= 0; i-- {
		if spec[i] == ',' {
			return spec[:i], parseOctalMode(spec[i+1:])
		}
	}
	return spec, 0o644
}

func parseOctalMode(s string) uint32 {
	var m uint32
	for _, c := range s {
		if c < '0' || c > '7' {
			return 0o644
		}
		m = m*8 + uint32(c-'0')
	}
	return m
}

func encodeDent(id string, mode, size, mtime uint32, name string) []byte {
	buf := make([]byte, 4+16+len(name))
	copy(buf, id)
	binary.LittleEndian.PutUint32(buf[4:], mode)
	binary.LittleEndian.PutUint32(buf[8:], size)
	binary.LittleEndian.PutUint32(buf[12:], mtime)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(name)))
	copy(buf[20:], name)
	return buf
}

func encodeData(payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	copy(buf, syncIDData)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(payload)))
	copy(buf[8:], payload)
	return buf
}

func encodeFail(format string, args ...any) []byte {
	msg := fmt.Sprintf(format, args...)
	buf := make([]byte, 8+len(msg))
	copy(buf, syncIDFail)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(msg)))
	copy(buf[8:], msg)
	return buf
}
