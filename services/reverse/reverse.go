// Package reverse implements the `reverse:…` service family of §4.7:
// forward creation, listing, teardown, and the accept-driven bridge that
// opens a device-initiated stream toward the peer for every inbound TCP
// connection. Grounded on original_source/tcp_service.c's reverse-server
// bookkeeping (local/remote port pairs, one listener per client).
package reverse

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dvbridge/adbd/cmn/nlog"
	"github.com/dvbridge/adbd/dsrv"
	"github.com/dvbridge/adbd/services/replyfmt"
	"github.com/dvbridge/adbd/wire"
)

// listenReuseAddr binds a reverse-forward listener with SO_REUSEADDR, so a
// client that reconnects and re-registers the same local port doesn't hit
// EADDRINUSE during the previous socket's linger window.
func listenReuseAddr(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// maxListSlice caps a single list-forward packet. list lowers the cap to
// the connection's negotiated small class (host.Config().SmallClass) when
// that is smaller, so no slice exceeds the peer's maximum payload.
const maxListSlice = 512

// Server is one registered reverse forward: a listener on LocalPort,
// bridging accepted connections to RemotePort on the host's side.
type Server struct {
	LocalPort  int
	RemotePort int
	ln         net.Listener
}

// Manager owns every reverse server for one connection (§5 "each
// connection owns its... reverse servers exclusively"). Build one per
// dsrv.Conn. group supervises every accept loop's goroutine the way
// dsort.Manager supervises its per-shard workers: Close waits for every
// loop to actually return instead of merely signalling it to stop.
type Manager struct {
	servers map[int]*Server
	group   *errgroup.Group
}

// NewManager returns an empty per-connection reverse-server set.
func NewManager() *Manager {
	return &Manager{servers: make(map[int]*Server), group: &errgroup.Group{}}
}

// Open resolves one `reverse:…` request (the prefix already stripped) to
// an OpenResult, implementing the dsrv.Opener contract for this family.
func (m *Manager) Open(sub string, peerID uint32, host dsrv.Host) dsrv.OpenResult {
	switch {
	case strings.HasPrefix(sub, "forward:"):
		return m.openForward(strings.TrimPrefix(sub, "forward:"), host)
	case sub == "list-forward":
		return m.list(peerID, host)
	case sub == "killforward-all":
		return m.killAll()
	case strings.HasPrefix(sub, "killforward:"):
		return m.kill(strings.TrimPrefix(sub, "killforward:"))
	default:
		return dsrv.OpenResult{Inline: replyfmt.Fail("unknown reverse request %q", sub)}
	}
}

// Close tears down every listener this connection owns and waits for their
// accept loops to exit, so the connection's teardown path never returns
// while a reverse accept goroutine is still running.
func (m *Manager) Close() {
	for _, s := range m.servers {
		s.ln.Close()
	}
	m.servers = make(map[int]*Server)
	m.group.Wait()
}

func (m *Manager) openForward(spec string, host dsrv.Host) dsrv.OpenResult {
	fields := strings.Fields(spec)
	if len(fields) != 2 {
		return dsrv.OpenResult{Inline: replyfmt.Fail("malformed reverse forward request %q", spec)}
	}
	localPort, ok := parseTCPPort(fields[0])
	if !ok {
		return dsrv.OpenResult{Inline: replyfmt.Fail("malformed local port %q", fields[0])}
	}
	remotePort, ok := parseTCPPort(fields[1])
	if !ok {
		return dsrv.OpenResult{Inline: replyfmt.Fail("malformed remote port %q", fields[1])}
	}
	if localPort != 0 {
		if _, exists := m.servers[localPort]; exists {
			return dsrv.OpenResult{Inline: replyfmt.Fail("cannot bind to port %d: already forwarding", localPort)}
		}
	}

	ln, err := listenReuseAddr(fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return dsrv.OpenResult{Inline: replyfmt.Fail("cannot bind to port %d: %v", localPort, err)}
	}
	bound := ln.Addr().(*net.TCPAddr).Port
	if _, exists := m.servers[bound]; exists {
		// Extremely unlikely (OS handed back a port we already hold), but
		// §4.7's uniqueness guard must still hold.
		ln.Close()
		return dsrv.OpenResult{Inline: replyfmt.Fail("cannot bind to port %d: already forwarding", bound)}
	}

	srv := &Server{LocalPort: bound, RemotePort: remotePort, ln: ln}
	m.servers[bound] = srv
	m.group.Go(func() error {
		m.acceptLoop(srv, host)
		return nil
	})

	return dsrv.OpenResult{Inline: replyfmt.Okay([]byte(strconv.Itoa(bound)))}
}

func (m *Manager) acceptLoop(srv *Server, host dsrv.Host) {
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			return // listener closed (killforward or connection teardown)
		}
		host.Post(func() {
			b := &revBridge{host: host, sock: conn}
			b.id = host.Register(0, b)
			if !host.SendOpen(b.id, []byte(fmt.Sprintf("tcp:%d", srv.RemotePort))) {
				conn.Close()
				host.CloseStream(b.id, 0)
			}
		})
	}
}

func (m *Manager) list(peerID uint32, host dsrv.Host) dsrv.OpenResult {
	ports := make([]int, 0, len(m.servers))
	for p := range m.servers {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	var b strings.Builder
	for _, p := range ports {
		s := m.servers[p]
		fmt.Fprintf(&b, "host tcp:%d tcp:%d\n", s.LocalPort, s.RemotePort)
	}
	full := []byte(fmt.Sprintf("%04x%s", b.Len(), b.String()))

	limit := maxListSlice
	if sc := int(host.Config().SmallClass); sc > 0 && sc < limit {
		limit = sc
	}
	if len(full) <= limit {
		return dsrv.OpenResult{Inline: full}
	}
	lf := &listForward{host: host, peerID: peerID, limit: limit, remaining: full[limit:]}
	return dsrv.OpenResult{Ops: lf, Inline: full[:limit]}
}

func (m *Manager) killAll() dsrv.OpenResult {
	for _, s := range m.servers {
		s.ln.Close()
	}
	m.servers = make(map[int]*Server)
	return dsrv.OpenResult{Inline: replyfmt.Okay(nil)}
}

func (m *Manager) kill(spec string) dsrv.OpenResult {
	port, ok := parseTCPPort(spec)
	if !ok {
		return dsrv.OpenResult{Inline: replyfmt.Fail("malformed killforward request %q", spec)}
	}
	s, exists := m.servers[port]
	if !exists {
		return dsrv.OpenResult{Inline: replyfmt.Fail("listener for tcp:%d not found", port)}
	}
	s.ln.Close()
	delete(m.servers, port)
	return dsrv.OpenResult{Inline: replyfmt.Okay(nil)}
}

func parseTCPPort(field string) (int, bool) {
	s := strings.TrimPrefix(field, "tcp:")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// listForward drains the remainder of an oversized reverse:list-forward
// reply across successive OKAYs (§4.7 "the service remains active and
// drains subsequent OKAYs by returning successive slices; terminates on
// the first OKAY after the last slice").
type listForward struct {
	host      dsrv.Host
	id        uint32
	peerID    uint32
	limit     int
	remaining []byte
}

func (lf *listForward) SetID(id uint32) { lf.id = id }

func (lf *listForward) OnWriteFrame(pkt *wire.Packet) (dsrv.Result, error) {
	return dsrv.ResultErr, fmt.Errorf("list-forward does not accept WRTE")
}

func (lf *listForward) OnAckFrame(pkt *wire.Packet) (dsrv.Result, error) {
	if len(lf.remaining) == 0 {
		return dsrv.ResultErr, nil // normal termination: listing fully drained
	}
	n := len(lf.remaining)
	if n > lf.limit {
		n = lf.limit
	}
	slice := lf.remaining[:n]
	lf.remaining = lf.remaining[n:]
	lf.host.SendWrte(lf.id, lf.peerID, slice)
	pkt.Release()
	return dsrv.ResultAsync, nil
}

func (lf *listForward) OnKick()  {}
func (lf *listForward) OnClose() { nlog.Infof("list-forward stream %d closed", lf.id) }
