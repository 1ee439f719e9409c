package services

import (
	"fmt"
	"strings"

	"github.com/dvbridge/adbd/dsrv"
	"github.com/dvbridge/adbd/services/reverse"
	"github.com/dvbridge/adbd/services/tcpfwd"
)

// Config wires the side-effecting collaborators named in §6 "External
// interfaces": none of them are required, so a zero-value Config still
// produces a working Router for sync/tcp/reverse, just no shell or reboot.
type Config struct {
	Dialer     tcpfwd.Dialer
	FS         FS
	ShellFunc  ShellFunc
	RebootFunc RebootFunc
}

// Router implements dsrv.Opener over the five service families of §4.5. It
// is stateful (the reverse listener set is per-connection), so exactly one
// Router must be built per dsrv.Conn — never shared across connections.
type Router struct {
	cfg     Config
	reverse *reverse.Manager
}

// NewRouter builds a fresh per-connection router. Bind it to a dsrv.Conn via
// dsrv.NewConn(transport, cfg, router.Open).
func NewRouter(cfg Config) *Router {
	return &Router{cfg: cfg, reverse: reverse.NewManager()}
}

// Open implements dsrv.Opener (§4.5's name-to-service dispatch table).
func (r *Router) Open(name string, peerID uint32, host dsrv.Host) dsrv.OpenResult {
	switch {
	case name == "sync:" || name == "sync":
		return openSync(peerID, host, r.cfg.FS)
	case strings.HasPrefix(name, "tcp:"):
		return tcpfwd.Open(name, peerID, host, r.cfg.Dialer)
	case strings.HasPrefix(name, "reverse:"):
		return r.reverse.Open(strings.TrimPrefix(name, "reverse:"), peerID, host)
	case name == "shell" || strings.HasPrefix(name, "shell:"):
		return openShell(name, peerID, host, r.cfg.ShellFunc)
	case strings.HasPrefix(name, "reboot:"):
		return openReboot(name, r.cfg.RebootFunc)
	default:
		return dsrv.OpenResult{Err: fmt.Errorf("unknown service %q", name)}
	}
}

// Close tears down everything this connection's router owns (reverse
// listeners). dsrv.Conn has no visibility into Router — by design, the
// dependency runs services -> dsrv, never back — so the caller must invoke
// this itself once Conn.Serve returns:
//
//	router := services.NewRouter(cfg)
//	conn := dsrv.NewConn(transport, dcfg, router.Open)
//	err := conn.Serve()
//	router.Close()
func (r *Router) Close() {
	r.reverse.Close()
}
