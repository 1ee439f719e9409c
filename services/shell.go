package services

import (
	"strings"

	"github.com/dvbridge/adbd/cmn/debug"
	"github.com/dvbridge/adbd/dsrv"
	"github.com/dvbridge/adbd/wire"
)

// ShellFunc starts one shell or logcat session. It receives the parsed
// command line (empty for a bare interactive shell) and whether a pty was
// requested, and returns a Shell handle the dispatcher drives via dsrv.Ops.
// Process spawning and pty setup are a declared non-goal (spec.md §1); the
// core only specifies the dispatch and framing around whatever ShellFunc
// supplies.
type ShellFunc func(cmdline string, interactive bool) (Shell, error)

// Shell is the process-side collaborator a ShellFunc produces: stdin
// accepts bytes from the peer, stdout/stderr bytes are pushed back via the
// callback registered in Attach.
type Shell interface {
	Write(p []byte) (int, error)
	Attach(onOutput func(p []byte), onExit func())
	Close() error
}

// openShell answers `shell`, `shell:<cmdline>`, and the `shell:exec
// logcat[...]` variant (§6, supplemented from
// original_source/shell_service.c's dispatch): the "exec " prefix strips to
// a non-interactive, non-pty invocation, matching the original's branch for
// commands that must not allocate a controlling terminal.
func openShell(name string, peerID uint32, host dsrv.Host, newShell ShellFunc) dsrv.OpenResult {
	cmdline, interactive := parseShellRequest(name)
	if newShell == nil {
		return dsrv.OpenResult{Inline: FailReply("shell service not available")}
	}

	sess, err := newShell(cmdline, interactive)
	if err != nil {
		return dsrv.OpenResult{Inline: FailReply("exec %q failed: %v", cmdline, err)}
	}

	sh := &shellStream{host: host, peerID: peerID, sess: sess}
	sh.id = host.Register(peerID, sh)
	sess.Attach(sh.onOutput, sh.onExit)

	return dsrv.OpenResult{Ops: sh, Registered: true}
}

// parseShellRequest strips the "shell" prefix and the `exec ` marker,
// reporting whether the session gets an interactive pty.
func parseShellRequest(name string) (cmdline string, interactive bool) {
	rest := strings.TrimPrefix(name, "shell:")
	rest = strings.TrimPrefix(rest, "shell")
	if rest == "" {
		return "", true
	}
	if exec, ok := strings.CutPrefix(rest, "exec "); ok {
		return exec, false
	}
	return rest, true
}

// shellStream bridges one shell/logcat session to its ADB stream (§6):
// peer WRTE goes to stdin, process output becomes WRTE toward the peer.
// Output the session hands to onOutput arrives on the session's own
// goroutine with no regard for flow control, so it is queued in pending
// and drained one chunk per ack (§4.6 P4/I7: read-stopped while WAIT_ACK)
// instead of forwarded as fast as the process produces it.
type shellStream struct {
	host   dsrv.Host
	id     uint32
	peerID uint32
	sess   Shell
	closed bool

	waitAck bool
	pending [][]byte
	exiting bool
}

func (s *shellStream) onOutput(p []byte) {
	if len(p) == 0 {
		return
	}
	payload := append([]byte(nil), p...)
	s.host.Post(func() {
		if s.closed {
			return
		}
		s.pending = append(s.pending, payload)
		s.flushPending()
	})
}

func (s *shellStream) onExit() {
	s.host.Post(func() {
		if s.closed {
			return
		}
		s.exiting = true
		s.flushPending()
	})
}

// flushPending sends at most one queued chunk, only when no WRTE is
// outstanding; OnAckFrame is what unblocks it for the next chunk.
func (s *shellStream) flushPending() {
	if s.waitAck {
		return
	}
	if len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.waitAck = true
		if !s.host.SendWrte(s.id, s.peerID, next) {
			s.host.CloseStream(s.id, s.peerID)
		}
		return
	}
	if s.exiting {
		s.host.CloseStream(s.id, s.peerID)
	}
}

func (s *shellStream) OnWriteFrame(pkt *wire.Packet) (dsrv.Result, error) {
	if _, err := s.sess.Write(pkt.Data); err != nil {
		return dsrv.ResultErr, err
	}
	return dsrv.ResultDone, nil
}

func (s *shellStream) OnAckFrame(pkt *wire.Packet) (dsrv.Result, error) {
	s.waitAck = false
	s.flushPending()
	return dsrv.ResultDone, nil
}

func (s *shellStream) OnKick() {}

func (s *shellStream) OnClose() {
	debug.Assert(!s.closed, "shellStream closed twice")
	s.closed = true
	s.sess.Close()
}
