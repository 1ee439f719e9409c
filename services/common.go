// Package services implements the five peers of the dispatcher named in
// §4.5: file-sync, shell, reboot, TCP forward and TCP reverse. Each is
// grounded on its original_source/*.c counterpart for wire-format and
// state-machine fidelity; none of them know about dsrv.Conn directly, only
// the dsrv.Host interface.
package services

import "github.com/dvbridge/adbd/services/replyfmt"

// FailReply and OkayReply are the package-local names for the shared
// one-shot diagnostic formatters (§4.7); services/tcpfwd and
// services/reverse import replyfmt directly to avoid importing their own
// parent package.
var (
	FailReply = replyfmt.Fail
	OkayReply = replyfmt.Okay
)
