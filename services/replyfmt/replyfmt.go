// Package replyfmt centralizes the ADB-compatible one-shot diagnostic
// convention of §4.7 "Error reporting convention", shared by every
// one-shot service (reboot, reverse create/list/kill). Split out as its
// own leaf package so both `services` and its `tcpfwd`/`reverse`
// subpackages can depend on it without a cycle.
package replyfmt

import "fmt"

// Fail builds a "FAIL<4-hex-digit-length><message>" payload, grounded on
// the duplicated-but-uniform formatting in original_source/tcp_service.c
// and original_source/file_sync_service.c.
func Fail(format string, args ...any) []byte {
	msg := fmt.Sprintf(format, args...)
	return []byte(fmt.Sprintf("FAIL%04x%s", len(msg), msg))
}

// Okay builds an inline "OKAY" reply, optionally carrying a
// length-prefixed payload (e.g. a reverse-forward port confirmation).
func Okay(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte("OKAY")
	}
	return []byte(fmt.Sprintf("OKAY%04x%s", len(payload), payload))
}
