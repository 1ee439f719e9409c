package services

import (
	"strings"

	"github.com/dvbridge/adbd/dsrv"
)

// RebootFunc performs the actual reboot side effect; best-effort (§6
// "Reboot hook"). cmd/adbd supplies it: on Linux it runs /sbin/reboot,
// elsewhere it logs and returns nil. A nil RebootFunc skips the side effect.
type RebootFunc func(target string) error

// openReboot answers the `reboot:<target>` one-shot pseudo-service (§4.5):
// synchronous OKAY, side effect invoked inline, no stream registered.
func openReboot(name string, reboot RebootFunc) dsrv.OpenResult {
	target := strings.TrimPrefix(name, "reboot:")
	if reboot != nil {
		if err := reboot(target); err != nil {
			return dsrv.OpenResult{Inline: FailReply("reboot failed: %v", err)}
		}
	}
	return dsrv.OpenResult{}
}
