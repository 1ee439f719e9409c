//go:build !linux

package main

import "github.com/dvbridge/adbd/cmn/nlog"

// defaultReboot is a no-op stub on platforms with no /sbin/reboot
// convention; logged so operators can see a reboot was requested.
func defaultReboot(target string) error {
	nlog.Infof("adbd: reboot requested (no-op on this platform), target=%q", target)
	return nil
}
