//go:build linux

package main

import (
	"os/exec"

	"github.com/dvbridge/adbd/cmn/nlog"
)

// defaultReboot shells out to /sbin/reboot, matching the original device's
// reboot hook (§6). It runs inline while the OPEN is handled, before the
// OKAY is sent; an error reaches the peer as a FAIL payload on that OKAY.
func defaultReboot(target string) error {
	nlog.Infof("adbd: reboot requested, target=%q", target)
	args := []string{}
	if target != "" {
		args = append(args, target)
	}
	return exec.Command("/sbin/reboot", args...).Run()
}
