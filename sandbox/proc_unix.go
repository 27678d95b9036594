//go:build unix

package sandbox

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts cmd in a new process group and makes cancellation kill the whole group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

// killGroup sends SIGKILL to process group pgid. A group that is already gone is not an error.
func killGroup(pgid int) error {
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func groupAlive(pgid int) bool {
	return unix.Kill(-pgid, 0) == nil
}

// killTagged kills every process whose environment carries tag (KEY=VALUE), which catches
// children that left their process group. It needs /proc and finds nothing without it.
func killTagged(tag string) []int {
	dirs, _ := filepath.Glob("/proc/[0-9]*")
	want := []byte(tag)
	self := os.Getpid()

	var killed []int
	for _, dir := range dirs {
		pid, err := strconv.Atoi(filepath.Base(dir))
		if err != nil || pid == self {
			continue
		}
		environ, err := os.ReadFile(filepath.Join(dir, "environ"))
		if err != nil {
			continue
		}
		for _, kv := range bytes.Split(environ, []byte{0}) {
			if bytes.Equal(kv, want) {
				if unix.Kill(pid, unix.SIGKILL) == nil {
					killed = append(killed, pid)
				}
				break
			}
		}
	}
	return killed
}

func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
