//go:build !unix

package sandbox

import "os/exec"

// setProcessGroup is a no-op where process groups are unavailable; only the direct child is killed.
func setProcessGroup(*exec.Cmd) {}

func killGroup(int) error { return nil }

func groupAlive(int) bool { return false }

func killTagged(string) []int { return nil }

func processAlive(int) bool { return false }
