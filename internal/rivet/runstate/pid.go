package runstate

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// PIDAlive reports whether pid names a live, non-zombie process.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !processDead(pid)
}

// processDead reports a zombie or dead process state, reading procfs when
// it exists and ps otherwise.
func processDead(pid int) bool {
	state, ok := procState(pid)
	if !ok {
		state, ok = psState(pid)
	}
	return ok && (state == 'Z' || state == 'X')
}

func procState(pid int) (byte, bool) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	// The command name is parenthesized and may itself contain ')'.
	line := string(b)
	i := strings.LastIndexByte(line, ')')
	if i < 0 || i+2 >= len(line) {
		return 0, false
	}
	return line[i+2], true
}

func psState(pid int) (byte, bool) {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(out))
	if s == "" {
		return 0, false
	}
	return s[0], true
}
