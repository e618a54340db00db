package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/aires-project/aires/internal/aerr"
)

// acquireLock enforces the "exactly one watcher instance per input
// directory" contract (spec §5) via an OS-level lock file at
// <inputDir>/.aires.lock containing the holder's PID. If a stale lock (PID
// no longer alive) is found, it is reclaimed automatically; startup fails
// only if the lock is genuinely held by a live process.
//
// Grounded on the teacher's internal/attractor/procutil.PIDAlive, which
// distinguishes a live holder from a crashed one by signaling PID 0 and
// checking /proc/<pid>/stat for zombie state.
func acquireLock(inputDir string) (release func(), err error) {
	path := filepath.Join(inputDir, ".aires.lock")

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, aerr.Wrap(aerr.KindInfrastructure, "creating watcher lock file", err)
		}

		holder, readErr := readLockPID(path)
		if readErr == nil && pidAlive(holder) {
			return nil, aerr.New(aerr.KindConfig, fmt.Sprintf("watcher lock %s held by live process %d", path, holder))
		}
		// Stale lock: previous holder crashed without cleanup. Reclaim it.
		os.Remove(path)
	}
	return nil, aerr.New(aerr.KindInfrastructure, "could not acquire watcher lock after reclaiming stale holder")
}

func readLockPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// pidAlive reports whether pid names a live, non-zombie process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pidZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func pidZombie(pid int) bool {
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}
