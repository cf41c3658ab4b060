package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	pidFilePermissions = 0o600
	pidDirPermissions  = 0o700
	watchPIDFileName   = "watch.pid"
)

var errNoWatcher = errors.New("no running watcher")

// watchPIDPath returns the lock file of the watcher that owns dbPath.
func watchPIDPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), watchPIDFileName)
}

// acquireWatchLock writes the current PID to path under an exclusive flock.
// The returned cleanup removes the file and releases the lock. Failing to
// lock means another watcher serves the same queue.
func acquireWatchLock(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("watch lock path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating watch lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening watch lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another watch is already running (could not lock %s)", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating watch lock: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing watch lock: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing watch lock: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// runningWatcher returns the process holding the lock at pidPath. It
// returns errNoWatcher when the file is missing or unlocked. A stale file is
// left in place: a watch starting at the same moment may already have it
// open, and acquireWatchLock truncates whatever it finds.
func runningWatcher(pidPath string) (*os.Process, error) {
	f, err := os.Open(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNoWatcher
	}

	if err != nil {
		return nil, fmt.Errorf("opening watch lock: %w", err)
	}
	defer f.Close()

	// A shared lock is granted only while no watcher holds the exclusive one.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck // closing releases it anyway

		return nil, fmt.Errorf("stale watch lock %s: %w", pidPath, errNoWatcher)
	}

	pid, err := readPIDFile(pidPath)
	if err != nil {
		return nil, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("finding process %d: %w", pid, err)
	}

	return proc, nil
}

// nudgeWatcher sends SIGHUP to the running watcher, asking it to reload the
// queue and flush.
func nudgeWatcher(pidPath string) error {
	proc, err := runningWatcher(pidPath)
	if err != nil {
		return err
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signaling watcher (PID %d): %w", proc.Pid, err)
	}

	return nil
}
