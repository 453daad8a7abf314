// Package pidtrack keeps an on-disk record of child process PIDs so that a
// restarted bridge can clean up process groups a crashed instance left behind.
package pidtrack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another bridge instance owns the runtime directory
var ErrLocked = errors.New("runtime directory is locked by another instance")

const lockName = "sessionbridge.lock"

// Tracker writes one PID file per session under <root>/pids. It holds an
// exclusive lock on the runtime directory for its lifetime.
type Tracker struct {
	root string
	lock *flock.Flock
}

// Open locks root and prepares the PID directory
func Open(root string) (*Tracker, error) {
	if err := os.MkdirAll(pidsDir(root), 0o755); err != nil {
		return nil, fmt.Errorf("creating pids directory: %w", err)
	}

	fileLock := flock.New(filepath.Join(root, lockName))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, root)
	}
	return &Tracker{root: root, lock: fileLock}, nil
}

// Close releases the directory lock. Tracked files are left in place.
func (t *Tracker) Close() error {
	return t.lock.Unlock()
}

func pidsDir(root string) string {
	return filepath.Join(root, "pids")
}

func (t *Tracker) pidFile(id string) string {
	return filepath.Join(pidsDir(t.root), id+".pid")
}

// Track implements supervisor.Tracker
func (t *Tracker) Track(id string, pid int) error {
	return os.WriteFile(t.pidFile(id), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Untrack implements supervisor.Tracker
func (t *Tracker) Untrack(id string) {
	_ = os.Remove(t.pidFile(id))
}

// Tracked returns the recorded PIDs keyed by process id
func (t *Tracker) Tracked() (map[string]int, error) {
	entries, err := os.ReadDir(pidsDir(t.root))
	if err != nil {
		return nil, fmt.Errorf("read pids dir: %w", err)
	}

	out := make(map[string]int, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(pidsDir(t.root), entry.Name()))
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || pid <= 0 {
			continue
		}
		out[strings.TrimSuffix(entry.Name(), ".pid")] = pid
	}
	return out, nil
}

// SweepOrphans kills every process group recorded on disk that is still
// running: SIGTERM, then SIGKILL for groups that outlive grace. Every PID
// file is removed. It returns the number of groups signalled and a
// description of each failure.
//
// Call it before spawning anything; children of the current instance are
// recorded in the same directory.
func (t *Tracker) SweepOrphans(grace time.Duration) (killed int, errs []string) {
	dir := pidsDir(t.root)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, []string{fmt.Sprintf("read pids dir: %v", err)}
	}

	var survivors []int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ".pid")
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: read error: %v", id, err))
			continue
		}
		_ = os.Remove(path)

		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || pid <= 0 {
			continue
		}
		if !groupAlive(pid) {
			continue
		}

		// Children run as group leaders, so the PID is also the group id.
		if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Sprintf("%s (PID %d): SIGTERM failed: %v", id, pid, err))
			continue
		}
		killed++
		survivors = append(survivors, pid)
	}

	deadline := time.Now().Add(grace)
	for len(survivors) > 0 && time.Now().Before(deadline) {
		survivors = stillAlive(survivors)
		if len(survivors) > 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
	for _, pid := range stillAlive(survivors) {
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Sprintf("PID %d: SIGKILL failed: %v", pid, err))
		}
	}

	return killed, errs
}

// groupAlive reports whether any member of the process group still exists
func groupAlive(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func stillAlive(pgids []int) []int {
	out := pgids[:0]
	for _, pgid := range pgids {
		if groupAlive(pgid) {
			out = append(out, pgid)
		}
	}
	return out
}
