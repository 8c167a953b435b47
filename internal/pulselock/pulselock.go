// Package pulselock provides the pulse driver's filesystem mutex: only one
// pulse may run against a data directory at a time. Built on gofrs/flock so
// a crashed holder's OS-level lock is released for free; a staleness
// timeout backstops filesystems (network mounts, some container overlays)
// where advisory locks don't reliably clear on process death.
package pulselock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// DefaultStaleness is the age past which a held lock is reclaimed even if
// the underlying flock could not be acquired outright.
const DefaultStaleness = 10 * time.Minute

// Lock is the pulse driver's directory-based mutex.
type Lock struct {
	path       string
	staleness  time.Duration
	underlying *flock.Flock
}

// New returns a Lock at dataDir/pulse.lock with the given staleness timeout
// (DefaultStaleness if zero).
func New(dataDir string, staleness time.Duration) *Lock {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	path := dataDir + "/pulse.lock"
	return &Lock{path: path, staleness: staleness, underlying: flock.New(path)}
}

// Acquire attempts to take the lock. ok=false with a non-empty reason and no
// error means another live pulse holds it — the caller should exit cleanly,
// not treat this as a failure.
func (l *Lock) Acquire() (ok bool, reason string, err error) {
	locked, err := l.underlying.TryLock()
	if err != nil {
		return false, "", fmt.Errorf("acquiring pulse lock: %w", err)
	}
	if locked {
		if err := l.writeHolder(); err != nil {
			_ = l.underlying.Unlock() //nolint:errcheck
			return false, "", err
		}
		return true, "", nil
	}

	if !l.isStale() {
		return false, "another pulse holds the lock and is still recent", nil
	}

	// Stale: the recorded holder is old enough that we reclaim regardless of
	// whether the flock itself cleared. Force-replace the lock file and
	// retry once.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false, "", fmt.Errorf("removing stale pulse lock: %w", err)
	}
	l.underlying = flock.New(l.path)
	locked, err = l.underlying.TryLock()
	if err != nil {
		return false, "", fmt.Errorf("reacquiring stale pulse lock: %w", err)
	}
	if !locked {
		return false, "lock was reclaimed by another pulse first", nil
	}
	if err := l.writeHolder(); err != nil {
		_ = l.underlying.Unlock() //nolint:errcheck
		return false, "", err
	}
	return true, "", nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if err := l.underlying.Unlock(); err != nil {
		return fmt.Errorf("releasing pulse lock: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pulse lock file: %w", err)
	}
	return nil
}

func (l *Lock) writeHolder() error {
	content := fmt.Sprintf("%d\n%d\n", os.Getpid(), time.Now().Unix())
	return os.WriteFile(l.path, []byte(content), 0o644)
}

// isStale reports whether the lock file's recorded acquisition time is older
// than the staleness timeout. A missing file is not stale — TryLock already
// told us someone holds it live; an unparsable one is judged by its
// modification time.
func (l *Lock) isStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) <= l.staleness {
		return false
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		return time.Since(info.ModTime()) > l.staleness
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		return time.Since(info.ModTime()) > l.staleness
	}
	acquiredUnix, err := strconv.ParseInt(lines[1], 10, 64)
	if err != nil {
		return time.Since(info.ModTime()) > l.staleness
	}
	return time.Since(time.Unix(acquiredUnix, 0)) > l.staleness
}
