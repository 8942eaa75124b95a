// Package lockfile implements the advisory process guard: a single file
// whose presence signals another run holds the lock and whose content is
// the holder's process identifier as decimal text.
package lockfile

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ebekker/acmewat/internal/acmeerr"
)

// Guard holds an acquired lock at Path until Release is called.
type Guard struct {
	path    string
	held    bool
}

// Acquire creates path exclusively and writes the current process
// identifier into it. It fails with acmeerr.LockHeld if the file already
// exists, and acmeerr.LockUnwritable if it cannot be created or written
// (permissions, missing parent directory).
func Acquire(path string) (*Guard, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, acmeerr.New("lockfile.Acquire", acmeerr.LockHeld, path)
		}
		return nil, acmeerr.Wrap("lockfile.Acquire", acmeerr.LockUnwritable, err)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return nil, acmeerr.Wrap("lockfile.Acquire", acmeerr.LockUnwritable, err)
	}
	return &Guard{path: path, held: true}, nil
}

// Release deletes the lockfile. It is a no-op if the guard was never
// acquired (g is nil) or has already been released.
func (g *Guard) Release() error {
	if g == nil || !g.held {
		return nil
	}
	g.held = false
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return acmeerr.Wrap("lockfile.Release", acmeerr.LockUnwritable, err)
	}
	return nil
}

// Holder reads the process identifier recorded in the lockfile at path,
// for a diagnostic message when Acquire reports LockHeld.
func Holder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("lockfile: read %s: %w", path, err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("lockfile: parse holder pid in %s: %w", path, err)
	}
	return pid, nil
}
