//go:build !unix

package lockfile

import (
	"errors"
	"os"
)

var errWouldBlock = errors.New("lock held elsewhere")

// The daemon only ships for unix-like hosts; elsewhere the lock degrades
// to the advisory JSON file with no flock underneath.

func flockExclusive(*os.File) error { return nil }

func flockUnlock(*os.File) error { return nil }

func processAlive(pid int) bool { return pid > 0 }
