// Package loopdev implements the host-wide loop device pool the task
// launcher draws from when a container's Root is a regular file
// (image-backed root, mounted via loop-control ioctls per §6).
// Grounded on the loopback attach/detach ioctl sequence used by
// container storage drivers in the retrieved pack
// (go.podman.io/storage/pkg/loopback/attach_loopback.go): open
// /dev/loop-control, ask for the next free index with
// LOOP_CTL_GET_FREE, open that /dev/loopN, then LOOP_SET_FD to bind
// it to the backing file.
package loopdev

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrAttachFailed = errors.New("loopdev: attach failed")

// Pool tracks which loop device numbers this daemon currently has
// bound, so FreeResources can return exactly the ones it took.
type Pool struct {
	mu   sync.Mutex
	held map[int]*os.File
}

func NewPool() *Pool {
	return &Pool{held: map[int]*os.File{}}
}

// Attach binds backingPath (a regular file, e.g. a container's Root
// image) to the next free loop device and returns its number. The
// device stays open until Detach is called.
func (p *Pool) Attach(backingPath string) (int, error) {
	backing, err := os.OpenFile(backingPath, os.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("loopdev: open backing file %s: %w", backingPath, err)
	}
	defer backing.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	const maxAttempts = 1000
	for attempt := 0; attempt < maxAttempts; attempt++ {
		index, err := nextFreeIndex()
		if err != nil {
			return -1, fmt.Errorf("loopdev: %w: %v", ErrAttachFailed, err)
		}

		target := fmt.Sprintf("/dev/loop%d", index)
		loopFile, err := os.OpenFile(target, os.O_RDWR, 0)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ENXIO) {
				continue
			}
			return -1, fmt.Errorf("loopdev: open %s: %w", target, err)
		}

		if err := unix.IoctlSetInt(int(loopFile.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
			loopFile.Close()
			if err == unix.EBUSY {
				continue
			}
			return -1, fmt.Errorf("loopdev: %w: LOOP_SET_FD on %s: %v", ErrAttachFailed, target, err)
		}

		p.held[index] = loopFile
		return index, nil
	}
	return -1, fmt.Errorf("loopdev: %w: no free device after %d attempts", ErrAttachFailed, maxAttempts)
}

// MountPath returns the /dev/loopN path for a bound device number.
func MountPath(index int) string {
	return fmt.Sprintf("/dev/loop%d", index)
}

// Detach unbinds and closes device number index, returning it to the
// host-wide pool. Called from FreeResources, which runs on a Start
// failure and at Destroy of a container with a loop root; Stop does
// not detach.
func (p *Pool) Detach(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	loopFile, ok := p.held[index]
	if !ok {
		return nil
	}
	delete(p.held, index)
	defer loopFile.Close()

	if err := unix.IoctlSetInt(int(loopFile.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		return fmt.Errorf("loopdev: LOOP_CLR_FD on loop%d: %w", index, err)
	}
	return nil
}

func nextFreeIndex() (int, error) {
	f, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	defer f.Close()
	return unix.IoctlRetInt(int(f.Fd()), unix.LOOP_CTL_GET_FREE)
}
