package irq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// UIO waits for interrupts on a uio device such as one bound to
// uio_pci_generic. Each read returns the running interrupt count; writing 1
// unmasks the line again. The line is level-triggered, so it is unmasked
// only when the next Wait begins, after the caller has cleared the ISR.
type UIO struct {
	path string
	fd   int
	wake int

	// fdMu is held for reading while the descriptors are in use and for
	// writing by Close when it releases them.
	fdMu     sync.RWMutex
	released bool

	mu      sync.Mutex
	closed  bool
	pending bool
	count   uint32
}

// OpenUIO opens a uio device node and enables its interrupt.
func OpenUIO(path string) (*UIO, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	u := &UIO{path: path, fd: fd, wake: wake}
	if err := u.unmask(); err != nil {
		u.Close()
		return nil, err
	}
	return u, nil
}

func (u *UIO) unmask() error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(u.fd, buf[:]); err != nil {
		return fmt.Errorf("unmask %s: %w", u.path, err)
	}
	return nil
}

func (u *UIO) kick() {
	u.fdMu.RLock()
	defer u.fdMu.RUnlock()
	if u.released {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(u.wake, buf[:])
}

// Wait implements Source. It unmasks the interrupt left masked by the
// previous Wait before blocking.
func (u *UIO) Wait(ctx context.Context) error {
	u.fdMu.RLock()
	defer u.fdMu.RUnlock()
	if u.released {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	u.mu.Lock()
	pending := u.pending
	u.pending = false
	u.mu.Unlock()
	if pending {
		if err := u.unmask(); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, u.kick)
	defer stop()

	fds := []unix.PollFd{
		{Fd: int32(u.fd), Events: unix.POLLIN},
		{Fd: int32(u.wake), Events: unix.POLLIN},
	}
	for {
		u.mu.Lock()
		closed := u.closed
		u.mu.Unlock()
		if closed {
			return ErrClosed
		}

		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll %s: %w", u.path, err)
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			var buf [8]byte
			unix.Read(u.wake, buf[:])
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		var buf [4]byte
		n, err := unix.Read(u.fd, buf[:])
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", u.path, err)
		}
		if n != len(buf) {
			return fmt.Errorf("irq: short uio read (want %d, got %d)", len(buf), n)
		}
		u.mu.Lock()
		u.count = binary.NativeEndian.Uint32(buf[:])
		u.pending = true
		u.mu.Unlock()
		return nil
	}
}

// Count returns the interrupt count reported by the last read.
func (u *UIO) Count() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count
}

// Close implements Source.
func (u *UIO) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	u.kick()

	// Wait out any poll still using the descriptors.
	u.fdMu.Lock()
	defer u.fdMu.Unlock()
	u.released = true
	unix.Close(u.wake)
	return unix.Close(u.fd)
}

var _ Source = (*UIO)(nil)
