//go:build giouring
// +build giouring

// Real implementation backed by io_uring, for Linux hosts running the
// simulator against a named FIFO pair standing in for a SpaceWire
// cable. Mirrors this codebase's real io_uring ring usage elsewhere:
// a fixed-depth submission/completion ring shared across reads and
// writes on one file descriptor.
package hostio

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

type uringLink struct {
	file *os.File
	ring *giouring.Ring
	mu   sync.Mutex
}

func newLink(path string) (Link, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostio: open %s: %w", path, err)
	}
	ring, err := giouring.CreateRing(32)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hostio: create ring: %w", err)
	}
	return &uringLink{file: f, ring: ring}, nil
}

func (l *uringLink) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sqe := l.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("hostio: submission queue full")
	}
	sqe.PrepareRead(int(l.file.Fd()), uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)

	if _, err := l.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("hostio: submit read: %w", err)
	}
	cqe, err := l.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("hostio: wait cqe: %w", err)
	}
	defer l.ring.SeenCQE(cqe)
	if cqe.Res < 0 {
		return 0, fmt.Errorf("hostio: read failed with errno %d", -cqe.Res)
	}
	return int(cqe.Res), nil
}

func (l *uringLink) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sqe := l.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("hostio: submission queue full")
	}
	sqe.PrepareWrite(int(l.file.Fd()), uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)

	if _, err := l.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("hostio: submit write: %w", err)
	}
	cqe, err := l.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("hostio: wait cqe: %w", err)
	}
	defer l.ring.SeenCQE(cqe)
	if cqe.Res < 0 {
		return 0, fmt.Errorf("hostio: write failed with errno %d", -cqe.Res)
	}
	return int(cqe.Res), nil
}

func (l *uringLink) Close() error {
	l.ring.QueueExit()
	return l.file.Close()
}
